package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEvent_ToSSEEvent_EncodesPayloadAsJSON(t *testing.T) {
	evt := PhaseEvent("extract", "running").ToSSEEvent()
	if evt.Event != "phase" {
		t.Errorf("Event: got %q, want phase", evt.Event)
	}
	if !strings.Contains(evt.Data, `"name":"extract"`) {
		t.Errorf("Data missing name field: %q", evt.Data)
	}
}

func TestDerivePhaseFromLogLine(t *testing.T) {
	cases := []struct {
		line     string
		wantName string
		wantOK   bool
	}{
		{"phase extract running", "extract", true},
		{"phase asr starting", "asr", true},
		{"Phase Translate Running", "Translate", true},
		{"nothing to see here", "", false},
		{"extract phase running", "", false},
	}
	for _, tc := range cases {
		name, ok := DerivePhaseFromLogLine(tc.line)
		if ok != tc.wantOK || name != tc.wantName {
			t.Errorf("DerivePhaseFromLogLine(%q) = (%q, %v), want (%q, %v)", tc.line, name, ok, tc.wantName, tc.wantOK)
		}
	}
}

func TestSSEWriter_WriteEvent_FramesWithBlankLineTerminator(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	if err := w.WriteEvent(&SSEEvent{Event: "phase", Data: `{"name":"extract"}`}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	got := rec.Body.String()
	want := "event: phase\ndata: {\"name\":\"extract\"}\n\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSSEReaderWriter_RoundTrips(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	events := []*SSEEvent{
		{Event: "log", Data: "starting"},
		{Event: "phase", Data: `{"name":"extract"}`},
		{Event: "done", Data: `{"returncode":0}`},
	}
	for _, e := range events {
		if err := w.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	r := NewSSEReader(strings.NewReader(rec.Body.String()))
	for i, want := range events {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if got.Event != want.Event || got.Data != want.Data {
			t.Errorf("event #%d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestController_MutualExclusion(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, events, err := c.Start(ctx, "ws-1", 4)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, _, err := c.Start(ctx, "ws-1", 4); err == nil {
		t.Error("expected conflict starting a second run for the same workspace")
	}

	if !c.Active("ws-1") {
		t.Error("expected ws-1 to be reported active")
	}

	c.Finish("ws-1")
	if c.Active("ws-1") {
		t.Error("expected ws-1 to be inactive after Finish")
	}

	// events channel must be closed by Finish.
	if _, ok := <-events; ok {
		t.Error("expected events channel to be closed after Finish")
	}

	// Starting again for the same key should now succeed.
	if _, _, err := c.Start(ctx, "ws-1", 4); err != nil {
		t.Errorf("Start after Finish: %v", err)
	}
}

func TestController_CancelPropagatesToRunContext(t *testing.T) {
	c := NewController()
	runCtx, _, err := c.Start(context.Background(), "ws-1", 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !c.Cancel("ws-1") {
		t.Error("expected Cancel to report a found run")
	}

	select {
	case <-runCtx.Done():
		// expected
	default:
		t.Error("expected run context to be cancelled")
	}

	c.Finish("ws-1")
}

func TestController_CancelUnknownWorkspace(t *testing.T) {
	c := NewController()
	if c.Cancel("nope") {
		t.Error("expected Cancel to report false for an unknown workspace")
	}
}
