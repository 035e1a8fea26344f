package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/stream"
)

func newTestServer(t *testing.T, reg *phase.Registry) (*httptest.Server, string) {
	t.Helper()
	ws := t.TempDir()

	resolver := WorkspaceResolverFunc(func(id string) (string, bool) {
		if id != "ws-1" {
			return "", false
		}
		return ws, true
	})

	h := NewHandler(resolver, reg, nil, nil)
	srv := NewServer(h, "", 0, 0, 0, false)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, ws
}

func echoPhase(calls *int) *phase.Spec {
	return &phase.Spec{
		Name:     "extract",
		Version:  "1.0.0",
		Provides: []string{"extract.audio"},
		Label:    "ingest",
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				*calls++
				var written []string
				for key, path := range outputs {
					if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
						return phase.Result{}, err
					}
					written = append(written, key)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: written}, nil
			})
		},
	}
}

func TestHandleRun_StreamsEventsAndCommitsArtifact(t *testing.T) {
	calls := 0
	reg, err := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ts, ws := newTestServer(t, reg)

	resp, err := http.Post(ts.URL+"/v1/workspaces/ws-1/run", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := stream.NewSSEReader(resp.Body)
	sawDone := false
	for {
		evt, err := reader.Next()
		if err != nil {
			break
		}
		if evt.Event == "done" {
			sawDone = true
			break
		}
	}
	if !sawDone {
		t.Fatal("expected a done event before the stream closed")
	}
	if calls != 1 {
		t.Errorf("expected phase invoked once, got %d", calls)
	}

	man, err := manifest.Load(filepath.Join(ws, manifestFilename), "", ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if man.GetArtifact("extract.audio") == nil {
		t.Error("expected extract.audio artifact to be committed")
	}
}

func TestHandleRun_ConflictOnConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &phase.Spec{
		Name:     "extract",
		Version:  "1.0.0",
		Provides: []string{"extract.audio"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				close(started)
				<-release
				for key, path := range outputs {
					if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
						return phase.Result{}, err
					}
					return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{key}}, nil
				}
				return phase.Result{Status: phase.StatusSucceeded}, nil
			})
		},
	}
	reg, _ := phase.NewRegistry([]*phase.Spec{blocking})
	ts, _ := newTestServer(t, reg)

	resp1, err := http.Post(ts.URL+"/v1/workspaces/ws-1/run", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST run (1): %v", err)
	}
	defer resp1.Body.Close()
	<-started

	resp2, err := http.Post(ts.URL+"/v1/workspaces/ws-1/run", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST run (2): %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a second concurrent run, got %d", resp2.StatusCode)
	}

	close(release)
	io.Copy(io.Discard, resp1.Body)
}

func TestHandleBless_UpdatesFingerprintOverHTTP(t *testing.T) {
	calls := 0
	reg, _ := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	ts, ws := newTestServer(t, reg)

	resp, err := http.Post(ts.URL+"/v1/workspaces/ws-1/run", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	man, _ := manifest.Load(filepath.Join(ws, manifestFilename), "", ws)
	art := man.GetArtifact("extract.audio")
	editedPath := filepath.Join(ws, filepath.FromSlash(art.Relpath))
	if err := os.WriteFile(editedPath, []byte("hand-edited"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	body, _ := json.Marshal(blessRequest{Phase: "extract"})
	blessResp, err := http.Post(ts.URL+"/v1/workspaces/ws-1/bless", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST bless: %v", err)
	}
	defer blessResp.Body.Close()
	if blessResp.StatusCode != http.StatusOK {
		t.Fatalf("bless status = %d", blessResp.StatusCode)
	}

	man2, _ := manifest.Load(filepath.Join(ws, manifestFilename), "", ws)
	if man2.GetArtifact("extract.audio").Fingerprint == art.Fingerprint {
		t.Error("expected bless to change the recorded fingerprint")
	}
}

func TestHandlePassGate_OpensThenPasses(t *testing.T) {
	calls := 0
	reg, _ := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	ts, ws := newTestServer(t, reg)

	man := manifest.New(filepath.Join(ws, manifestFilename), "job-1", ws)
	man.EnsureGate("review", "extract", "human review")
	man.OpenGate("review")
	if err := man.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resp, err := http.Post(ts.URL+"/v1/workspaces/ws-1/gates/review/pass", "application/json", nil)
	if err != nil {
		t.Fatalf("POST gates pass: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	man2, _ := manifest.Load(filepath.Join(ws, manifestFilename), "", ws)
	status, ok := man2.GateStatusOf("review")
	if !ok || status != manifest.GatePassed {
		t.Fatalf("expected gate passed, got %v ok=%v", status, ok)
	}
}

func TestHandleStatus_GroupsPhasesIntoStages(t *testing.T) {
	calls := 0
	reg, _ := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	ts, _ := newTestServer(t, reg)

	resp, err := http.Get(ts.URL + "/v1/workspaces/ws-1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Stages) != 1 || got.Stages[0].Label != "ingest" {
		t.Errorf("expected a single 'ingest' stage, got %+v", got.Stages)
	}
}

func TestHandleCalDoc_RoundTrips(t *testing.T) {
	calls := 0
	reg, _ := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	ts, _ := newTestServer(t, reg)

	getResp, err := http.Get(ts.URL + "/v1/workspaces/ws-1/caldoc")
	if err != nil {
		t.Fatalf("GET caldoc: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any caldoc exists, got %d", getResp.StatusCode)
	}

	doc := caldoc.New(60000)
	doc.Segments = []caldoc.Segment{{ID: "seg-1", StartMS: 0, EndMS: 1000, Text: "hello"}}
	body, _ := json.Marshal(doc)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/workspaces/ws-1/caldoc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT caldoc: %v", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", putResp.StatusCode)
	}

	var saved caldoc.Doc
	if err := json.NewDecoder(putResp.Body).Decode(&saved); err != nil {
		t.Fatalf("decode PUT response: %v", err)
	}
	if saved.History.Rev != 1 {
		t.Errorf("expected rev 1 after first save, got %d", saved.History.Rev)
	}

	getResp2, err := http.Get(ts.URL + "/v1/workspaces/ws-1/caldoc")
	if err != nil {
		t.Fatalf("GET caldoc (2): %v", err)
	}
	defer getResp2.Body.Close()
	if getResp2.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", getResp2.StatusCode)
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	calls := 0
	reg, _ := phase.NewRegistry([]*phase.Spec{echoPhase(&calls)})
	ts, _ := newTestServer(t, reg)

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
}
