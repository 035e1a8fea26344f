package phaseimpl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/planner"
	"github.com/allaspectsdev/dubpipe/internal/runner"
)

func seedSourceMedia(t *testing.T, ws string, content string) {
	t.Helper()
	dir := filepath.Join(ws, "source")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.media"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestSpecs_BuildsAValidRegistry(t *testing.T) {
	reg, err := phase.NewRegistry(Specs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Len() != 9 {
		t.Fatalf("expected 9 phases, got %d", reg.Len())
	}
	for _, name := range []string{"extract", "asr", "parse", "reseg", "mt", "align", "tts", "mix", "burn"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("expected phase %q to be registered", name)
		}
	}
}

func TestSpecs_FullPipelineRunsEndToEnd(t *testing.T) {
	reg, err := phase.NewRegistry(Specs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	ws := t.TempDir()
	seedSourceMedia(t, ws, "synthetic source media bytes")

	man := manifest.New(filepath.Join(ws, "manifest.json"), "job-1", ws)
	r := runner.New(ws, reg, nil)

	plan, err := planner.Build(reg, man, "", "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, key := range []string{
		"extract.audio", "asr.transcript", "parsed.caldoc", "resegmented.caldoc",
		"translated.caldoc", "align.timing", "tts.audio", "mix.audio", "final.video",
	} {
		art := man.GetArtifact(key)
		if art == nil {
			t.Fatalf("expected artifact %q to be committed", key)
		}
		if art.Fingerprint == "" {
			t.Errorf("artifact %q: expected a non-empty fingerprint", key)
		}
	}

	for _, name := range []string{"extract", "asr", "parse", "reseg", "mt", "align", "tts", "mix", "burn"} {
		rec := man.GetPhase(name)
		if rec == nil || rec.Status != manifest.StatusSucceeded {
			t.Fatalf("phase %q: expected succeeded record, got %+v", name, rec)
		}
	}

	translated := man.GetArtifact("translated.caldoc")
	doc, err := caldoc.Load(filepath.Join(ws, translated.Relpath))
	if err != nil {
		t.Fatalf("caldoc.Load: %v", err)
	}
	if len(doc.Segments) == 0 {
		t.Fatal("expected at least one segment after parse")
	}
	for _, seg := range doc.Segments {
		if seg.TextTranslated == "" {
			t.Errorf("segment %q: expected mt to fill TextTranslated", seg.ID)
		}
	}
}

func TestSpecs_RerunSkipsEveryPhaseWhenNothingChanged(t *testing.T) {
	reg, _ := phase.NewRegistry(Specs())
	ws := t.TempDir()
	seedSourceMedia(t, ws, "stable bytes")

	man := manifest.New(filepath.Join(ws, "manifest.json"), "job-1", ws)
	r := runner.New(ws, reg, nil)

	plan, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	firstBurn := man.GetArtifact("final.video")

	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	secondBurn := man.GetArtifact("final.video")
	if firstBurn.Fingerprint != secondBurn.Fingerprint {
		t.Error("expected final.video fingerprint to stay stable across a no-op rerun")
	}

	for _, name := range []string{"extract", "asr", "parse", "reseg", "mt", "align", "tts", "mix", "burn"} {
		rec := man.GetPhase(name)
		if rec == nil || !rec.Skipped {
			t.Errorf("phase %q: expected a skipped record on the no-op rerun, got %+v", name, rec)
		}
	}
}

func TestDeterministicSegments_StableAcrossIdenticalSize(t *testing.T) {
	a := deterministicSegments(4096)
	b := deterministicSegments(4096)
	if len(a) != len(b) {
		t.Fatalf("expected identical segment counts for identical sizes, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("segment %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
