package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/fingerprint"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/planner"
	"github.com/allaspectsdev/dubpipe/internal/stream"
)

// writingImpl returns a phase.Implementation that writes fixed content to
// every resolved output path and increments *calls each time it runs.
func writingImpl(calls *int, content string) func() phase.Implementation {
	return func() phase.Implementation {
		return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
			*calls++
			var written []string
			for key, path := range outputs {
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return phase.Result{}, err
				}
				written = append(written, key)
			}
			return phase.Result{Status: phase.StatusSucceeded, Outputs: written}, nil
		})
	}
}

func failingImpl() func() phase.Implementation {
	return func() phase.Implementation {
		return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
			return phase.Result{Status: phase.StatusFailed, Error: &phase.ResultError{Type: "boom", Message: "synthetic failure"}}, nil
		})
	}
}

func newTestRunner(t *testing.T, reg *phase.Registry) (*Runner, *manifest.Manifest, string) {
	t.Helper()
	ws := t.TempDir()
	man := manifest.New(filepath.Join(ws, "manifest.json"), "job-1", ws)
	return New(ws, reg, nil), man, ws
}

func TestRun_ExecutesAndCommitsArtifact(t *testing.T) {
	calls := 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&calls, "audio-bytes")}
	reg, err := phase.NewRegistry([]*phase.Spec{extract})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r, man, _ := newTestRunner(t, reg)

	plan, err := planner.Build(reg, man, "", "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected phase invoked once, got %d", calls)
	}

	art := man.GetArtifact("extract.audio")
	if art == nil {
		t.Fatal("expected extract.audio artifact to be committed")
	}
	if art.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}

	rec := man.GetPhase("extract")
	if rec == nil || rec.Status != manifest.StatusSucceeded {
		t.Fatalf("expected succeeded phase record, got %+v", rec)
	}
}

func TestRun_SkipsWhenInputsUnchanged(t *testing.T) {
	calls := 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&calls, "audio-bytes")}
	reg, _ := phase.NewRegistry([]*phase.Spec{extract})
	r, man, _ := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call after first run, got %d", calls)
	}

	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected phase to be skipped on second run (still 1 call), got %d", calls)
	}
}

func TestRun_BlessedArtifactCascadesToDownstreamOnly(t *testing.T) {
	extractCalls, asrCalls := 0, 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&extractCalls, "v1")}
	asr := &phase.Spec{Name: "asr", Version: "1.0.0", Requires: []string{"extract.audio"}, Provides: []string{"asr.result"}, Loader: writingImpl(&asrCalls, "transcript-v1")}
	reg, _ := phase.NewRegistry([]*phase.Spec{extract, asr})
	r, man, ws := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if extractCalls != 1 || asrCalls != 1 {
		t.Fatalf("expected one call each after first run, got extract=%d asr=%d", extractCalls, asrCalls)
	}

	// Replace the audio file's bytes directly on disk and bless it: update
	// the manifest's recorded fingerprint to match the new bytes, exactly
	// what the bless operation does, so extract's own record still matches
	// and only the downstream consumer's input fingerprint changes.
	audioArt := man.GetArtifact("extract.audio")
	editedPath := absPath(ws, audioArt.Relpath)
	if err := os.WriteFile(editedPath, []byte("v2-edited"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	newFP, err := fingerprint.HashFile(editedPath)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	audioArt.Fingerprint = newFP
	man.PutArtifact(*audioArt)
	if err := man.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if extractCalls != 1 {
		t.Errorf("extract's own record was blessed to match the edited file; expected it to remain skipped, got %d calls", extractCalls)
	}
	if asrCalls != 2 {
		t.Errorf("expected asr to re-execute because its upstream input fingerprint changed, got %d calls", asrCalls)
	}
}

func TestRun_MissingInputFails(t *testing.T) {
	asr := &phase.Spec{Name: "asr", Version: "1.0.0", Requires: []string{"extract.audio"}, Provides: []string{"asr.result"}, Loader: func() phase.Implementation {
		return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
			t.Fatal("phase should not run when its declared input is missing")
			return phase.Result{}, nil
		})
	}}
	reg, _ := phase.NewRegistry([]*phase.Spec{asr})
	r, man, _ := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	err := r.Run(context.Background(), man, plan, nil)
	if err == nil {
		t.Fatal("expected MissingInput error")
	}
}

func TestRun_PhaseFailureStopsRunnerBeforeLaterPhases(t *testing.T) {
	laterCalls := 0
	broken := &phase.Spec{Name: "broken", Version: "1.0.0", Provides: []string{"broken.out"}, Loader: failingImpl()}
	later := &phase.Spec{Name: "later", Version: "1.0.0", Requires: []string{"broken.out"}, Provides: []string{"later.out"}, Loader: writingImpl(&laterCalls, "x")}
	reg, _ := phase.NewRegistry([]*phase.Spec{broken, later})
	r, man, _ := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	err := r.Run(context.Background(), man, plan, nil)
	if err == nil {
		t.Fatal("expected an error from the failing phase")
	}
	if laterCalls != 0 {
		t.Errorf("expected later phase never to run after an earlier failure, got %d calls", laterCalls)
	}

	rec := man.GetPhase("broken")
	if rec == nil || rec.Status != manifest.StatusFailed || rec.Error == nil {
		t.Fatalf("expected a failed phase record with an error payload, got %+v", rec)
	}
}

func TestRun_GateHaltsRunner(t *testing.T) {
	afterCalls, laterCalls := 0, 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&afterCalls, "a")}
	later := &phase.Spec{Name: "translate", Version: "1.0.0", Requires: []string{"extract.audio"}, Provides: []string{"translate.result"}, Loader: writingImpl(&laterCalls, "b")}
	reg, _ := phase.NewRegistry([]*phase.Spec{extract, later})
	r, man, _ := newTestRunner(t, reg)
	man.EnsureGate("review", "extract", "review before translating")

	plan, _ := planner.Build(reg, man, "", "", nil)
	events := make(chan stream.Event, 16)
	if err := r.Run(context.Background(), man, plan, events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if laterCalls != 0 {
		t.Errorf("expected translate not to run before the gate is passed, got %d calls", laterCalls)
	}

	status, ok := man.GateStatusOf("review")
	if !ok || status != manifest.GateOpen {
		t.Fatalf("expected gate to be open, got status=%v ok=%v", status, ok)
	}

	man.PassGate("review")
	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if laterCalls != 1 {
		t.Errorf("expected translate to run once the gate is passed, got %d calls", laterCalls)
	}
}

func TestRun_SkipPersistsSkippedStatusInManifest(t *testing.T) {
	calls := 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&calls, "audio-bytes")}
	reg, _ := phase.NewRegistry([]*phase.Spec{extract})
	r, man, _ := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected phase to be skipped on second run, got %d calls", calls)
	}

	rec := man.GetPhase("extract")
	if rec == nil {
		t.Fatal("expected a phase record after the skipped run")
	}
	if rec.Status != manifest.StatusSkipped {
		t.Errorf("expected status %q on a skipped run, got %q", manifest.StatusSkipped, rec.Status)
	}
	if !rec.Skipped {
		t.Error("expected Skipped=true in the manifest record after a second, skipped invocation")
	}
}

func TestRun_CalDocFingerprintIgnoresCosmeticReformat(t *testing.T) {
	parseCalls, consumeCalls := 0, 0
	parse := &phase.Spec{
		Name:     "parse",
		Version:  "1.0.0",
		Provides: []string{"parsed.caldoc"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				parseCalls++
				doc := caldoc.New(1000)
				doc.Segments = append(doc.Segments, caldoc.Segment{ID: "seg-1", StartMS: 0, EndMS: 500, Text: "hello"})
				if err := doc.Save(outputs["parsed.caldoc"]); err != nil {
					return phase.Result{}, err
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"parsed.caldoc"}}, nil
			})
		},
	}
	consume := &phase.Spec{
		Name:     "consume",
		Version:  "1.0.0",
		Requires: []string{"parsed.caldoc"},
		Provides: []string{"consume.result"},
		Loader:   writingImpl(&consumeCalls, "downstream-bytes"),
	}
	reg, err := phase.NewRegistry([]*phase.Spec{parse, consume})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r, man, ws := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if parseCalls != 1 || consumeCalls != 1 {
		t.Fatalf("expected one call each after first run, got parse=%d consume=%d", parseCalls, consumeCalls)
	}

	art := man.GetArtifact("parsed.caldoc")
	if art.Kind != manifest.KindCalDoc {
		t.Fatalf("expected parsed.caldoc to be recorded as KindCalDoc, got %q", art.Kind)
	}

	// Re-save the CalDoc with identical segments. Save always bumps
	// history.rev and updated_at, so the raw file bytes change even though
	// nothing a canonical fingerprint cares about does.
	path := absPath(ws, art.Relpath)
	doc, err := caldoc.Load(path)
	if err != nil {
		t.Fatalf("caldoc.Load: %v", err)
	}
	beforeRev := doc.History.Rev
	if err := doc.Save(path); err != nil {
		t.Fatalf("caldoc Save: %v", err)
	}
	reloaded, err := caldoc.Load(path)
	if err != nil {
		t.Fatalf("caldoc.Load (reloaded): %v", err)
	}
	if reloaded.History.Rev == beforeRev {
		t.Fatal("expected Save to bump history.rev, invalidating this test's premise")
	}

	plan2, _ := planner.Build(reg, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if parseCalls != 1 {
		t.Errorf("parse's own prior output still matches by canonical fingerprint; expected it to remain skipped, got %d calls", parseCalls)
	}
	if consumeCalls != 1 {
		t.Errorf("expected consume NOT to re-execute on a cosmetic CalDoc rewrite (same segments); got %d calls", consumeCalls)
	}
}

func TestRun_ProducerVersionBumpCascadesEvenWhenOutputIsIdentical(t *testing.T) {
	extractCalls, asrCalls := 0, 0
	extractV1 := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&extractCalls, "same-bytes")}
	asr := &phase.Spec{Name: "asr", Version: "1.0.0", Requires: []string{"extract.audio"}, Provides: []string{"asr.result"}, Loader: writingImpl(&asrCalls, "transcript")}
	regV1, _ := phase.NewRegistry([]*phase.Spec{extractV1, asr})
	r, man, ws := newTestRunner(t, regV1)

	plan, _ := planner.Build(regV1, man, "", "", nil)
	if err := r.Run(context.Background(), man, plan, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if extractCalls != 1 || asrCalls != 1 {
		t.Fatalf("expected one call each after first run, got extract=%d asr=%d", extractCalls, asrCalls)
	}

	// Rebuild the registry with extract's version bumped but its output
	// byte-identical to before (the reference phases are deterministic).
	extractV2 := &phase.Spec{Name: "extract", Version: "2.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&extractCalls, "same-bytes")}
	regV2, _ := phase.NewRegistry([]*phase.Spec{extractV2, asr})
	r2 := New(ws, regV2, nil)

	plan2, err := planner.Build(regV2, man, "", "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !plan2.Forced("extract") {
		t.Fatal("expected extract to be forced by its own version bump")
	}
	if err := r2.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if extractCalls != 2 {
		t.Fatalf("expected extract to re-execute once forced by its version bump, got %d calls", extractCalls)
	}
	if asrCalls != 2 {
		t.Errorf("expected asr to re-execute because its upstream producer's version changed, even though the bytes it reads are unchanged; got %d calls", asrCalls)
	}
}

func TestRun_ForcedPhaseAlwaysReexecutes(t *testing.T) {
	calls := 0
	extract := &phase.Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: writingImpl(&calls, "same-bytes-every-time")}
	reg, _ := phase.NewRegistry([]*phase.Spec{extract})
	r, man, _ := newTestRunner(t, reg)

	plan, _ := planner.Build(reg, man, "", "", nil)
	r.Run(context.Background(), man, plan, nil)

	plan2, _ := planner.Build(reg, man, "extract", "", nil)
	if err := r.Run(context.Background(), man, plan2, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if calls != 2 {
		t.Errorf("expected --from extract to force re-execution even with unchanged output, got %d calls", calls)
	}
}
