package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/allaspectsdev/dubpipe/internal/phase"
)

// WritingImpl returns a phase.Implementation.Loader that writes fixed
// content to every resolved output path and increments *calls each time it
// runs. It exists so runner/planner/apiserver tests can exercise the
// registry's execution path without pulling in pkg/phaseimpl's real
// file-shuffling logic.
func WritingImpl(calls *int, content string) func() phase.Implementation {
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

// FailingImpl returns a phase.Implementation.Loader that always reports a
// failed result, for exercising error paths.
func FailingImpl(kind, message string) func() phase.Implementation {
	return func() phase.Implementation {
		return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
			return phase.Result{Status: phase.StatusFailed, Error: &phase.ResultError{Type: kind, Message: message}}, nil
		})
	}
}

// SyntheticRegistry builds a small three-phase registry standing in for a
// dubbing pipeline's shape (one root phase, one phase with a single
// dependency, one phase with two), without touching pkg/phaseimpl. Each
// phase's Loader is WritingImpl with a fixed per-phase string
// ("ingest-bytes", "transform-bytes", "finalize-bytes"), not a deterministic
// transcript/caldoc fixture; no provided key ends in "caldoc", so the runner
// fingerprints every output as a plain file.
func SyntheticRegistry(t *testing.T, calls *int) *phase.Registry {
	t.Helper()

	ingest := &phase.Spec{
		Name:     "ingest",
		Version:  "1.0.0",
		Provides: []string{"ingest.audio"},
		Loader:   WritingImpl(calls, "ingest-bytes"),
	}
	transform := &phase.Spec{
		Name:     "transform",
		Version:  "1.0.0",
		Requires: []string{"ingest.audio"},
		Provides: []string{"transform.result"},
		Loader:   WritingImpl(calls, "transform-bytes"),
	}
	finalize := &phase.Spec{
		Name:     "finalize",
		Version:  "1.0.0",
		Requires: []string{"ingest.audio", "transform.result"},
		Provides: []string{"finalize.video"},
		Loader:   WritingImpl(calls, "finalize-bytes"),
	}

	reg, err := phase.NewRegistry([]*phase.Spec{ingest, transform, finalize})
	if err != nil {
		t.Fatalf("testutil: building synthetic registry: %v", err)
	}
	return reg
}
