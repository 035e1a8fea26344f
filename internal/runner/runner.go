// Package runner executes an ExecutionPlan against a workspace: for each
// phase in order it resolves inputs, recomputes fingerprints, decides
// whether to skip or run, invokes the phase, and commits its outputs to the
// manifest — stopping at the first failure or the first gate it opens.
// The control flow is a chain-of-responsibility over an arbitrary phase
// graph rather than a fixed request/response pair: phases run strictly in
// order, one at a time, with timing and panic recovery around each
// invocation.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/dubpipe/internal/fingerprint"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/pipelineerr"
	"github.com/allaspectsdev/dubpipe/internal/planner"
	"github.com/allaspectsdev/dubpipe/internal/stream"
	"github.com/allaspectsdev/dubpipe/internal/tracing"
)

// ConfigSliceFunc returns the subset of global configuration a phase's
// input fingerprint is sensitive to. The runner treats the returned value
// as an opaque, canonically-JSON-encodable value; only its content matters.
type ConfigSliceFunc func(phaseName string, configKeys []string) map[string]any

// Runner executes plans against one workspace. It holds no per-run state;
// Run is safe to call repeatedly (though never concurrently for the same
// workspace — that exclusion is the stream controller's job, not this
// type's).
type Runner struct {
	WorkspaceRoot string
	Registry      *phase.Registry
	ConfigSlice   ConfigSliceFunc
	Strict        bool // FingerprintMismatch is fatal rather than self-healing
	Logger        zerolog.Logger
}

// New creates a Runner whose logger is a component-scoped logger derived
// from the global zerolog logger.
func New(workspaceRoot string, registry *phase.Registry, configSlice ConfigSliceFunc) *Runner {
	if configSlice == nil {
		configSlice = func(string, []string) map[string]any { return nil }
	}
	return &Runner{
		WorkspaceRoot: workspaceRoot,
		Registry:      registry,
		ConfigSlice:   configSlice,
		Logger:        log.With().Str("component", "runner").Logger(),
	}
}

// recoverPhaseRun calls fn, converting any panic into a phase.Result with
// StatusFailed rather than letting it crash the runner's host process.
func recoverPhaseRun(name string, fn func() (phase.Result, error)) (result phase.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase %s: panic: %v", name, r)
			result = phase.Result{Status: phase.StatusFailed, Error: &phase.ResultError{Type: "panic", Message: fmt.Sprint(r)}}
		}
	}()
	return fn()
}

// Run executes plan.Phases against man in order, emitting progress on
// events (which may be nil, in which case events are simply dropped). It
// returns nil on normal completion (including completion that stopped at
// an opened gate) and a non-nil error only for conditions the caller must
// treat as a hard failure (MissingInput, PhaseExecutionError,
// FingerprintMismatch in strict mode).
func (r *Runner) Run(ctx context.Context, man *manifest.Manifest, plan *planner.Plan, events chan<- stream.Event) error {
	emit := func(e stream.Event) {
		if events != nil {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
	}

	for _, name := range plan.Phases {
		spec, ok := r.Registry.Get(name)
		if !ok {
			return pipelineerr.UnknownPhase(name)
		}

		if err := ctx.Err(); err != nil {
			emit(stream.ErrorEvent("cancelled"))
			return err
		}

		emit(stream.LogEvent(fmt.Sprintf("phase %s starting", name)))

		result, err := r.runOne(ctx, man, plan, spec, emit)
		if err != nil {
			emit(stream.ErrorEvent(err.Error()))
			return err
		}
		if result.gateOpened {
			emit(stream.GateEvent(result.gateKey, string(manifest.GateOpen)))
			emit(stream.DoneEvent(0))
			return nil
		}
	}

	emit(stream.DoneEvent(0))
	return nil
}

// stepOutcome carries the post-phase control signal Run needs: whether a
// gate just opened and halted the plan.
type stepOutcome struct {
	gateOpened bool
	gateKey    string
}

// runOne executes the 10-step algorithm for a single phase.
func (r *Runner) runOne(ctx context.Context, man *manifest.Manifest, plan *planner.Plan, spec *phase.Spec, emit func(stream.Event)) (stepOutcome, error) {
	logger := r.Logger.With().Str("phase", spec.Name).Logger()

	ctx, span := tracing.StartPipelineSpan(ctx, spec.Name)
	defer span.End()

	// Step 1: resolve inputs.
	inputs := make([]phase.Input, 0, len(spec.Requires))
	entries := make([]fingerprint.Entry, 0, len(spec.Requires))
	for _, key := range spec.Requires {
		art := man.GetArtifact(key)
		if art == nil {
			err := pipelineerr.MissingInput(spec.Name, key)
			tracing.RecordError(ctx, err)
			return stepOutcome{}, err
		}

		// Step 2: recompute upstream fingerprint; self-heal unless strict.
		onDisk, ferr := fingerprintArtifact(r.WorkspaceRoot, art)
		if ferr != nil {
			err := fmt.Errorf("runner: recompute fingerprint for %s: %w", key, ferr)
			tracing.RecordError(ctx, err)
			return stepOutcome{}, err
		}
		if onDisk != art.Fingerprint {
			if r.Strict {
				err := pipelineerr.FingerprintMismatch(key)
				tracing.RecordError(ctx, err)
				return stepOutcome{}, err
			}
			logger.Info().Str("key", key).Msg("on-disk fingerprint changed since last record; updating manifest")
			art.Fingerprint = onDisk
			man.PutArtifact(*art)
		}

		inputs = append(inputs, phase.Input{
			Key:         art.Key,
			Path:        absPath(r.WorkspaceRoot, art.Relpath),
			Kind:        string(art.Kind),
			Fingerprint: art.Fingerprint,
			Meta:        art.Meta,
		})
		entries = append(entries, fingerprint.Entry{Key: key, Fingerprint: art.Fingerprint, ProducerVersion: art.Producer.Version})
	}

	// Step 3: compute input_fingerprint(P).
	configSlice := r.ConfigSlice(spec.Name, spec.ConfigKeys)
	inputFingerprint, err := fingerprint.Combined(entries, []string{spec.Version, mustJSON(configSlice)})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("runner: compute input fingerprint for %s: %w", spec.Name, err)
	}

	// Step 4: skip decision.
	if !plan.Forced(spec.Name) {
		if rec := man.GetPhase(spec.Name); rec != nil &&
			rec.Status == manifest.StatusSucceeded &&
			rec.Version == spec.Version &&
			rec.InputFingerprint == inputFingerprint &&
			outputsStillValid(r.WorkspaceRoot, man, rec.OutputKeys) {
			skipped := *rec
			skipped.Status = manifest.StatusSkipped
			skipped.Skipped = true
			skipped.FinishedAt = manifest.NowISO8601()
			man.PutPhase(skipped)
			if err := man.Save(); err != nil {
				return stepOutcome{}, fmt.Errorf("runner: persist skip record for %s: %w", spec.Name, err)
			}
			emit(stream.PhaseEvent(spec.Name, string(manifest.StatusSkipped)))
			return r.maybeOpenGate(man, spec.Name, emit)
		}
	}

	// Step 5: allocate output paths.
	resolved := make(phase.ResolvedOutputs, len(spec.Provides))
	kinds := make(map[string]manifest.ArtifactKind, len(spec.Provides))
	relpaths := make(map[string]string, len(spec.Provides))
	for _, key := range spec.Provides {
		abs, rel, kind := allocateOutputPath(r.WorkspaceRoot, spec.Name, key)
		if err := os.MkdirAll(dirOf(abs, kind), 0o755); err != nil {
			return stepOutcome{}, fmt.Errorf("runner: allocate output dir for %s: %w", key, err)
		}
		resolved[key] = abs
		kinds[key] = kind
		relpaths[key] = rel
	}

	// Step 6: pre-run manifest update.
	man.PutPhase(manifest.PhaseRecord{
		Name:             spec.Name,
		Status:           manifest.StatusRunning,
		Version:          spec.Version,
		InputFingerprint: inputFingerprint,
		StartedAt:        manifest.NowISO8601(),
	})
	if err := man.Save(); err != nil {
		return stepOutcome{}, fmt.Errorf("runner: persist pre-run record for %s: %w", spec.Name, err)
	}

	// Step 7: invoke.
	impl := spec.Load()
	start := time.Now()
	result, runErr := recoverPhaseRun(spec.Name, func() (phase.Result, error) {
		return impl.Run(ctx, inputs, resolved)
	})
	elapsed := time.Since(start)
	logger.Info().Dur("elapsed", elapsed).Str("status", string(result.Status)).Msg("phase finished")

	if runErr == nil {
		for _, key := range result.Outputs {
			if _, declared := resolved[key]; !declared {
				runErr = fmt.Errorf("phase %s: reported output key %q not in its provides list", spec.Name, key)
				break
			}
		}
	}

	if runErr != nil || result.Status != phase.StatusSucceeded {
		return r.commitFailure(man, spec, result, runErr)
	}

	// Step 8: commit.
	return r.commitSuccess(man, spec, result, inputFingerprint, resolved, kinds, relpaths, emit)
}

func (r *Runner) commitFailure(man *manifest.Manifest, spec *phase.Spec, result phase.Result, runErr error) (stepOutcome, error) {
	rec := manifest.PhaseRecord{
		Name:       spec.Name,
		Status:     manifest.StatusFailed,
		Version:    spec.Version,
		FinishedAt: manifest.NowISO8601(),
	}
	switch {
	case result.Error != nil:
		rec.Error = &manifest.PhaseError{Type: result.Error.Type, Message: result.Error.Message, Traceback: result.Error.Traceback}
	case runErr != nil:
		rec.Error = &manifest.PhaseError{Type: "execution_error", Message: runErr.Error()}
	default:
		rec.Error = &manifest.PhaseError{Type: "execution_error", Message: "phase reported failure status without an error payload"}
	}
	man.PutPhase(rec)
	if saveErr := man.Save(); saveErr != nil {
		return stepOutcome{}, fmt.Errorf("runner: persist failure record for %s: %w", spec.Name, saveErr)
	}

	if runErr != nil {
		return stepOutcome{}, pipelineerr.PhaseExecution(spec.Name, runErr)
	}
	return stepOutcome{}, pipelineerr.PhaseExecution(spec.Name, fmt.Errorf("%s", rec.Error.Message))
}

func (r *Runner) commitSuccess(
	man *manifest.Manifest,
	spec *phase.Spec,
	result phase.Result,
	inputFingerprint string,
	resolved phase.ResolvedOutputs,
	kinds map[string]manifest.ArtifactKind,
	relpaths map[string]string,
	emit func(stream.Event),
) (stepOutcome, error) {
	for _, key := range result.Outputs {
		path := resolved[key]
		fp, err := fingerprintPath(path, kinds[key])
		if err != nil {
			return stepOutcome{}, fmt.Errorf("runner: fingerprint output %s (%s): %w", key, path, err)
		}
		man.PutArtifact(manifest.Artifact{
			Key:         key,
			Relpath:     relpaths[key],
			Kind:        kinds[key],
			Fingerprint: fp,
			Producer:    manifest.Producer{Name: spec.Name, Version: spec.Version},
		})
	}

	man.PutPhase(manifest.PhaseRecord{
		Name:             spec.Name,
		Status:           manifest.StatusSucceeded,
		Version:          spec.Version,
		InputFingerprint: inputFingerprint,
		OutputKeys:       result.Outputs,
		FinishedAt:       manifest.NowISO8601(),
		Metrics:          result.Metrics,
	})
	if err := man.Save(); err != nil {
		return stepOutcome{}, fmt.Errorf("runner: persist success record for %s: %w", spec.Name, err)
	}

	emit(stream.PhaseEvent(spec.Name, string(manifest.StatusSucceeded)))
	return r.maybeOpenGate(man, spec.Name, emit)
}

// maybeOpenGate implements step 10: if a gate is declared after this phase
// and still pending, open it and signal the caller to halt.
func (r *Runner) maybeOpenGate(man *manifest.Manifest, phaseName string, emit func(stream.Event)) (stepOutcome, error) {
	for key, gate := range man.Gates() {
		if gate.AfterPhase != phaseName {
			continue
		}
		if gate.Status == manifest.GatePending {
			man.OpenGate(key)
			if err := man.Save(); err != nil {
				return stepOutcome{}, fmt.Errorf("runner: persist gate open for %s: %w", key, err)
			}
			return stepOutcome{gateOpened: true, gateKey: key}, nil
		}
		if gate.Status == manifest.GateOpen {
			return stepOutcome{gateOpened: true, gateKey: key}, nil
		}
	}
	return stepOutcome{}, nil
}
