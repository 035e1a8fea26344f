// Package pipelineerr defines the runner-visible error taxonomy shared by the
// manifest, planner, runner, and stream controller.
package pipelineerr

import "fmt"

// Kind identifies one of the error categories the runner can surface.
type Kind string

const (
	KindMissingInput         Kind = "missing_input"
	KindFingerprintMismatch  Kind = "fingerprint_mismatch"
	KindPhaseExecutionError  Kind = "phase_execution_error"
	KindManifestCorrupt      Kind = "manifest_corrupt"
	KindUnknownPhase         Kind = "unknown_phase"
	KindWorkspaceLocked      Kind = "workspace_locked"
)

// Error is the concrete error type returned for every runner-visible failure.
// Phase and Key are populated when relevant to the Kind; Err carries the
// underlying cause, if any.
type Error struct {
	Kind  Kind
	Phase string
	Key   string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Phase != "" && e.Key != "":
		return fmt.Sprintf("%s: phase %s: key %s: %s", e.Kind, e.Phase, e.Key, e.detail())
	case e.Phase != "":
		return fmt.Sprintf("%s: phase %s: %s", e.Kind, e.Phase, e.detail())
	case e.Key != "":
		return fmt.Sprintf("%s: key %s: %s", e.Kind, e.Key, e.detail())
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.detail())
	}
}

func (e *Error) detail() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, pipelineerr.New(KindMissingInput, "", "")) style checks
// or, more idiomatically, use the Is* helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// MissingInput builds a KindMissingInput error for the given phase/key.
func MissingInput(phase, key string) *Error {
	return &Error{Kind: KindMissingInput, Phase: phase, Key: key, Msg: "required artifact not found in manifest"}
}

// FingerprintMismatch builds a KindFingerprintMismatch error for the given key.
func FingerprintMismatch(key string) *Error {
	return &Error{Kind: KindFingerprintMismatch, Key: key, Msg: "on-disk fingerprint differs from manifest record"}
}

// PhaseExecution builds a KindPhaseExecutionError wrapping the phase's own error.
func PhaseExecution(phase string, err error) *Error {
	return &Error{Kind: KindPhaseExecutionError, Phase: phase, Err: err}
}

// ManifestCorrupt builds a KindManifestCorrupt error.
func ManifestCorrupt(path string, err error) *Error {
	return &Error{Kind: KindManifestCorrupt, Msg: "manifest at " + path + " is unreadable or has an unsupported schema version", Err: err}
}

// UnknownPhase builds a KindUnknownPhase error.
func UnknownPhase(name string) *Error {
	return &Error{Kind: KindUnknownPhase, Phase: name, Msg: "phase is not registered"}
}

// WorkspaceLocked builds a KindWorkspaceLocked error.
func WorkspaceLocked(workspace string) *Error {
	return &Error{Kind: KindWorkspaceLocked, Msg: "another runner is active for workspace " + workspace}
}
