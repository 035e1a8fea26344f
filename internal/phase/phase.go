// Package phase declares the pipeline's phase model: the immutable,
// versioned PhaseSpec (requires/provides/label/lazy loader) and the ordered
// Registry the planner and runner consult. Phase implementations themselves
// are loaded lazily, the first time a phase actually executes, so that
// heavy dependencies (codec libraries, ML model clients) never slow down
// CLI startup for invocations that skip every phase.
package phase

import (
	"context"
	"fmt"
	"sync"
)

// Input is the value the runner hands a phase for each key in its Requires
// list: enough for the phase to locate and interpret the artifact without
// depending on the manifest package directly.
type Input struct {
	Key         string
	Path        string
	Kind        string
	Fingerprint string
	Meta        map[string]any
}

// ResolvedOutputs maps each key in a phase's Provides list to the
// filesystem path the runner allocated for it. Phases must only write under
// paths they were given here.
type ResolvedOutputs map[string]string

// Result is what a phase implementation returns from Run.
type Result struct {
	Status   Status
	Outputs  []string // subset of the phase's Provides that were actually written
	Metrics  map[string]float64
	Warnings []string
	Error    *ResultError
}

// Status is the terminal state a phase implementation reports.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ResultError is the structured error a failed phase reports; it is stored
// verbatim (as JSON) on the PhaseRecord.
type ResultError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Traceback  string `json:"traceback,omitempty"`
}

// Implementation is the heavy, lazily-loaded logic behind a phase. The
// runner calls Run exactly once per phase per invocation, after deciding
// the phase must not be skipped.
type Implementation interface {
	Run(ctx context.Context, inputs []Input, outputs ResolvedOutputs) (Result, error)
}

// ImplementationFunc adapts a plain function to Implementation.
type ImplementationFunc func(ctx context.Context, inputs []Input, outputs ResolvedOutputs) (Result, error)

func (f ImplementationFunc) Run(ctx context.Context, inputs []Input, outputs ResolvedOutputs) (Result, error) {
	return f(ctx, inputs, outputs)
}

// Spec is the immutable declaration of one pipeline phase.
type Spec struct {
	Name     string
	Version  string
	Requires []string
	Provides []string
	Label    string

	// ConfigKeys lists the configuration keys this phase's input fingerprint
	// is sensitive to (its "canonical config slice" per the fingerprinter
	// contract). Any configuration value outside this set never affects
	// the phase's skip decision.
	ConfigKeys []string

	// Loader materializes the phase's heavy implementation on first use.
	// It is called at most once per process, memoized via sync.Once.
	Loader func() Implementation

	once sync.Once
	impl Implementation
}

// Load returns the phase's Implementation, calling Loader on first use and
// memoizing the result for the lifetime of the Spec.
func (s *Spec) Load() Implementation {
	s.once.Do(func() {
		s.impl = s.Loader()
	})
	return s.impl
}

// Registry holds the phase graph in a single, fixed linear order. The
// constructor validates that the order is a valid topological sort of the
// provides -> requires edges declared by the phases (acyclic and
// consistent).
type Registry struct {
	order []*Spec
	byName map[string]int
}

// NewRegistry builds a Registry from phases listed in their intended
// execution order. It fails if names collide, if a phase requires a key no
// earlier phase provides, or if a key is provided by more than one phase.
func NewRegistry(phases []*Spec) (*Registry, error) {
	byName := make(map[string]int, len(phases))
	providedBy := make(map[string]string)

	for i, p := range phases {
		if _, exists := byName[p.Name]; exists {
			return nil, fmt.Errorf("phase registry: duplicate phase name %q", p.Name)
		}
		byName[p.Name] = i

		for _, key := range p.Provides {
			if owner, exists := providedBy[key]; exists {
				return nil, fmt.Errorf("phase registry: artifact key %q provided by both %q and %q", key, owner, p.Name)
			}
			providedBy[key] = p.Name
		}
	}

	for _, p := range phases {
		for _, key := range p.Requires {
			owner, exists := providedBy[key]
			if !exists {
				return nil, fmt.Errorf("phase registry: phase %q requires undeclared artifact key %q", p.Name, key)
			}
			if byName[owner] >= byName[p.Name] {
				return nil, fmt.Errorf("phase registry: phase %q requires %q which is provided later (by %q); provides->requires graph must be acyclic and forward-only", p.Name, key, owner)
			}
		}
	}

	return &Registry{order: phases, byName: byName}, nil
}

// Order returns the phases in their fixed linear registry order.
func (r *Registry) Order() []*Spec {
	out := make([]*Spec, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the phase spec with the given name, and whether it exists.
func (r *Registry) Get(name string) (*Spec, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.order[idx], true
}

// IndexOf returns the registry-order position of name, or -1 if unknown.
func (r *Registry) IndexOf(name string) int {
	idx, ok := r.byName[name]
	if !ok {
		return -1
	}
	return idx
}

// Len returns the number of registered phases.
func (r *Registry) Len() int { return len(r.order) }
