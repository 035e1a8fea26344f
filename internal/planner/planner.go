// Package planner computes the ordered slice of phases a single runner
// invocation must consider, and which of them are forced to re-execute
// regardless of what the skip decision would otherwise say.
package planner

import (
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/pipelineerr"
)

// Plan is the result of planning one invocation: the ordered phase names to
// consider, the resolved from/to bounds, and the set of phase names forced
// to re-execute regardless of their fingerprint-based skip decision.
type Plan struct {
	Phases []string
	From   string
	To     string
	Force  map[string]bool
}

// Forced reports whether name is in the plan's force set.
func (p *Plan) Forced(name string) bool {
	return p.Force[name]
}

// Build computes an ExecutionPlan per the planner algorithm: slice the
// registry order by from/to, then compute the force set as the union of
// (a) from itself, if given, (b) any phase whose manifest-recorded version
// differs from its currently registered version, and (c) any names in
// extraForce (an explicit, caller-supplied override, e.g. a CLI --force
// flag).
//
// Forcing never propagates transitively downstream through the force set
// itself. --from P forces only P; anything after P in the plan re-executes
// because its recomputed input fingerprint changes once P actually reruns,
// not because the planner blanket-forces it. A version bump is forced
// directly at the phase it was bumped on, for the same reason: the planner
// computes the force set once, up front, and leaves every downstream
// skip/rerun call to the runner's own fingerprint comparison.
//
// That comparison is why a version bump still cascades even when the
// bumped phase's rerun reproduces byte-identical (or canonically
// identical, for a CalDoc) output: the runner folds each input artifact's
// *producing phase version* into the consumer's input fingerprint
// (fingerprint.Entry.ProducerVersion), not just its content fingerprint.
// A phase whose upstream producer's version changed therefore always sees
// a different input_fingerprint and reruns, regardless of whether the
// bytes it reads actually differ.
func Build(reg *phase.Registry, man *manifest.Manifest, from, to string, extraForce []string) (*Plan, error) {
	order := reg.Order()

	startIdx := 0
	if from != "" {
		idx := reg.IndexOf(from)
		if idx < 0 {
			return nil, pipelineerr.UnknownPhase(from)
		}
		startIdx = idx
	}

	endIdx := len(order) - 1
	if to != "" {
		idx := reg.IndexOf(to)
		if idx < 0 {
			return nil, pipelineerr.UnknownPhase(to)
		}
		endIdx = idx
	}

	var phases []string
	if startIdx <= endIdx {
		for i := startIdx; i <= endIdx; i++ {
			phases = append(phases, order[i].Name)
		}
	}

	force := make(map[string]bool)
	if from != "" {
		force[from] = true
	}
	for _, spec := range order {
		if rec := man.GetPhase(spec.Name); rec != nil && rec.Version != "" && rec.Version != spec.Version {
			force[spec.Name] = true
		}
	}
	for _, name := range extraForce {
		force[name] = true
	}

	return &Plan{Phases: phases, From: from, To: to, Force: force}, nil
}
