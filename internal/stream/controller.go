package stream

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// phaseLogPattern matches "phase X running" / "phase X starting" log lines
// for best-effort phase derivation. It is never a correctness signal; the
// runner's own phase events are authoritative.
var phaseLogPattern = regexp.MustCompile(`(?i)^phase (\S+) (running|starting)`)

// DerivePhaseFromLogLine reports the phase name a log line names, if it
// matches the "phase X running/starting" convention, and whether it matched.
func DerivePhaseFromLogLine(line string) (name string, ok bool) {
	m := phaseLogPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// runHandle is the controller's bookkeeping for one active run.
type runHandle struct {
	cancel context.CancelFunc
	events chan Event
}

// Controller enforces per-workspace mutual exclusion over active runs and
// fans out each run's events to its subscriber. Only one run may be active
// per workspace key at a time; a second attempt fails with ErrConflict.
type Controller struct {
	mu     sync.Mutex
	active map[string]*runHandle
}

// ErrConflict is returned by Start when a run is already active for the
// given workspace key.
type ErrConflict struct {
	WorkspaceKey string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("stream: a run is already active for workspace %q", e.WorkspaceKey)
}

// NewController creates an empty Controller.
func NewController() *Controller {
	return &Controller{active: make(map[string]*runHandle)}
}

// Start registers workspaceKey as active and returns a child context (whose
// cancellation the controller's Cancel triggers) plus the event channel the
// caller should forward from the runner into. It fails with *ErrConflict if
// a run is already active for workspaceKey.
func (c *Controller) Start(ctx context.Context, workspaceKey string, bufferSize int) (context.Context, chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[workspaceKey]; exists {
		return nil, nil, &ErrConflict{WorkspaceKey: workspaceKey}
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, bufferSize)
	c.active[workspaceKey] = &runHandle{cancel: cancel, events: events}
	return runCtx, events, nil
}

// Cancel terminates the active run for workspaceKey, if any, and reports
// whether a run was found.
func (c *Controller) Cancel(workspaceKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.active[workspaceKey]
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Finish releases workspaceKey's active slot, closing its event channel.
// Callers must invoke Finish exactly once per successful Start, regardless
// of whether the run completed, failed, or was cancelled.
func (c *Controller) Finish(workspaceKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.active[workspaceKey]
	if !ok {
		return
	}
	delete(c.active, workspaceKey)
	close(h.events)
}

// Active reports whether a run is currently active for workspaceKey.
func (c *Controller) Active(workspaceKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[workspaceKey]
	return ok
}
