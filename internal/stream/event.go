// Package stream implements the long-lived, per-workspace progress stream:
// the SSE wire format, the runner-facing Event type, and the controller
// that serializes one active run per workspace and derives best-effort
// phase transitions from log lines.
package stream

import "encoding/json"

// Type enumerates the kinds of event a run emits.
type Type string

const (
	TypeLog   Type = "log"
	TypePhase Type = "phase"
	TypeGate  Type = "gate"
	TypeDone  Type = "done"
	TypeError Type = "error"
)

// Event is one record in a run's stream, ready to be framed as an SSEEvent.
type Event struct {
	Type    Type
	Payload map[string]any
}

// ToSSEEvent renders e as the wire-format SSEEvent: event type set from
// e.Type, data set to the JSON-encoded payload. A marshal failure (which
// should not happen for the plain map payloads this package constructs)
// falls back to an empty JSON object so the stream never breaks framing.
func (e Event) ToSSEEvent() *SSEEvent {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		data = []byte("{}")
	}
	return &SSEEvent{Event: string(e.Type), Data: string(data)}
}

// LogEvent builds a "log" event carrying a single message line.
func LogEvent(message string) Event {
	return Event{Type: TypeLog, Payload: map[string]any{"message": message}}
}

// PhaseEvent builds a "phase" event naming the phase that just started,
// completed, or was skipped, plus its status.
func PhaseEvent(name, status string) Event {
	return Event{Type: TypePhase, Payload: map[string]any{"name": name, "status": status}}
}

// GateEvent builds a "gate" event for a gate transition.
func GateEvent(key, status string) Event {
	return Event{Type: TypeGate, Payload: map[string]any{"key": key, "status": status}}
}

// DoneEvent builds a "done" event carrying the run's terminal return code.
// The runner emits 0 both on normal completion and when it halts at an
// opened gate; on a failure it emits an error event and no done event.
func DoneEvent(returnCode int) Event {
	return Event{Type: TypeDone, Payload: map[string]any{"returncode": returnCode}}
}

// ErrorEvent builds an "error" event carrying a short machine-readable reason.
func ErrorEvent(reason string) Event {
	return Event{Type: TypeError, Payload: map[string]any{"reason": reason}}
}
