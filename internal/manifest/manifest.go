// Package manifest implements the workspace's persistent journal: the
// content-addressed artifact registry, per-phase execution records, and
// gate states, serialized as a single JSON document per workspace.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/allaspectsdev/dubpipe/internal/atomicio"
	"github.com/allaspectsdev/dubpipe/internal/pipelineerr"
)

// SchemaVersion is the current on-disk schema major version. Load rejects
// any document whose schema_version is newer than this, per the
// JSON-as-schema design note: the core never silently accepts an unknown
// schema.
const SchemaVersion = 1

// ArtifactKind enumerates the artifact content kinds the fingerprinter and
// bless operation know how to (re)hash.
type ArtifactKind string

const (
	KindJSON ArtifactKind = "json"
	KindSRT  ArtifactKind = "srt"
	KindWAV  ArtifactKind = "wav"
	KindMP4  ArtifactKind = "mp4"
	KindDir  ArtifactKind = "dir"
	KindText ArtifactKind = "text"
	// KindCalDoc marks a calibration-document artifact. It is fingerprinted
	// via its canonical segment encoding, never via raw file bytes, so a
	// cosmetic JSON reformat (or the rev/updated_at bump every Save makes)
	// never invalidates a downstream phase's input fingerprint.
	KindCalDoc ArtifactKind = "caldoc"
)

// Producer identifies the (phase, version) pair that produced an artifact.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Artifact is a produced output's current record.
type Artifact struct {
	Key         string         `json:"-"`
	Relpath     string         `json:"relpath"`
	Kind        ArtifactKind   `json:"kind"`
	Fingerprint string         `json:"fingerprint"`
	Producer    Producer       `json:"producer"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// PhaseStatus enumerates the lifecycle states of a PhaseRecord.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusRunning   PhaseStatus = "running"
	StatusSucceeded PhaseStatus = "succeeded"
	StatusFailed    PhaseStatus = "failed"
	StatusSkipped   PhaseStatus = "skipped"
)

// PhaseError is the structured error recorded on a failed PhaseRecord.
type PhaseError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// PhaseRecord is the persisted execution record for one phase.
type PhaseRecord struct {
	Name             string             `json:"-"`
	Status           PhaseStatus        `json:"status"`
	Version          string             `json:"version"`
	InputFingerprint string             `json:"input_fingerprint"`
	OutputKeys       []string           `json:"output_keys,omitempty"`
	StartedAt        string             `json:"started_at,omitempty"`
	FinishedAt       string             `json:"finished_at,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	Error            *PhaseError        `json:"error,omitempty"`
	Skipped          bool               `json:"skipped"`
}

// GateStatus enumerates gate lifecycle states.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GateOpen    GateStatus = "open"
	GatePassed  GateStatus = "passed"
)

// Gate is a declarative pause point in the phase order.
type Gate struct {
	Key        string     `json:"-"`
	AfterPhase string     `json:"after_phase"`
	Label      string     `json:"label"`
	Status     GateStatus `json:"status"`
}

// doc is the exact on-disk JSON shape.
type doc struct {
	SchemaVersion int                     `json:"schema_version"`
	JobID         string                  `json:"job_id"`
	Workspace     string                  `json:"workspace"`
	Artifacts     map[string]*Artifact    `json:"artifacts"`
	Phases        map[string]*PhaseRecord `json:"phases"`
	Gates         map[string]*Gate        `json:"gates"`
}

// Manifest is the workspace's persistent state. All mutation methods are
// safe for concurrent use; Save is the caller's responsibility to invoke
// after any mutation it wants to persist — there is no implicit autosave.
type Manifest struct {
	mu   sync.RWMutex
	path string
	doc  doc
}

// New creates an empty, unsaved manifest bound to path, with a fresh job ID.
func New(path, jobID, workspace string) *Manifest {
	return &Manifest{
		path: path,
		doc: doc{
			SchemaVersion: SchemaVersion,
			JobID:         jobID,
			Workspace:     workspace,
			Artifacts:     make(map[string]*Artifact),
			Phases:        make(map[string]*PhaseRecord),
			Gates:         make(map[string]*Gate),
		},
	}
}

// Load reads the manifest JSON at path. If the file does not exist, it
// returns an empty manifest bound to path (not an error). Malformed JSON or
// an unsupported schema major version fails with ManifestCorrupt.
func Load(path string, newJobID, newWorkspace string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path, newJobID, newWorkspace), nil
		}
		return nil, pipelineerr.ManifestCorrupt(path, err)
	}

	var d doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, pipelineerr.ManifestCorrupt(path, err)
	}
	if d.SchemaVersion > SchemaVersion {
		return nil, pipelineerr.ManifestCorrupt(path, fmt.Errorf("unsupported schema_version %d (max supported %d)", d.SchemaVersion, SchemaVersion))
	}
	if d.Artifacts == nil {
		d.Artifacts = make(map[string]*Artifact)
	}
	if d.Phases == nil {
		d.Phases = make(map[string]*PhaseRecord)
	}
	if d.Gates == nil {
		d.Gates = make(map[string]*Gate)
	}
	for k, a := range d.Artifacts {
		a.Key = k
	}
	for k, p := range d.Phases {
		p.Name = k
	}
	for k, g := range d.Gates {
		g.Key = k
	}

	return &Manifest{path: path, doc: d}, nil
}

// Save serializes the manifest and atomic-writes it to its bound path.
func (m *Manifest) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.doc, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := atomicio.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: save %s: %w", m.path, err)
	}
	return nil
}

// Path returns the manifest's bound on-disk path.
func (m *Manifest) Path() string { return m.path }

// JobID returns the workspace's job ID.
func (m *Manifest) JobID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.JobID
}

// Workspace returns the workspace's absolute path as recorded in the manifest.
func (m *Manifest) Workspace() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Workspace
}

// GetArtifact returns the current record for key, or nil if absent.
func (m *Manifest) GetArtifact(key string) *Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.doc.Artifacts[key]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// PutArtifact replaces any prior record for artifact.Key.
func (m *Manifest) PutArtifact(a Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.doc.Artifacts[a.Key] = &cp
}

// Artifacts returns a snapshot of every current artifact record, keyed by key.
func (m *Manifest) Artifacts() map[string]Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Artifact, len(m.doc.Artifacts))
	for k, a := range m.doc.Artifacts {
		out[k] = *a
	}
	return out
}

// GetPhase returns the current record for name, or nil if absent.
func (m *Manifest) GetPhase(name string) *PhaseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.doc.Phases[name]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// PutPhase replaces any prior record for record.Name.
func (m *Manifest) PutPhase(r PhaseRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.doc.Phases[r.Name] = &cp
}

// Phases returns a snapshot of every current phase record, keyed by name.
func (m *Manifest) Phases() map[string]PhaseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PhaseRecord, len(m.doc.Phases))
	for k, p := range m.doc.Phases {
		out[k] = *p
	}
	return out
}

// GateStatusOf returns the status of the gate with the given key, and
// whether the gate is declared at all. An undeclared gate is reported as
// GatePending with ok=false so callers can distinguish "no such gate" from
// "gate exists and is pending".
func (m *Manifest) GateStatusOf(key string) (GateStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.doc.Gates[key]
	if !ok {
		return GatePending, false
	}
	return g.Status, true
}

// EnsureGate declares a gate if it is not already present, defaulting to
// GatePending. It is a no-op if the gate already exists.
func (m *Manifest) EnsureGate(key, afterPhase, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.doc.Gates[key]; ok {
		return
	}
	m.doc.Gates[key] = &Gate{Key: key, AfterPhase: afterPhase, Label: label, Status: GatePending}
}

// OpenGate transitions a pending gate to open. It is idempotent: opening an
// already-open or already-passed gate does nothing.
func (m *Manifest) OpenGate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.doc.Gates[key]
	if !ok || g.Status != GatePending {
		return
	}
	g.Status = GateOpen
}

// PassGate transitions a gate to passed. Passing is idempotent: it never
// causes re-execution on its own.
func (m *Manifest) PassGate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.doc.Gates[key]
	if !ok {
		return
	}
	g.Status = GatePassed
}

// Gates returns a snapshot of every declared gate, keyed by key.
func (m *Manifest) Gates() map[string]Gate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Gate, len(m.doc.Gates))
	for k, g := range m.doc.Gates {
		out[k] = *g
	}
	return out
}

// nowISO8601 returns the current UTC time formatted per the manifest's
// started_at/finished_at convention.
func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NowISO8601 is exported for callers (the runner) that must stamp
// started_at/finished_at with the same format the manifest uses.
func NowISO8601() string { return nowISO8601() }
