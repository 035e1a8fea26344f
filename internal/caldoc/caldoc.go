// Package caldoc implements the human-calibration document: the editable
// JSON artifact that sits between the machine-generated early phases
// (transcription, segmentation) and the machine-generated late phases
// (translation, TTS, mixing, burn-in). A human reviewer edits it through an
// external editor between runner invocations; its canonical-segment
// fingerprint is how those edits invalidate every downstream phase.
package caldoc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/allaspectsdev/dubpipe/internal/atomicio"
)

// SchemaVersion is the current on-disk schema major version for CalDoc files.
const SchemaVersion = 1

// Flags carries per-segment derived warnings. Overlap is recomputed on
// every save; it is never part of the fingerprint.
type Flags struct {
	Overlap bool `json:"overlap"`
}

// Segment is one line of dialogue in the calibration timeline. ID is a
// stable random token minted once, at creation, and never regenerated by a
// save or an edit — it is what lets an editor track a line across splits
// and merges.
type Segment struct {
	ID             string         `json:"id"`
	StartMS        int64          `json:"start_ms"`
	EndMS          int64          `json:"end_ms"`
	Text           string         `json:"text"`
	Speaker        string         `json:"speaker,omitempty"`
	Emotion        string         `json:"emotion,omitempty"`
	Type           string         `json:"type,omitempty"`
	TextTranslated string         `json:"text_translated,omitempty"`
	TTSPolicy      map[string]any `json:"tts_policy,omitempty"`
	Flags          Flags          `json:"flags"`
}

// Media carries the source media properties a CalDoc was produced against.
type Media struct {
	DurationMS int64 `json:"duration_ms"`
}

// History records the revision counter and the timestamp of the last save.
type History struct {
	Rev       int    `json:"rev"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Fingerprint carries the document's self-reported canonical-encoding
// fingerprint, computed and stamped on every save.
type Fingerprint struct {
	Value string `json:"value"`
}

// Doc is the CalDoc document.
type Doc struct {
	SchemaVersion int         `json:"schema_version"`
	Media         Media       `json:"media"`
	Segments      []Segment   `json:"segments"`
	History       History     `json:"history"`
	Fingerprint   Fingerprint `json:"fingerprint"`
}

// New creates an empty CalDoc for a source of the given duration.
func New(durationMS int64) *Doc {
	return &Doc{
		SchemaVersion: SchemaVersion,
		Media:         Media{DurationMS: durationMS},
		Segments:      []Segment{},
		History:       History{Rev: 0},
	}
}

// CanonicalFingerprint computes the SHA-256 fingerprint over the document's
// segments using the canonical field subset (id, start_ms, end_ms, text,
// text_translated, speaker, emotion), joined with "|" per segment and "\n"
// between segments, in file order. This is the fingerprint consumers use
// when the CalDoc appears in any phase's requires list — never the raw
// file bytes — so cosmetic JSON reformatting never invalidates a cache.
func (d *Doc) CanonicalFingerprint() string {
	lines := make([]string, len(d.Segments))
	for i, s := range d.Segments {
		lines[i] = strings.Join([]string{
			s.ID,
			strconv.FormatInt(s.StartMS, 10),
			strconv.FormatInt(s.EndMS, 10),
			s.Text,
			s.TextTranslated,
			s.Speaker,
			s.Emotion,
		}, "|")
	}
	h := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h[:])
}

// ApplyOverlapFlags marks flags.overlap on every segment whose time range
// intersects an adjacent segment's, assuming segments are in file order.
// It is a pure function of the segment times; it never touches the
// fingerprint.
func (d *Doc) ApplyOverlapFlags() {
	for i := range d.Segments {
		d.Segments[i].Flags.Overlap = false
	}
	for i := 1; i < len(d.Segments); i++ {
		prev := &d.Segments[i-1]
		cur := &d.Segments[i]
		if cur.StartMS < prev.EndMS {
			prev.Flags.Overlap = true
			cur.Flags.Overlap = true
		}
	}
}

// nowISO8601 is the save timestamp format, matching the manifest's convention.
func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Save bumps history.rev, recomputes overlap flags and the canonical
// fingerprint, stamps updated_at, and atomically writes the document to
// path. Every call to Save increments the revision, including a save whose
// segment content is unchanged from the prior save.
func (d *Doc) Save(path string) error {
	d.ApplyOverlapFlags()
	d.History.Rev++
	d.History.UpdatedAt = nowISO8601()
	d.Fingerprint.Value = d.CanonicalFingerprint()

	data, err := marshalIndent(d)
	if err != nil {
		return fmt.Errorf("caldoc: marshal: %w", err)
	}
	if err := atomicio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("caldoc: save %s: %w", path, err)
	}
	return nil
}

// Load reads and parses the CalDoc at path. It rejects a schema_version newer
// than SchemaVersion with a plain error (not a pipelineerr kind); it does not
// recompute or verify the
// fingerprint (callers that need the trusted value call
// VerifiedFingerprint).
func Load(path string) (*Doc, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("caldoc: read %s: %w", path, err)
	}

	d, err := unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("caldoc: parse %s: %w", path, err)
	}
	if d.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("caldoc: %s: unsupported schema_version %d (max supported %d)", path, d.SchemaVersion, SchemaVersion)
	}
	return d, nil
}

// VerifiedFingerprint recomputes the canonical fingerprint from segments and
// returns it alongside whether it matches the document's self-reported
// Fingerprint.Value. A mismatch signals the file was hand-edited outside
// any Save call (or corrupted) and the embedded value should not be trusted.
func (d *Doc) VerifiedFingerprint() (value string, trusted bool) {
	value = d.CanonicalFingerprint()
	return value, value == d.Fingerprint.Value
}

// Exists reports whether a CalDoc is already present at path, without
// parsing it. The apiserver's CalDoc GET handler uses it to answer 404 for
// a workspace that has no CalDoc yet; the runner's skip decision does not
// call it.
func Exists(path string) bool {
	return fileExists(path)
}
