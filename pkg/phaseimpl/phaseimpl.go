// Package phaseimpl provides deterministic, file-shuffling reference
// implementations of the dubbing pipeline's nine phases. They exist to
// exercise the runner, apiserver, and CLI end-to-end; none of them performs
// real audio extraction, transcription, translation, or speech synthesis.
// A real ASR/MT/TTS codec is left to a caller that wires its own
// phase.Spec.Loader in place of these.
package phaseimpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/phase"
)

// sourceMediaRelpath is the workspace-relative path callers seed with the
// original media file before a run starts. It is not a declared artifact
// key: extract and burn are the pipeline's root and terminal phases and
// reach it by convention rather than through Requires, the same way a
// registry root phase's empty Requires list means "read from the
// workspace, not from an upstream artifact".
const sourceMediaRelpath = "source/input.media"

// transcriptSegment is the fixed JSON shape the reference asr phase writes,
// standing in for a real ASR provider's response.
type transcriptSegment struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Specs returns the nine reference phases in their declared execution
// order: extract, asr, parse, reseg, mt, align, tts, mix, burn. Callers pass
// the result straight to phase.NewRegistry.
func Specs() []*phase.Spec {
	return []*phase.Spec{
		extractSpec(),
		asrSpec(),
		parseSpec(),
		resegSpec(),
		mtSpec(),
		alignSpec(),
		ttsSpec(),
		mixSpec(),
		burnSpec(),
	}
}

func extractSpec() *phase.Spec {
	return &phase.Spec{
		Name:     "extract",
		Version:  "1.0.0",
		Provides: []string{"extract.audio"},
		Label:    "ingest",
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				dst, ok := outputs["extract.audio"]
				if !ok {
					return phase.Result{}, fmt.Errorf("extract: no output path allocated for extract.audio")
				}
				if err := copyFile(sourceMediaPath(outputs), dst); err != nil {
					return phase.Result{}, fmt.Errorf("extract: %w", err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"extract.audio"}}, nil
			})
		},
	}
}

func asrSpec() *phase.Spec {
	return &phase.Spec{
		Name:       "asr",
		Version:    "1.0.0",
		Requires:   []string{"extract.audio"},
		Provides:   []string{"asr.transcript"},
		Label:      "transcribe",
		ConfigKeys: []string{"provider"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				audio, ok := inputByKey(inputs, "extract.audio")
				if !ok {
					return phase.Result{}, fmt.Errorf("asr: extract.audio not resolved")
				}
				dst, ok := outputs["asr.transcript"]
				if !ok {
					return phase.Result{}, fmt.Errorf("asr: no output path allocated for asr.transcript")
				}
				info, err := os.Stat(audio.Path)
				if err != nil {
					return phase.Result{}, fmt.Errorf("asr: stat %s: %w", audio.Path, err)
				}
				// Deterministic stand-in: segment count is derived from the audio
				// file's byte size rather than anything it actually contains.
				segments := deterministicSegments(info.Size())
				data, err := json.MarshalIndent(segments, "", "  ")
				if err != nil {
					return phase.Result{}, fmt.Errorf("asr: marshal transcript: %w", err)
				}
				if err := os.WriteFile(dst, data, 0o644); err != nil {
					return phase.Result{}, fmt.Errorf("asr: write %s: %w", dst, err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"asr.transcript"}}, nil
			})
		},
	}
}

func parseSpec() *phase.Spec {
	return &phase.Spec{
		Name:     "parse",
		Version:  "1.0.0",
		Requires: []string{"asr.transcript"},
		Provides: []string{"parsed.caldoc"},
		Label:    "caldoc",
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				transcript, ok := inputByKey(inputs, "asr.transcript")
				if !ok {
					return phase.Result{}, fmt.Errorf("parse: asr.transcript not resolved")
				}
				dst, ok := outputs["parsed.caldoc"]
				if !ok {
					return phase.Result{}, fmt.Errorf("parse: no output path allocated for parsed.caldoc")
				}
				raw, err := os.ReadFile(transcript.Path)
				if err != nil {
					return phase.Result{}, fmt.Errorf("parse: read %s: %w", transcript.Path, err)
				}
				var segs []transcriptSegment
				if err := json.Unmarshal(raw, &segs); err != nil {
					return phase.Result{}, fmt.Errorf("parse: decode transcript: %w", err)
				}

				var durationMS int64
				if len(segs) > 0 {
					durationMS = segs[len(segs)-1].EndMS
				}
				doc := caldoc.New(durationMS)
				for _, s := range segs {
					doc.Segments = append(doc.Segments, caldoc.Segment{
						ID:      segmentID(s.StartMS, s.Text),
						StartMS: s.StartMS,
						EndMS:   s.EndMS,
						Text:    s.Text,
					})
				}
				if err := doc.Save(dst); err != nil {
					return phase.Result{}, fmt.Errorf("parse: %w", err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"parsed.caldoc"}}, nil
			})
		},
	}
}

func resegSpec() *phase.Spec {
	return &phase.Spec{
		Name:       "reseg",
		Version:    "1.0.0",
		Requires:   []string{"parsed.caldoc"},
		Provides:   []string{"resegmented.caldoc"},
		Label:      "caldoc",
		ConfigKeys: []string{"max_chars_per_line"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				return rewriteCalDoc(inputs, outputs, "parsed.caldoc", "resegmented.caldoc", func(doc *caldoc.Doc) {
					// Reference behavior: no-op resegmentation. A real
					// implementation would split/merge segments against a
					// max-characters-per-line budget taken from settings.
				})
			})
		},
	}
}

func mtSpec() *phase.Spec {
	return &phase.Spec{
		Name:       "mt",
		Version:    "1.0.0",
		Requires:   []string{"resegmented.caldoc"},
		Provides:   []string{"translated.caldoc"},
		Label:      "translate",
		ConfigKeys: []string{"provider", "target_lang"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				return rewriteCalDoc(inputs, outputs, "resegmented.caldoc", "translated.caldoc", func(doc *caldoc.Doc) {
					for i := range doc.Segments {
						if doc.Segments[i].TextTranslated == "" {
							doc.Segments[i].TextTranslated = doc.Segments[i].Text
						}
					}
				})
			})
		},
	}
}

func alignSpec() *phase.Spec {
	return &phase.Spec{
		Name:     "align",
		Version:  "1.0.0",
		Requires: []string{"translated.caldoc"},
		Provides: []string{"align.timing"},
		Label:    "align",
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				doc, err := loadCalDocInput(inputs, "translated.caldoc")
				if err != nil {
					return phase.Result{}, fmt.Errorf("align: %w", err)
				}
				dst, ok := outputs["align.timing"]
				if !ok {
					return phase.Result{}, fmt.Errorf("align: no output path allocated for align.timing")
				}
				timing := make(map[string][2]int64, len(doc.Segments))
				for _, s := range doc.Segments {
					timing[s.ID] = [2]int64{s.StartMS, s.EndMS}
				}
				data, err := json.MarshalIndent(timing, "", "  ")
				if err != nil {
					return phase.Result{}, fmt.Errorf("align: marshal: %w", err)
				}
				if err := os.WriteFile(dst, data, 0o644); err != nil {
					return phase.Result{}, fmt.Errorf("align: write %s: %w", dst, err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"align.timing"}}, nil
			})
		},
	}
}

func ttsSpec() *phase.Spec {
	return &phase.Spec{
		Name:       "tts",
		Version:    "1.0.0",
		Requires:   []string{"translated.caldoc", "align.timing"},
		Provides:   []string{"tts.audio"},
		Label:      "synthesize",
		ConfigKeys: []string{"provider"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				doc, err := loadCalDocInput(inputs, "translated.caldoc")
				if err != nil {
					return phase.Result{}, fmt.Errorf("tts: %w", err)
				}
				dst, ok := outputs["tts.audio"]
				if !ok {
					return phase.Result{}, fmt.Errorf("tts: no output path allocated for tts.audio")
				}
				// Deterministic stand-in: one byte per segment millisecond,
				// derived from the text so identical input always yields
				// identical "audio" bytes.
				var buf []byte
				for _, s := range doc.Segments {
					buf = append(buf, synthesizeSegment(s)...)
				}
				if err := os.WriteFile(dst, buf, 0o644); err != nil {
					return phase.Result{}, fmt.Errorf("tts: write %s: %w", dst, err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"tts.audio"}}, nil
			})
		},
	}
}

func mixSpec() *phase.Spec {
	return &phase.Spec{
		Name:       "mix",
		Version:    "1.0.0",
		Requires:   []string{"extract.audio", "tts.audio"},
		Provides:   []string{"mix.audio"},
		Label:      "mix",
		ConfigKeys: []string{"ducking_db"},
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				bed, ok := inputByKey(inputs, "extract.audio")
				if !ok {
					return phase.Result{}, fmt.Errorf("mix: extract.audio not resolved")
				}
				dub, ok := inputByKey(inputs, "tts.audio")
				if !ok {
					return phase.Result{}, fmt.Errorf("mix: tts.audio not resolved")
				}
				dst, ok := outputs["mix.audio"]
				if !ok {
					return phase.Result{}, fmt.Errorf("mix: no output path allocated for mix.audio")
				}
				mixed, err := concatFiles(bed.Path, dub.Path)
				if err != nil {
					return phase.Result{}, fmt.Errorf("mix: %w", err)
				}
				if err := os.WriteFile(dst, mixed, 0o644); err != nil {
					return phase.Result{}, fmt.Errorf("mix: write %s: %w", dst, err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"mix.audio"}}, nil
			})
		},
	}
}

func burnSpec() *phase.Spec {
	return &phase.Spec{
		Name:     "burn",
		Version:  "1.0.0",
		Requires: []string{"mix.audio", "translated.caldoc"},
		Provides: []string{"final.video"},
		Label:    "finalize",
		Loader: func() phase.Implementation {
			return phase.ImplementationFunc(func(ctx context.Context, inputs []phase.Input, outputs phase.ResolvedOutputs) (phase.Result, error) {
				mix, ok := inputByKey(inputs, "mix.audio")
				if !ok {
					return phase.Result{}, fmt.Errorf("burn: mix.audio not resolved")
				}
				dst, ok := outputs["final.video"]
				if !ok {
					return phase.Result{}, fmt.Errorf("burn: no output path allocated for final.video")
				}
				out, err := concatFiles(sourceMediaPath(outputs), mix.Path)
				if err != nil {
					return phase.Result{}, fmt.Errorf("burn: %w", err)
				}
				if err := os.WriteFile(dst, out, 0o644); err != nil {
					return phase.Result{}, fmt.Errorf("burn: write %s: %w", dst, err)
				}
				return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{"final.video"}}, nil
			})
		},
	}
}

// rewriteCalDoc loads the CalDoc at the named requires key, applies edit to
// it in place, and saves the result to the named provides key's allocated
// path. Every caldoc-to-caldoc phase provides a distinctly named artifact
// key (parsed.caldoc, resegmented.caldoc, translated.caldoc) rather than
// reusing "caldoc", since the registry rejects two phases providing the
// same key.
func rewriteCalDoc(inputs []phase.Input, outputs phase.ResolvedOutputs, requiresKey, providesKey string, edit func(*caldoc.Doc)) (phase.Result, error) {
	doc, err := loadCalDocInput(inputs, requiresKey)
	if err != nil {
		return phase.Result{}, err
	}
	dst, ok := outputs[providesKey]
	if !ok {
		return phase.Result{}, fmt.Errorf("no output path allocated for %s", providesKey)
	}
	edit(doc)
	if err := doc.Save(dst); err != nil {
		return phase.Result{}, err
	}
	return phase.Result{Status: phase.StatusSucceeded, Outputs: []string{providesKey}}, nil
}

func loadCalDocInput(inputs []phase.Input, key string) (*caldoc.Doc, error) {
	in, ok := inputByKey(inputs, key)
	if !ok {
		return nil, fmt.Errorf("%s not resolved", key)
	}
	doc, err := caldoc.Load(in.Path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", in.Path, err)
	}
	return doc, nil
}

// sourceMediaPath derives the workspace root from any already-allocated
// output path (workspaceRoot/phaseName/file.ext) and returns the
// conventional location of the seeded source media file. It exists because
// phase.Implementation.Run never receives the workspace root directly, only
// inputs and resolved output paths.
func sourceMediaPath(outputs phase.ResolvedOutputs) string {
	for _, abs := range outputs {
		workspaceRoot := filepath.Dir(filepath.Dir(abs))
		return filepath.Join(workspaceRoot, filepath.FromSlash(sourceMediaRelpath))
	}
	return sourceMediaRelpath
}

func inputByKey(inputs []phase.Input, key string) (phase.Input, bool) {
	for _, in := range inputs {
		if in.Key == key {
			return in, true
		}
	}
	return phase.Input{}, false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func concatFiles(paths ...string) ([]byte, error) {
	var out []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// deterministicSegments fabricates a handful of transcript segments whose
// count and wording are a pure function of size, so re-running against
// byte-identical audio always reproduces the same transcript.
func deterministicSegments(size int64) []transcriptSegment {
	const segmentMS = 4000
	count := int(size%5) + 1
	segs := make([]transcriptSegment, count)
	for i := 0; i < count; i++ {
		segs[i] = transcriptSegment{
			StartMS: int64(i * segmentMS),
			EndMS:   int64((i + 1) * segmentMS),
			Text:    fmt.Sprintf("segment %d of %d", i+1, count),
		}
	}
	return segs
}

func segmentID(startMS int64, text string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", startMS, text)))
	return hex.EncodeToString(h[:])[:12]
}

// synthesizeSegment fabricates deterministic "audio" bytes for one segment,
// seeded from its ID and text, with one byte per millisecond of duration, so
// identical segments always produce identical bytes.
func synthesizeSegment(s caldoc.Segment) []byte {
	durationMS := s.EndMS - s.StartMS
	if durationMS <= 0 {
		durationMS = 1
	}
	h := sha256.Sum256([]byte(s.ID + "|" + s.Text))
	seed := int64(0)
	for _, b := range h[:8] {
		seed = seed<<8 | int64(b)
	}
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, durationMS)
	r.Read(buf)
	return buf
}
