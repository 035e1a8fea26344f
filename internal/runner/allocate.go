package runner

import (
	"path/filepath"
	"strings"

	"github.com/allaspectsdev/dubpipe/internal/manifest"
)

// extensionByKeySuffix maps the conventional suffix of a provided artifact
// key (the segment after its last '.') to the file extension and artifact
// kind the runner allocates for it. This is the "deterministic scheme
// driven by the key" the output-path allocation step requires; any key
// whose suffix is not listed here falls back to a plain JSON side-document.
var extensionByKeySuffix = map[string]struct {
	ext  string
	kind manifest.ArtifactKind
}{
	"audio":      {".wav", manifest.KindWAV},
	"video":      {".mp4", manifest.KindMP4},
	"srt":        {".srt", manifest.KindSRT},
	"subs":       {".srt", manifest.KindSRT},
	"caldoc":     {".json", manifest.KindCalDoc},
	"timing":     {".json", manifest.KindJSON},
	"transcript": {".json", manifest.KindJSON},
	"result":     {".json", manifest.KindJSON},
	"dir":        {"", manifest.KindDir},
	"text":       {".txt", manifest.KindText},
}

// allocateOutputPath derives the workspace-relative and absolute path a
// phase's provided key should be written to: workspace/<phase>/<key>.<ext>,
// with the key's dots replaced by underscores so it is a valid single path
// segment, and reports the artifact kind associated with that key.
func allocateOutputPath(workspaceRoot, phaseName, key string) (absPath, relPath string, kind manifest.ArtifactKind) {
	suffix := key
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		suffix = key[idx+1:]
	}

	entry, ok := extensionByKeySuffix[suffix]
	if !ok {
		entry = struct {
			ext  string
			kind manifest.ArtifactKind
		}{".json", manifest.KindJSON}
	}

	baseName := strings.ReplaceAll(key, ".", "_") + entry.ext
	relPath = filepath.Join(phaseName, baseName)
	absPath = filepath.Join(workspaceRoot, relPath)
	return absPath, filepath.ToSlash(relPath), entry.kind
}
