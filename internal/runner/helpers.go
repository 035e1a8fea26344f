package runner

import (
	"fmt"
	"path/filepath"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/fingerprint"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
)

// absPath joins a workspace root with a manifest-recorded, POSIX-style
// relative path.
func absPath(workspaceRoot, relpath string) string {
	return filepath.Join(workspaceRoot, filepath.FromSlash(relpath))
}

// fingerprintPath hashes the file or directory at path according to kind. A
// CalDoc artifact is fingerprinted via its canonical segment encoding
// (caldoc.Doc.CanonicalFingerprint), never via raw file bytes: this is the
// fingerprint the runner records and compares for every CalDoc appearing in
// a requires list, so cosmetic reformatting or a bare Save (which always
// bumps rev/updated_at) never invalidates a downstream phase's cache.
func fingerprintPath(path string, kind manifest.ArtifactKind) (string, error) {
	switch kind {
	case manifest.KindDir:
		return fingerprint.HashDir(path)
	case manifest.KindCalDoc:
		doc, err := caldoc.Load(path)
		if err != nil {
			return "", fmt.Errorf("runner: load caldoc %s: %w", path, err)
		}
		return doc.CanonicalFingerprint(), nil
	default:
		return fingerprint.HashFile(path)
	}
}

// fingerprintArtifact recomputes an artifact's on-disk fingerprint.
func fingerprintArtifact(workspaceRoot string, art *manifest.Artifact) (string, error) {
	return fingerprintPath(absPath(workspaceRoot, art.Relpath), art.Kind)
}

// dirOf returns the directory the runner must create before a phase can
// write to path: the path itself for a directory-kind artifact, its parent
// otherwise.
func dirOf(path string, kind manifest.ArtifactKind) string {
	if kind == manifest.KindDir {
		return path
	}
	return filepath.Dir(path)
}

// outputsStillValid checks the skip decision's third condition: every
// artifact a prior successful run of this phase produced must still exist
// on disk with a fingerprint matching its manifest record.
func outputsStillValid(workspaceRoot string, man *manifest.Manifest, outputKeys []string) bool {
	for _, key := range outputKeys {
		art := man.GetArtifact(key)
		if art == nil {
			return false
		}
		onDisk, err := fingerprintArtifact(workspaceRoot, art)
		if err != nil || onDisk != art.Fingerprint {
			return false
		}
	}
	return true
}

// mustJSON renders v via the fingerprinter's canonical JSON encoding. It is
// used only to fold a configuration slice into a fingerprint's extras list,
// where any (even malformed) value must still produce a stable string
// rather than aborting the run; nil marshals to the literal "null".
func mustJSON(v any) string {
	data, err := fingerprint.CanonicalJSON(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
