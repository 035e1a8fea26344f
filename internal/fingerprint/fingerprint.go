// Package fingerprint computes the SHA-256 content fingerprints that drive
// the runner's skip/rerun decision: hashes of file bytes, of directory
// listings, and of canonical JSON encodings of in-memory values.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const streamChunkSize = 1 << 20 // 1 MiB

// Empty is the sentinel fingerprint meaning "not yet computed".
const Empty = ""

// dirCacheEntry pairs a computed directory fingerprint with the cheap
// metadata signature (file sizes and mtimes, no content hashing) that was
// true when it was computed.
type dirCacheEntry struct {
	signature   string
	fingerprint string
}

// dirCache memoizes HashDir results within a process's lifetime, keyed by
// absolute root path. hash_dir is the fingerprinter's most expensive
// operation (it re-hashes every file under a dir-kind artifact such as
// tts/); a single planning pass commonly revisits the same artifact's
// fingerprint more than once, and this avoids re-hashing file contents when
// the directory's metadata signature has not changed since the last visit.
var dirCache, _ = lru.New[string, dirCacheEntry](128)

// dirSignature returns a cheap (no content hashing) summary of root's
// current contents: the sorted "relpath\tsize:mtime_unixnano" lines,
// SHA-256'd. It is used only to validate dirCache entries, never as a
// substitute for HashDir's real content fingerprint.
func dirSignature(root string) (string, error) {
	type entry struct {
		rel string
		tag string
	}
	var entries []entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		tag := strconv.FormatInt(info.Size(), 10) + ":" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
		entries = append(entries, entry{rel: filepath.ToSlash(rel), tag: tag})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: signature dir %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.rel)
		b.WriteByte('\t')
		b.WriteString(e.tag)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// HashFile streams path through SHA-256 and returns the hex digest.
// Symlinks are resolved once by the OS; an unreadable path returns an error.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: hash file %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, streamChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("fingerprint: hash file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashDir walks root, sorted by relative path, and hashes the concatenation
// of "relpath\tfile_fingerprint\n" lines. An empty directory yields the
// fingerprint of an empty string, not an error. Results are memoized in
// dirCache and reused as long as root's metadata signature (file sizes and
// mtimes) has not changed since the last call.
func HashDir(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("fingerprint: hash dir %s: %w", root, err)
	}

	sig, sigErr := dirSignature(abs)
	if sigErr == nil {
		if cached, ok := dirCache.Get(abs); ok && cached.signature == sig {
			return cached.fingerprint, nil
		}
	}

	fp, err := hashDirUncached(abs)
	if err != nil {
		return "", err
	}
	if sigErr == nil {
		dirCache.Add(abs, dirCacheEntry{signature: sig, fingerprint: fp})
	}
	return fp, nil
}

// hashDirUncached performs the actual content walk and hash, with no cache
// involvement.
func hashDirUncached(root string) (string, error) {
	type entry struct {
		rel string
		fp  string
	}
	var entries []entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		fp, hashErr := HashFile(path)
		if hashErr != nil {
			return hashErr
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), fp: fp})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: hash dir %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.rel)
		b.WriteByte('\t')
		b.WriteString(e.fp)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON returns the SHA-256 hex digest of the canonical JSON encoding of v.
func HashJSON(v any) (string, error) {
	enc, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: hash json: %w", err)
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is a single (key, fingerprint, producer version) triple used by
// Combined. ProducerVersion folds the producing phase's version into a
// downstream phase's input fingerprint, so bumping an upstream phase's
// version cascades into every consumer even when that phase's rerun
// reproduces byte-identical (or canonically-identical) output.
type Entry struct {
	Key             string `json:"key"`
	Fingerprint     string `json:"fingerprint"`
	ProducerVersion string `json:"producer_version"`
}

// Combined returns the fingerprint of the canonical JSON encoding of
// {"entries": entries, "extras": extras}, used as the phase input fingerprint:
// entries are the (requires-key, artifact-fingerprint, producer-version)
// triples, extras carry
// the phase version and its canonical configuration slice.
func Combined(entries []Entry, extras []string) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	if extras == nil {
		extras = []string{}
	}
	payload := map[string]any{
		"entries": entries,
		"extras":  extras,
	}
	return HashJSON(payload)
}
