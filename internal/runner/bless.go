package runner

import (
	"fmt"

	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/pipelineerr"
)

// Bless implements the bless operation (spec §6): for every artifact that
// phaseName's last successful run produced, recompute its fingerprint from
// the current on-disk bytes and replace the manifest's recorded value,
// without invoking the phase. A blessed artifact's producing phase still
// passes its own skip check on the next run (its own prior outputs still
// "match"), while any downstream consumer recomputes a different
// input_fingerprint from the new bytes and correctly re-executes. For
// directory-kind artifacts the recompute is the recursive directory
// fingerprint, the natural default for a kind with no single file to hash.
func Bless(workspaceRoot string, man *manifest.Manifest, phaseName string) error {
	rec := man.GetPhase(phaseName)
	if rec == nil {
		return pipelineerr.UnknownPhase(phaseName)
	}
	if len(rec.OutputKeys) == 0 {
		return fmt.Errorf("runner: bless %s: phase has no recorded output artifacts", phaseName)
	}

	for _, key := range rec.OutputKeys {
		art := man.GetArtifact(key)
		if art == nil {
			return fmt.Errorf("runner: bless %s: output key %q has no artifact record", phaseName, key)
		}
		fp, err := fingerprintArtifact(workspaceRoot, art)
		if err != nil {
			return fmt.Errorf("runner: bless %s: recompute fingerprint for %s: %w", phaseName, key, err)
		}
		art.Fingerprint = fp
		man.PutArtifact(*art)
	}

	return man.Save()
}
