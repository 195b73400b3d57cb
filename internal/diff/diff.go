// Package diff selects the files of a fresh scan that a prior manifest does
// not already hold.
package diff

import "sbk/internal/manifest"

// Changed returns the entries of scanned whose relative path is missing from
// prior or whose hash differs, in scan order. A nil prior marks every file
// as changed.
func Changed(prior *manifest.Manifest, scanned []manifest.FileEntry) []manifest.FileEntry {
	if prior == nil {
		out := make([]manifest.FileEntry, len(scanned))
		copy(out, scanned)
		return out
	}

	known := make(map[string]string, len(prior.Files))
	for _, f := range prior.Files {
		known[f.RelativePath] = f.Hash
	}

	var out []manifest.FileEntry
	for _, f := range scanned {
		if hash, ok := known[f.RelativePath]; ok && hash == f.Hash {
			continue
		}
		out = append(out, f)
	}
	return out
}
