// Package scan walks source roots and fingerprints every regular file it
// keeps after exclusion.
package scan

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/crypto"
	"sbk/internal/manifest"
	"strings"
)

// Excluded reports whether path or its base name contains any pattern as a
// substring. Empty patterns never match.
func Excluded(path string, patterns []string) bool {
	name := filepath.Base(path)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(path, p) || strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// Scan walks every root in order and returns the retained files. The first
// I/O error aborts the whole scan.
//
// With more than one root, relative paths are prefixed by the root's base
// name so they stay unique within one manifest.
func Scan(roots []string, excludes []string) ([]manifest.FileEntry, error) {
	prefixes := rootPrefixes(roots)

	var all []manifest.FileEntry
	for i, root := range roots {
		entries, err := Dir(root, excludes)
		if err != nil {
			return nil, err
		}
		if prefixes[i] != "" {
			for j := range entries {
				entries[j].RelativePath = prefixes[i] + "/" + entries[j].RelativePath
			}
		}
		all = append(all, entries...)
	}
	return all, nil
}

func rootPrefixes(roots []string) []string {
	prefixes := make([]string, len(roots))
	if len(roots) < 2 {
		return prefixes
	}

	seen := make(map[string]int)
	for i, root := range roots {
		name := filepath.Base(filepath.Clean(root))
		if name == string(filepath.Separator) || name == "." {
			name = "root"
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		prefixes[i] = name
	}
	return prefixes
}

// Dir scans a single root. Relative paths are slash-separated and computed
// against root. A root that is itself a regular file yields one entry named
// by its base name. A root that is a symlink is resolved; links inside the
// tree are never followed.
func Dir(root string, excludes []string) ([]manifest.FileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan: failed to stat root %s: %w", root, err)
	}

	if info.Mode().IsRegular() {
		if Excluded(root, excludes) {
			return nil, nil
		}
		entry, err := fileEntry(root, filepath.Base(root), info)
		if err != nil {
			return nil, err
		}
		return []manifest.FileEntry{entry}, nil
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan: root %s is not a directory or regular file (%s)", root, info.Mode().Type())
	}

	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("scan: failed to resolve root %s: %w", root, err)
	}

	var entries []manifest.FileEntry
	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("scan: failed to walk %s: %w", path, walkErr)
		}
		// Directories are never emitted, and WalkDir does not follow symlinks.
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return fmt.Errorf("scan: failed to relativize %s: %w", path, err)
		}
		// Report paths under root as given, not under its link target.
		path = filepath.Join(root, rel)
		if Excluded(path, excludes) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("scan: failed to stat %s: %w", path, err)
		}

		entry, err := fileEntry(path, filepath.ToSlash(rel), fi)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Scanned root", "root", root, "files", len(entries))
	return entries, nil
}

func fileEntry(path, rel string, info fs.FileInfo) (manifest.FileEntry, error) {
	hash, err := crypto.BLAKE3File(path)
	if err != nil {
		return manifest.FileEntry{}, fmt.Errorf("scan: failed to hash %s: %w", path, err)
	}
	return manifest.FileEntry{
		Path:         path,
		RelativePath: rel,
		Size:         info.Size(),
		Hash:         hash,
		Modified:     info.ModTime(),
	}, nil
}
