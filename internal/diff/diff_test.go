package diff

import (
	"sbk/internal/manifest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func entries(pairs ...string) []manifest.FileEntry {
	var out []manifest.FileEntry
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, manifest.FileEntry{RelativePath: pairs[i], Hash: pairs[i+1]})
	}
	return out
}

func paths(files []manifest.FileEntry) []string {
	out := []string{}
	for _, f := range files {
		out = append(out, f.RelativePath)
	}
	return out
}

func TestChanged(t *testing.T) {
	tests := []struct {
		name    string
		prior   *manifest.Manifest
		scanned []manifest.FileEntry
		want    []string
	}{
		{
			name:    "no prior manifest",
			prior:   nil,
			scanned: entries("a", "1", "b", "2"),
			want:    []string{"a", "b"},
		},
		{
			name:    "identical",
			prior:   &manifest.Manifest{Files: entries("a", "1", "b", "2")},
			scanned: entries("a", "1", "b", "2"),
			want:    []string{},
		},
		{
			name:    "hash changed",
			prior:   &manifest.Manifest{Files: entries("a", "1", "b", "2")},
			scanned: entries("a", "1", "b", "3"),
			want:    []string{"b"},
		},
		{
			name:    "new file",
			prior:   &manifest.Manifest{Files: entries("a", "1")},
			scanned: entries("a", "1", "c", "9"),
			want:    []string{"c"},
		},
		{
			name:    "deleted file is not reported",
			prior:   &manifest.Manifest{Files: entries("a", "1", "gone", "5")},
			scanned: entries("a", "1"),
			want:    []string{},
		},
		{
			name:    "scan order preserved",
			prior:   &manifest.Manifest{Files: entries("m", "1")},
			scanned: entries("z", "1", "m", "2", "a", "3"),
			want:    []string{"z", "m", "a"},
		},
		{
			name:    "same hash under a new path",
			prior:   &manifest.Manifest{Files: entries("old/a", "1")},
			scanned: entries("new/a", "1"),
			want:    []string{"new/a"},
		},
		{
			name:    "empty scan",
			prior:   &manifest.Manifest{Files: entries("a", "1")},
			scanned: nil,
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, paths(Changed(tt.prior, tt.scanned)))
		})
	}
}

func TestChangedDoesNotAliasInput(t *testing.T) {
	scanned := entries("a", "1")
	out := Changed(nil, scanned)
	out[0].Hash = "mutated"
	assert.Equal(t, "1", scanned[0].Hash)
}
