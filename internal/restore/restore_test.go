package restore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sbk/internal/backup"
	"sbk/internal/config"
	"sbk/internal/manifest"
	"sbk/internal/remote"
	"sbk/internal/testutil"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBucket is an in-memory object store standing in for S3.
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

func (b *memBucket) Upload(_ context.Context, localPath, name string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := "prefix/" + name
	b.objects[key] = data
	return key, nil
}

func (b *memBucket) Target() (string, string) {
	return remote.ProviderS3, "mem"
}

func (b *memBucket) Download(_ context.Context, key, localPath string) error {
	b.mu.Lock()
	data, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such key %s", key)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *memBucket) Head(_ context.Context, key string) (*remote.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return &remote.ObjectInfo{Size: int64(len(data))}, nil
}

var files = map[string]string{
	"a.txt":         strings.Repeat("alpha ", 40),
	"nested/b.txt":  strings.Repeat("bravo ", 40),
	"nested/c/d.md": "# delta",
}

func runBackup(t *testing.T, chunkSize int64, mutate func(*config.BackupSet), uploader remote.Uploader) (*backup.Engine, *backup.Result) {
	t.Helper()
	dataDir := t.TempDir()
	clock := testutil.FixedClock()
	e := backup.NewEngine(dataDir, chunkSize, uploader)
	e.Clock = clock
	e.IDs = testutil.NewStubIDGenerator()
	e.Store = manifest.NewStore(dataDir, clock)

	src := t.TempDir()
	testutil.WriteTree(t, src, files)
	set := config.BackupSet{ID: "docs", Sources: []string{src}, Enabled: true, CompressionLevel: 0, Incremental: true}
	if mutate != nil {
		mutate(&set)
	}

	res, err := e.Run(context.Background(), set, backup.Options{}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Manifest)
	return e, res
}

func assertRestored(t *testing.T, target string) {
	t.Helper()
	for rel, content := range files {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, content, string(got), rel)
	}
}

func TestRestoreLocalArchive(t *testing.T) {
	e, _ := runBackup(t, 1024*1024, nil, nil)
	target := filepath.Join(t.TempDir(), "restore")

	var out bytes.Buffer
	res, err := Restore(context.Background(), e.Store, nil, Options{SetID: "docs", Target: target}, &out)
	require.NoError(t, err)
	assert.Equal(t, len(files), res.Files)
	assert.Contains(t, out.String(), "Restored 3 file(s)")
	assertRestored(t, target)
}

func TestRestoreFromLocalParts(t *testing.T) {
	e, res := runBackup(t, 128, nil, nil)
	require.Greater(t, len(res.Parts), 1)

	// Only the parts survive, e.g. after the archive was moved away.
	require.NoError(t, os.Remove(res.ArchivePath))

	target := t.TempDir()
	_, err := Restore(context.Background(), e.Store, nil, Options{ManifestID: res.Manifest.ID, Target: target}, &bytes.Buffer{})
	require.NoError(t, err)
	assertRestored(t, target)
}

func TestRestoreRejectsCorruptPart(t *testing.T) {
	e, res := runBackup(t, 128, nil, nil)
	require.NoError(t, os.Remove(res.ArchivePath))
	require.NoError(t, os.WriteFile(res.Parts[0], []byte("garbage"), 0o644))

	_, err := Restore(context.Background(), e.Store, nil, Options{SetID: "docs", Target: t.TempDir()}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLAKE3 mismatch")
}

func TestRestoreFromS3Chunks(t *testing.T) {
	bucket := newMemBucket()
	e, res := runBackup(t, 128, func(s *config.BackupSet) { s.CloudUpload = true }, bucket)
	require.True(t, res.Uploaded)
	require.Greater(t, len(res.Manifest.CloudLocation.Chunks), 1)
	assert.NoFileExists(t, res.ArchivePath)

	target := t.TempDir()
	_, err := Restore(context.Background(), e.Store, bucket, Options{SetID: "docs", Target: target, Source: SourceS3}, &bytes.Buffer{})
	require.NoError(t, err)
	assertRestored(t, target)
}

func TestRestoreFromS3SingleObject(t *testing.T) {
	bucket := newMemBucket()
	e, res := runBackup(t, 1024*1024, func(s *config.BackupSet) { s.CloudUpload = true }, bucket)
	require.Empty(t, res.Manifest.CloudLocation.Chunks)

	target := t.TempDir()
	_, err := Restore(context.Background(), e.Store, bucket, Options{SetID: "docs", Target: target, Source: SourceS3}, &bytes.Buffer{})
	require.NoError(t, err)
	assertRestored(t, target)
}

func TestRestoreS3ChunkSizeMismatch(t *testing.T) {
	bucket := newMemBucket()
	e, res := runBackup(t, 128, func(s *config.BackupSet) { s.CloudUpload = true }, bucket)
	bucket.objects[res.Manifest.CloudLocation.Chunks[0].Key] = []byte("short")

	_, err := Restore(context.Background(), e.Store, bucket, Options{SetID: "docs", Target: t.TempDir(), Source: SourceS3}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestRestoreS3NotUploaded(t *testing.T) {
	e, _ := runBackup(t, 1024*1024, nil, nil)
	_, err := Restore(context.Background(), e.Store, newMemBucket(), Options{SetID: "docs", Target: t.TempDir(), Source: SourceS3}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never uploaded")
}

func TestRestoreDryRun(t *testing.T) {
	e, res := runBackup(t, 1024*1024, nil, nil)
	target := filepath.Join(t.TempDir(), "untouched")

	var out bytes.Buffer
	got, err := Restore(context.Background(), e.Store, nil, Options{SetID: "docs", Target: target, DryRun: true}, &out)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.ID, got.Manifest.ID)
	assert.Contains(t, out.String(), "DRY RUN")
	assert.Contains(t, out.String(), res.Manifest.ID)
	assert.NoDirExists(t, target)
}

func TestRestoreSelection(t *testing.T) {
	e, res := runBackup(t, 1024*1024, nil, nil)

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"unknown set", Options{SetID: "photos", Target: "x"}, ErrNoManifest.Error()},
		{"unknown manifest", Options{ManifestID: "nope", Target: "x"}, ErrNoManifest.Error()},
		{"set mismatch", Options{SetID: "photos", ManifestID: res.Manifest.ID, Target: "x"}, "belongs to backup set docs"},
		{"nothing selected", Options{Target: "x"}, "must be specified"},
		{"no target", Options{SetID: "docs"}, "target must be specified"},
		{"bad source", Options{SetID: "docs", Target: "x", Source: "ftp"}, "unknown restore source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Restore(context.Background(), e.Store, nil, tt.opts, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
