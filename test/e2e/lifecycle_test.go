//go:build e2e

package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type listOutput struct {
	Manifests []struct {
		ID        string `json:"id"`
		FileCount int    `json:"file_count"`
		Uploaded  bool   `json:"uploaded"`
	} `json:"manifests"`
	Summary struct {
		TotalManifests int `json:"total_manifests"`
	} `json:"summary"`
}

func listManifests(t *testing.T, e *env) listOutput {
	t.Helper()
	out := e.mustSbk(t, "list", "--set", "docs", "--json")
	var l listOutput
	require.NoError(t, json.Unmarshal([]byte(extractJSON(out)), &l), "output: %s", out)
	return l
}

func TestBackupRestoreLifecycle(t *testing.T) {
	e := newEnv(t)
	e.writeConfig(t, "")
	e.writeFile(t, "a.txt", strings.Repeat("alpha\n", 2000))
	e.writeFile(t, "nested/b.txt", "bravo v1")
	e.writeFile(t, "nested/deep/c.md", "# charlie")
	e.writeFile(t, "node_modules/skip.js", "excluded by default")

	var first string

	t.Run("Check", func(t *testing.T) {
		out := e.mustSbk(t, "check")
		assert.Contains(t, out, "all checks passed")
	})

	t.Run("FullBackup", func(t *testing.T) {
		out := e.mustSbk(t, "backup", "--set", "docs")
		assert.Contains(t, out, "completed", "output: %s", out)

		l := listManifests(t, e)
		require.Len(t, l.Manifests, 1)
		assert.Equal(t, 3, l.Manifests[0].FileCount)
		first = l.Manifests[0].ID
	})

	t.Run("NoChanges", func(t *testing.T) {
		out := e.mustSbk(t, "backup", "--set", "docs")
		assert.Contains(t, out, "No changes detected")
		assert.Len(t, listManifests(t, e).Manifests, 1)
	})

	t.Run("IncrementalBackup", func(t *testing.T) {
		e.writeFile(t, "nested/b.txt", "bravo v2, longer")
		e.mustSbk(t, "backup", "--set", "docs")

		l := listManifests(t, e)
		require.Len(t, l.Manifests, 2)
		assert.Equal(t, 1, l.Manifests[0].FileCount)
		assert.Equal(t, first, l.Manifests[1].ID)
	})

	t.Run("StatisticsPersisted", func(t *testing.T) {
		data, err := os.ReadFile(e.configPath)
		require.NoError(t, err)
		var cfg struct {
			BackupSets []struct {
				ID           string `yaml:"id"`
				TotalBackups int    `yaml:"total_backups"`
			} `yaml:"backup_sets"`
		}
		require.NoError(t, yaml.Unmarshal(data, &cfg))
		require.Len(t, cfg.BackupSets, 1)
		assert.Equal(t, 2, cfg.BackupSets[0].TotalBackups)
	})

	t.Run("DryRun", func(t *testing.T) {
		target := filepath.Join(e.root, "dry")
		out := e.mustSbk(t, "restore", "--set", "docs", "--target", target, "--dry-run")
		assert.Contains(t, out, "DRY RUN")
		assert.NoDirExists(t, target)
	})

	t.Run("RestoreFirstManifest", func(t *testing.T) {
		target := filepath.Join(e.root, "restore-first")
		e.mustSbk(t, "restore", "--manifest", first, "--target", target)

		got, err := os.ReadFile(filepath.Join(target, "nested", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "bravo v1", string(got))
		assert.FileExists(t, filepath.Join(target, "a.txt"))
		assert.FileExists(t, filepath.Join(target, "nested", "deep", "c.md"))
		assert.NoFileExists(t, filepath.Join(target, "node_modules", "skip.js"))
	})

	t.Run("RestoreLatest", func(t *testing.T) {
		target := filepath.Join(e.root, "restore-latest")
		e.mustSbk(t, "restore", "--set", "docs", "--target", target)

		got, err := os.ReadFile(filepath.Join(target, "nested", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "bravo v2, longer", string(got))
		assert.NoFileExists(t, filepath.Join(target, "a.txt"))
	})

	t.Run("RebuildIndex", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(e.dataDir, "manifests", "index.json")))
		out := e.mustSbk(t, "rebuild-index")
		assert.Contains(t, out, "Indexed 2 manifest(s)")
		assert.Len(t, listManifests(t, e).Manifests, 2)
	})

	t.Run("UnknownSet", func(t *testing.T) {
		out, err := e.sbk("backup", "--set", "missing")
		require.Error(t, err)
		assert.Contains(t, out, "backup set not found")
	})
}
