package config

import (
	"os"
	"path/filepath"
	"sbk/internal/schedule"
	"sbk/internal/testutil"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3RetryAttempts(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   int
	}{
		{
			name: "custom retry attempts",
			config: &Config{
				S3: S3Config{
					Retry: struct {
						MaxAttempts int `yaml:"max_attempts"`
					}{
						MaxAttempts: 5,
					},
				},
			},
			want: 5,
		},
		{
			name: "default retry attempts",
			config: &Config{
				S3: S3Config{
					Retry: struct {
						MaxAttempts int `yaml:"max_attempts"`
					}{
						MaxAttempts: 0,
					},
				},
			},
			want: 3,
		},
		{
			name: "zero retry config",
			config: &Config{
				S3: S3Config{},
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.S3RetryAttempts()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestS3StorageClass(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, types.StorageClassStandard, cfg.S3StorageClass())

	cfg.S3.StorageClass = types.StorageClassGlacierIr
	assert.Equal(t, types.StorageClassGlacierIr, cfg.S3StorageClass())
}

func TestValidate(t *testing.T) {
	validConfig := func() *Config {
		return &Config{
			DataDir: "/tmp/sbk",
			BackupSets: []BackupSet{
				{ID: "docs", Name: "Documents", Sources: []string{"/home/u/docs"}, CompressionLevel: 6},
			},
			Schedules: []schedule.Schedule{
				{ID: "nightly", BackupSetID: "docs", Type: schedule.Daily, Enabled: true, Time: "02:00"},
			},
		}
	}

	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("empty data_dir", func(t *testing.T) {
		cfg := validConfig()
		cfg.DataDir = ""
		assert.ErrorContains(t, cfg.Validate(), "data_dir is required")
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogLevel = "loud"
		assert.ErrorContains(t, cfg.Validate(), "invalid log level")
	})

	t.Run("backup set missing id", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSets = []BackupSet{{Name: "x"}}
		assert.ErrorContains(t, cfg.Validate(), "backup_sets[0].id is required")
	})

	t.Run("duplicate backup set", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSets = append(cfg.BackupSets, BackupSet{ID: "docs"})
		assert.ErrorContains(t, cfg.Validate(), "duplicate id")
	})

	t.Run("backup set id escapes its directory", func(t *testing.T) {
		for _, id := range []string{"../etc", "a/b", `a\b`, ".."} {
			cfg := validConfig()
			cfg.BackupSets[0].ID = id
			cfg.Schedules = nil
			assert.ErrorContains(t, cfg.Validate(), "invalid id", id)
		}
	})

	t.Run("compression out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSets[0].CompressionLevel = 10
		assert.ErrorContains(t, cfg.Validate(), "compression_level must be 0-9")
	})

	t.Run("negative retention", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSets[0].RetentionDays = -1
		assert.ErrorContains(t, cfg.Validate(), "retention_days")
	})

	t.Run("invalid schedule", func(t *testing.T) {
		cfg := validConfig()
		cfg.Schedules[0].Time = "7pm"
		assert.ErrorContains(t, cfg.Validate(), "schedules[0]")
	})

	t.Run("duplicate schedule", func(t *testing.T) {
		cfg := validConfig()
		cfg.Schedules = append(cfg.Schedules, cfg.Schedules[0])
		assert.ErrorContains(t, cfg.Validate(), "duplicate id")
	})

	t.Run("schedule for unknown set is allowed", func(t *testing.T) {
		cfg := validConfig()
		cfg.Schedules[0].BackupSetID = "deleted-set"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("s3 enabled without bucket", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3.Enabled = true
		cfg.S3.Region = "us-east-1"
		assert.ErrorContains(t, cfg.Validate(), "s3.bucket is required")
	})

	t.Run("s3 enabled without region", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3.Enabled = true
		cfg.S3.Bucket = "my-bucket"
		assert.ErrorContains(t, cfg.Validate(), "s3.region is required")
	})

	t.Run("valid s3 config", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3.Enabled = true
		cfg.S3.Bucket = "my-bucket"
		cfg.S3.Region = "us-east-1"
		require.NoError(t, cfg.Validate())
	})

	t.Run("weather latitude out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Weather.Enabled = true
		cfg.Weather.Latitude = 91
		assert.ErrorContains(t, cfg.Validate(), "weather.latitude")
	})
}

const sampleConfig = `
data_dir: /var/lib/sbk
log_level: debug
poll_interval: 10s
s3:
  enabled: true
  bucket: backups
  prefix: laptop
  region: eu-west-1
  storage_class: STANDARD_IA
weather:
  enabled: true
  latitude: 35.4676
  longitude: -97.5164
backup_sets:
  - id: docs
    name: Documents
    sources: [/home/u/docs]
  - id: photos
    name: Photos
    sources: [/home/u/photos]
    exclude_patterns: [.cache]
    compression_level: 0
    incremental: false
    retention_days: 0
    cloud_upload: true
schedules:
  - id: nightly
    backup_set_id: docs
    schedule_type: Daily
    enabled: true
    time: "01:15"
  - id: storm
    backup_set_id: photos
    schedule_type: weather
    enabled: true
    weather_triggers:
      - alert_type: Tornado
        enabled: true
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbk_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sbk", cfg.DataDir)
	assert.Equal(t, int64(DefaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, DefaultMaxConcurrentRuns, cfg.MaxConcurrentRuns)
	assert.Equal(t, DefaultWeatherInterval, cfg.Weather.PollInterval)
	assert.Equal(t, DefaultWeatherCooldown, cfg.Weather.Cooldown)
	assert.Equal(t, types.StorageClassStandardIa, cfg.S3StorageClass())

	require.Len(t, cfg.BackupSets, 2)
	docs := cfg.BackupSets[0]
	assert.True(t, docs.Enabled)
	assert.True(t, docs.Incremental)
	assert.Equal(t, DefaultCompressionLevel, docs.CompressionLevel)
	assert.Equal(t, DefaultRetentionDays, docs.RetentionDays)
	assert.Equal(t, DefaultExcludePatterns, docs.ExcludePatterns)

	photos := cfg.BackupSets[1]
	assert.False(t, photos.Incremental)
	assert.Equal(t, 0, photos.CompressionLevel)
	assert.Equal(t, 0, photos.RetentionDays)
	assert.Equal(t, []string{".cache"}, photos.ExcludePatterns)
	assert.True(t, photos.CloudUpload)

	require.Len(t, cfg.Schedules, 2)
	assert.Equal(t, schedule.Daily, cfg.Schedules[0].Type)
	assert.Equal(t, schedule.WeatherTriggered, cfg.Schedules[1].Type)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backup_sets:\n  - id: a\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "data_dir is required")

	require.NoError(t, os.WriteFile(path, []byte("schedules:\n  - schedule_type: hourly\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "unknown schedule type")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbk_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, cfg.RecordBackup("docs", 4096, at))
	next := at.Add(24 * time.Hour)
	assert.True(t, cfg.ApplyScheduleState(schedule.Schedule{ID: "nightly", LastRun: &at, NextRun: &next}))
	assert.False(t, cfg.ApplyScheduleState(schedule.Schedule{ID: "nope"}))

	require.NoError(t, Save(path, cfg))

	reloaded, err := Load(path)
	require.NoError(t, err)
	docs, err := reloaded.FindBackupSet("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs.TotalBackups)
	assert.Equal(t, int64(4096), docs.TotalSizeBackedUp)
	require.NotNil(t, docs.LastBackup)
	assert.True(t, at.Equal(*docs.LastBackup))

	require.NotNil(t, reloaded.Schedules[0].NextRun)
	assert.True(t, next.Equal(*reloaded.Schedules[0].NextRun))
	assert.Equal(t, 10*time.Second, reloaded.PollInterval)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFindBackupSet(t *testing.T) {
	cfg := &Config{
		BackupSets: []BackupSet{
			{ID: "docs", Name: "Documents", Enabled: true},
			{ID: "photos", Name: "Photos", Enabled: false},
		},
	}

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{name: "find existing set", id: "docs", want: "Documents"},
		{name: "find disabled set", id: "photos", want: "Photos"},
		{name: "set not found", id: "nonexistent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := cfg.FindBackupSet(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBackupSetNotFound)
				assert.Nil(t, set)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Name)
		})
	}

	set, err := cfg.FindBackupSet("docs")
	require.NoError(t, err)
	set.TotalBackups = 7
	assert.Equal(t, int64(7), cfg.BackupSets[0].TotalBackups)
}

func TestRecordBackupUnknownSet(t *testing.T) {
	cfg := &Config{}
	err := cfg.RecordBackup("ghost", 1, time.Now())
	assert.ErrorIs(t, err, ErrBackupSetNotFound)
}

func TestNewBackupSet(t *testing.T) {
	b := NewBackupSet("Documents", testutil.NewStubIDGenerator())
	assert.Equal(t, "id-1", b.ID)
	assert.Equal(t, "Documents", b.Name)
	assert.True(t, b.Enabled)
	assert.True(t, b.Incremental)
	assert.Equal(t, 6, b.CompressionLevel)
	assert.Equal(t, 30, b.RetentionDays)
	assert.Contains(t, b.ExcludePatterns, "node_modules")

	b.ExcludePatterns[0] = "changed"
	assert.Equal(t, "node_modules", DefaultExcludePatterns[0])
}

func TestNewBackupSetFromPreset(t *testing.T) {
	home := filepath.Join("/home", "u")

	tests := []struct {
		preset      Preset
		name        string
		sources     []string
		compression int
		excludes    []string
	}{
		{PresetDocuments, "Documents", []string{filepath.Join(home, "Documents")}, 6, []string{"*.tmp", "~$"}},
		{PresetPhotos, "Photos", []string{filepath.Join(home, "Pictures")}, 1, nil},
		{PresetCode, "Code Projects", nil, 6, []string{"dist", "build", ".next", ".pyc"}},
		{PresetDesktop, "Desktop", []string{filepath.Join(home, "Desktop")}, 6, nil},
		{PresetCustom, "Custom Backup", nil, 6, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			b := NewBackupSetFromPreset(tt.preset, home, testutil.NewStubIDGenerator())
			assert.Equal(t, "id-1", b.ID)
			assert.Equal(t, tt.name, b.Name)
			assert.Equal(t, tt.sources, b.Sources)
			assert.Equal(t, tt.compression, b.CompressionLevel)
			assert.True(t, b.Enabled)
			assert.Contains(t, b.ExcludePatterns, "node_modules")
			for _, p := range tt.excludes {
				assert.Contains(t, b.ExcludePatterns, p)
			}

			seen := make(map[string]bool)
			for _, p := range b.ExcludePatterns {
				assert.False(t, seen[p], "duplicate exclude %q", p)
				seen[p] = true
			}
		})
	}
}

func TestParsePreset(t *testing.T) {
	assert.Equal(t, PresetPhotos, ParsePreset(" Photos "))
	assert.Equal(t, PresetCode, ParsePreset("code"))
	assert.Equal(t, PresetCustom, ParsePreset("music"))
}

func TestRetentionUntil(t *testing.T) {
	created := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	b := BackupSet{RetentionDays: 30}
	got := b.RetentionUntil(created)
	require.NotNil(t, got)
	assert.True(t, time.Date(2024, 2, 14, 10, 30, 0, 0, time.UTC).Equal(*got))

	b.RetentionDays = 0
	assert.Nil(t, b.RetentionUntil(created))
}

func TestUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbk_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, Update(path, func(c *Config) error {
		return c.RecordBackup("docs", 2048, at)
	}))

	cfg, err := Load(path)
	require.NoError(t, err)
	docs, err := cfg.FindBackupSet("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs.TotalBackups)
	assert.Equal(t, int64(2048), docs.TotalSizeBackedUp)

	err = Update(path, func(c *Config) error {
		return c.RecordBackup("missing", 1, at)
	})
	assert.ErrorIs(t, err, ErrBackupSetNotFound)

	err = Update(filepath.Join(t.TempDir(), "nope.yaml"), func(*Config) error { return nil })
	assert.Error(t, err)
}
