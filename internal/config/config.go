package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sbk/internal/logging"
	"sbk/internal/schedule"
	"sbk/internal/util"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath              = "sbk_config.yaml"
	DefaultChunkSize         = 10 * 1024 * 1024
	DefaultPollInterval      = 3 * time.Second
	DefaultMaxConcurrentRuns = 2
	DefaultWeatherInterval   = 15 * time.Minute
	DefaultWeatherCooldown   = 6 * time.Hour
	DefaultCompressionLevel  = 6
	DefaultRetentionDays     = 30
)

var ErrBackupSetNotFound = errors.New("backup set not found")

// DefaultExcludePatterns are matched as plain substrings, so "*.tmp" only
// matches names that literally contain it.
var DefaultExcludePatterns = []string{
	"node_modules", ".git", "__pycache__", "target",
	".DS_Store", "Thumbs.db", "*.tmp", "*.temp", "*.log",
}

type BackupSet struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description,omitempty"`
	Sources          []string `yaml:"sources"`
	ExcludePatterns  []string `yaml:"exclude_patterns"`
	Enabled          bool     `yaml:"enabled"`
	CompressionLevel int      `yaml:"compression_level"`
	Incremental      bool     `yaml:"incremental"`
	// RetentionDays of 0 keeps manifests forever.
	RetentionDays    int    `yaml:"retention_days"`
	CloudUpload      bool   `yaml:"cloud_upload"`
	LocalDestination string `yaml:"local_destination,omitempty"`

	LastBackup        *time.Time `yaml:"last_backup,omitempty"`
	TotalBackups      int64      `yaml:"total_backups"`
	TotalSizeBackedUp int64      `yaml:"total_size_backed_up"`
}

func defaultBackupSet() BackupSet {
	return BackupSet{
		ExcludePatterns:  append([]string(nil), DefaultExcludePatterns...),
		Enabled:          true,
		CompressionLevel: DefaultCompressionLevel,
		Incremental:      true,
		RetentionDays:    DefaultRetentionDays,
	}
}

// NewBackupSet returns a set with the default policy and a fresh id.
func NewBackupSet(name string, ids util.IDGenerator) BackupSet {
	if ids == nil {
		ids = util.UUIDGenerator{}
	}
	b := defaultBackupSet()
	b.ID = ids.New()
	b.Name = name
	return b
}

// validSetID reports whether id is safe to use as a file name component in
// the run lock and archive names.
func validSetID(id string) bool {
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

type Preset string

const (
	PresetDocuments Preset = "documents"
	PresetPhotos    Preset = "photos"
	PresetCode      Preset = "code"
	PresetDesktop   Preset = "desktop"
	PresetCustom    Preset = "custom"
)

// ParsePreset is case-insensitive. Unknown names map to PresetCustom.
func ParsePreset(s string) Preset {
	switch p := Preset(strings.ToLower(strings.TrimSpace(s))); p {
	case PresetDocuments, PresetPhotos, PresetCode, PresetDesktop:
		return p
	default:
		return PresetCustom
	}
}

// NewBackupSetFromPreset returns a set for a common scenario with sources
// under homeDir. The code preset has no sources; callers add the project
// directories themselves.
func NewBackupSetFromPreset(p Preset, homeDir string, ids util.IDGenerator) BackupSet {
	switch p {
	case PresetDocuments:
		b := NewBackupSet("Documents", ids)
		b.Description = "Personal documents and files"
		b.Sources = []string{filepath.Join(homeDir, "Documents")}
		b.ExcludePatterns = appendMissing(b.ExcludePatterns, "*.tmp", "~$")
		return b
	case PresetPhotos:
		b := NewBackupSet("Photos", ids)
		b.Description = "Photos and images"
		b.Sources = []string{filepath.Join(homeDir, "Pictures")}
		// Images are already compressed.
		b.CompressionLevel = 1
		return b
	case PresetCode:
		b := NewBackupSet("Code Projects", ids)
		b.Description = "Source code and development projects"
		b.ExcludePatterns = appendMissing(b.ExcludePatterns,
			"node_modules", "target", ".git", "dist", "build", "__pycache__", ".next", ".pyc")
		return b
	case PresetDesktop:
		b := NewBackupSet("Desktop", ids)
		b.Description = "Desktop files and shortcuts"
		b.Sources = []string{filepath.Join(homeDir, "Desktop")}
		return b
	default:
		return NewBackupSet("Custom Backup", ids)
	}
}

func appendMissing(list []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}

// UnmarshalYAML fills fields missing from the document with the defaults.
func (b *BackupSet) UnmarshalYAML(value *yaml.Node) error {
	type plain BackupSet
	p := plain(defaultBackupSet())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BackupSet(p)
	return nil
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint,omitempty"`
	StorageClass types.StorageClass `yaml:"storage_class,omitempty"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type WeatherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Latitude     float64       `yaml:"latitude"`
	Longitude    float64       `yaml:"longitude"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Cooldown     time.Duration `yaml:"cooldown,omitempty"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
	BaseURL      string        `yaml:"base_url,omitempty"`
}

type Config struct {
	DataDir           string              `yaml:"data_dir"`
	ChunkSize         int64               `yaml:"chunk_size,omitempty"`
	LogLevel          string              `yaml:"log_level,omitempty"`
	PollInterval      time.Duration       `yaml:"poll_interval,omitempty"`
	MaxConcurrentRuns int                 `yaml:"max_concurrent_runs,omitempty"`
	S3                S3Config            `yaml:"s3"`
	Weather           WeatherConfig       `yaml:"weather"`
	BackupSets        []BackupSet         `yaml:"backup_sets"`
	Schedules         []schedule.Schedule `yaml:"schedules"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to filename through a temp file and a rename.
func Save(filename string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.WriteFileAtomic(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Update loads filename, applies fn and saves the result. It re-reads the
// file so edits made since the caller's own Load are kept.
func Update(filename string, fn func(*Config) error) error {
	cfg, err := Load(filename)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return Save(filename, cfg)
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConcurrentRuns == 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.Weather.PollInterval == 0 {
		c.Weather.PollInterval = DefaultWeatherInterval
	}
	if c.Weather.Cooldown == 0 {
		c.Weather.Cooldown = DefaultWeatherCooldown
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}

	setIDs := make(map[string]bool, len(c.BackupSets))
	for i, b := range c.BackupSets {
		if b.ID == "" {
			return fmt.Errorf("backup_sets[%d].id is required", i)
		}
		if !validSetID(b.ID) {
			return fmt.Errorf("backup_sets[%d]: invalid id %q: must not contain path separators or \"..\"", i, b.ID)
		}
		if setIDs[b.ID] {
			return fmt.Errorf("backup_sets[%d]: duplicate id %q", i, b.ID)
		}
		setIDs[b.ID] = true
		if b.CompressionLevel < 0 || b.CompressionLevel > 9 {
			return fmt.Errorf("backup_sets[%d].compression_level must be 0-9", i)
		}
		if b.RetentionDays < 0 {
			return fmt.Errorf("backup_sets[%d].retention_days must not be negative", i)
		}
	}

	schedIDs := make(map[string]bool, len(c.Schedules))
	for i := range c.Schedules {
		s := &c.Schedules[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if schedIDs[s.ID] {
			return fmt.Errorf("schedules[%d]: duplicate id %q", i, s.ID)
		}
		schedIDs[s.ID] = true
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
	}
	if c.Weather.Enabled {
		if c.Weather.Latitude < -90 || c.Weather.Latitude > 90 {
			return fmt.Errorf("weather.latitude must be between -90 and 90")
		}
		if c.Weather.Longitude < -180 || c.Weather.Longitude > 180 {
			return fmt.Errorf("weather.longitude must be between -180 and 180")
		}
	}
	return nil
}

// FindBackupSet returns a pointer into c.BackupSets so callers can update
// the set's statistics in place.
func (c *Config) FindBackupSet(id string) (*BackupSet, error) {
	for i := range c.BackupSets {
		if c.BackupSets[i].ID == id {
			return &c.BackupSets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBackupSetNotFound, id)
}

// RecordBackup adds one completed run of size bytes to a set's totals.
func (c *Config) RecordBackup(setID string, size int64, at time.Time) error {
	b, err := c.FindBackupSet(setID)
	if err != nil {
		return err
	}
	t := at.UTC()
	b.LastBackup = &t
	b.TotalBackups++
	b.TotalSizeBackedUp += size
	return nil
}

// ApplyScheduleState copies the run timestamps of s onto the schedule with
// the same id. It reports whether one was found.
func (c *Config) ApplyScheduleState(s schedule.Schedule) bool {
	for i := range c.Schedules {
		if c.Schedules[i].ID == s.ID {
			c.Schedules[i].LastRun = s.LastRun
			c.Schedules[i].NextRun = s.NextRun
			return true
		}
	}
	return false
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}

func (c *Config) S3StorageClass() types.StorageClass {
	if c.S3.StorageClass != "" {
		return c.S3.StorageClass
	}
	return types.StorageClassStandard
}

// RetentionUntil returns when a manifest created at created expires, or nil
// when the set keeps manifests forever.
func (b *BackupSet) RetentionUntil(created time.Time) *time.Time {
	if b.RetentionDays <= 0 {
		return nil
	}
	t := created.AddDate(0, 0, b.RetentionDays).UTC()
	return &t
}
