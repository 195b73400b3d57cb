package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/util"
	"sort"
	"strings"
	"sync"
	"time"
)

const indexFile = "index.json"

var (
	// ErrIndexCorrupt is returned when index.json exists but cannot be decoded.
	// Rebuild regenerates it from the manifest bodies.
	ErrIndexCorrupt = errors.New("manifest index is corrupt")

	ErrNotFound = errors.New("manifest not found")
)

// Store persists manifest bodies as <dir>/<id>.json plus a summary index in
// <dir>/index.json. Every file is replaced through temp file and rename. A
// crash between the body and the index write leaves either an orphan body
// (picked up by Rebuild) or a dangling summary (read as not found).
type Store struct {
	dir   string
	clock util.Clock

	// mu serializes index read-modify-write cycles within the process.
	mu sync.Mutex
}

func NewStore(dataDir string, clock util.Clock) *Store {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Store{dir: util.ManifestDir(dataDir), clock: clock}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) manifestPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("manifest id is empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || id+".json" == indexFile {
		return fmt.Errorf("invalid manifest id: %q", id)
	}
	return nil
}

// Save writes the manifest body and then replaces its summary in the index.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(m)
}

func (s *Store) save(m *Manifest) error {
	if err := validateID(m.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	// Refuse to clobber an index we cannot read.
	index, err := s.LoadIndex()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest %s: %w", m.ID, err)
	}
	if err := util.WriteFileAtomic(s.manifestPath(m.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", m.ID, err)
	}

	kept := index.Manifests[:0]
	for _, sum := range index.Manifests {
		if sum.ID != m.ID {
			kept = append(kept, sum)
		}
	}
	index.Manifests = append(kept, m.Summary())

	if err := s.writeIndex(index); err != nil {
		return err
	}

	slog.Debug("Manifest saved", "id", m.ID, "set", m.BackupSetID, "files", len(m.Files))
	return nil
}

func (s *Store) writeIndex(index *Index) error {
	index.LastUpdated = s.clock.Now().UTC()
	if index.Manifests == nil {
		index.Manifests = []Summary{}
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest index: %w", err)
	}
	if err := util.WriteFileAtomic(s.indexPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest index: %w", err)
	}
	return nil
}

// LoadIndex reads the summary index. A missing index is an empty one.
func (s *Store) LoadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Manifests: []Summary{}, LastUpdated: s.clock.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("failed to read manifest index: %w", err)
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	return &index, nil
}

// Load returns the most recent manifest of a backup set, or nil when the set
// has none or its newest summary has no body.
func (s *Store) Load(backupSetID string) (*Manifest, error) {
	index, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}

	var latest *Summary
	for i := range index.Manifests {
		sum := &index.Manifests[i]
		if sum.BackupSetID != backupSetID {
			continue
		}
		if latest == nil || !sum.CreatedAt.Before(latest.CreatedAt) {
			latest = sum
		}
	}
	if latest == nil {
		return nil, nil
	}

	return s.LoadByID(latest.ID)
}

// LoadByID returns nil, nil when no body exists for id.
func (s *Store) LoadByID(id string) (*Manifest, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", id, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", id, err)
	}
	return &m, nil
}

// ListForSet returns the summaries of one backup set, newest first.
func (s *Store) ListForSet(backupSetID string) ([]Summary, error) {
	index, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}

	var out []Summary
	for _, sum := range index.Manifests {
		if sum.BackupSetID == backupSetID {
			out = append(out, sum)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListUploaded returns every manifest that carries a cloud location.
func (s *Store) ListUploaded() ([]*Manifest, error) {
	index, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}

	var out []*Manifest
	for _, sum := range index.Manifests {
		if !sum.IsUploaded {
			continue
		}
		m, err := s.LoadByID(sum.ID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Delete removes the body (if present) and then the index entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delete(id)
}

func (s *Store) delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	index, err := s.LoadIndex()
	if err != nil {
		return err
	}

	if err := os.Remove(s.manifestPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest %s: %w", id, err)
	}

	kept := index.Manifests[:0]
	for _, sum := range index.Manifests {
		if sum.ID != id {
			kept = append(kept, sum)
		}
	}
	index.Manifests = kept

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return s.writeIndex(index)
}

// Expired returns the manifests whose retention_until is before now.
// Manifests without retention are never returned.
func (s *Store) Expired(now time.Time) ([]*Manifest, error) {
	index, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}

	var out []*Manifest
	for _, sum := range index.Manifests {
		m, err := s.LoadByID(sum.ID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.RetentionUntil == nil {
			continue
		}
		if m.RetentionUntil.Before(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

// CleanupExpired deletes every expired manifest and returns their ids.
func (s *Store) CleanupExpired() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.Expired(s.clock.Now())
	if err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(expired))
	for _, m := range expired {
		if err := s.delete(m.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, m.ID)
	}
	return deleted, nil
}

// UpdateCloudLocation attaches loc to an existing manifest and saves it again.
func (s *Store) UpdateCloudLocation(id string, loc CloudLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.LoadByID(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.CloudLocation = &loc
	return s.save(m)
}

// Rebuild regenerates the index from the manifest bodies on disk. Bodies that
// fail to decode are skipped and logged. It returns the number indexed.
func (s *Store) Rebuild() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	index := &Index{Manifests: []Summary{}}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		m, err := s.LoadByID(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("Skipping unreadable manifest", "file", name, "error", err)
			continue
		}
		if m == nil {
			continue
		}
		index.Manifests = append(index.Manifests, m.Summary())
	}

	sort.SliceStable(index.Manifests, func(i, j int) bool {
		return index.Manifests[i].CreatedAt.Before(index.Manifests[j].CreatedAt)
	})

	if err := s.writeIndex(index); err != nil {
		return 0, err
	}

	slog.Info("Manifest index rebuilt", "count", len(index.Manifests))
	return len(index.Manifests), nil
}
