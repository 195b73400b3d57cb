package manifest

import "time"

// FileEntry is one file's state at scan time.
type FileEntry struct {
	Path         string     `json:"path"`
	RelativePath string     `json:"relative_path"`
	Size         int64      `json:"size"`
	Hash         string     `json:"hash"`
	Modified     time.Time  `json:"modified"`
	BackedUpAt   *time.Time `json:"backed_up_at,omitempty"`
}

type CloudChunk struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
}

type CloudLocation struct {
	Provider string       `json:"provider"`
	Bucket   string       `json:"bucket"`
	Key      string       `json:"key"`
	Chunks   []CloudChunk `json:"chunks,omitempty"`
}

// PartInfo describes one split part of the archive kept on local disk.
type PartInfo struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Blake3Hash string `json:"blake3_hash"`
}

// Manifest is the full file listing of one completed backup run. It is
// never changed after Save except to attach CloudLocation.
type Manifest struct {
	ID             string         `json:"id"`
	BackupSetID    string         `json:"backup_set_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Files          []FileEntry    `json:"files"`
	TotalSize      int64          `json:"total_size"`
	CompressedSize int64          `json:"compressed_size"`
	ArchivePath    string         `json:"archive_path,omitempty"`
	ArchiveHash    string         `json:"archive_hash,omitempty"`
	Parts          []PartInfo     `json:"parts,omitempty"`
	CloudLocation  *CloudLocation `json:"cloud_location,omitempty"`
	RetentionUntil *time.Time     `json:"retention_until,omitempty"`
}

type Summary struct {
	ID             string    `json:"id"`
	BackupSetID    string    `json:"backup_set_id"`
	CreatedAt      time.Time `json:"created_at"`
	FileCount      int       `json:"file_count"`
	TotalSize      int64     `json:"total_size"`
	CompressedSize int64     `json:"compressed_size"`
	IsUploaded     bool      `json:"is_uploaded"`
}

type Index struct {
	Manifests   []Summary `json:"manifests"`
	LastUpdated time.Time `json:"last_updated"`
}

func (m *Manifest) Summary() Summary {
	return Summary{
		ID:             m.ID,
		BackupSetID:    m.BackupSetID,
		CreatedAt:      m.CreatedAt,
		FileCount:      len(m.Files),
		TotalSize:      m.TotalSize,
		CompressedSize: m.CompressedSize,
		IsUploaded:     m.CloudLocation != nil,
	}
}
