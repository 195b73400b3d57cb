package list

import (
	"encoding/json"
	"fmt"
	"io"
	"sbk/internal/config"
	"sbk/internal/manifest"
	"sbk/internal/util"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

type Info struct {
	ID             string `json:"id"`
	BackupSetID    string `json:"backup_set_id"`
	CreatedAt      string `json:"created_at"`
	FileCount      int    `json:"file_count"`
	TotalSize      int64  `json:"total_size"`
	CompressedSize int64  `json:"compressed_size"`
	Uploaded       bool   `json:"uploaded"`
}

type Output struct {
	BackupSet string `json:"backup_set,omitempty"`
	Manifests []Info `json:"manifests"`
	Summary   struct {
		TotalManifests      int   `json:"total_manifests"`
		UploadedManifests   int   `json:"uploaded_manifests"`
		TotalSize           int64 `json:"total_size"`
		TotalCompressedSize int64 `json:"total_compressed_size"`
	} `json:"summary"`
}

// Run prints the manifests of one backup set, or of every set when setID is
// empty, newest first.
func Run(configPath, setID string, asJSON bool, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if setID != "" {
		if _, err := cfg.FindBackupSet(setID); err != nil {
			return err
		}
	}

	out, err := Build(manifest.NewStore(cfg.DataDir, util.RealClock{}), setID)
	if err != nil {
		return err
	}
	if asJSON {
		return WriteJSON(w, out)
	}
	return WriteText(w, out)
}

func Build(store *manifest.Store, setID string) (*Output, error) {
	var sums []manifest.Summary
	if setID != "" {
		s, err := store.ListForSet(setID)
		if err != nil {
			return nil, fmt.Errorf("failed to list manifests: %w", err)
		}
		sums = s
	} else {
		index, err := store.LoadIndex()
		if err != nil {
			return nil, fmt.Errorf("failed to list manifests: %w", err)
		}
		sums = index.Manifests
		sort.SliceStable(sums, func(i, j int) bool {
			return sums[i].CreatedAt.After(sums[j].CreatedAt)
		})
	}

	out := &Output{BackupSet: setID, Manifests: []Info{}}
	for _, s := range sums {
		out.Manifests = append(out.Manifests, Info{
			ID:             s.ID,
			BackupSetID:    s.BackupSetID,
			CreatedAt:      s.CreatedAt.Format(time.RFC3339),
			FileCount:      s.FileCount,
			TotalSize:      s.TotalSize,
			CompressedSize: s.CompressedSize,
			Uploaded:       s.IsUploaded,
		})
		out.Summary.TotalSize += s.TotalSize
		out.Summary.TotalCompressedSize += s.CompressedSize
		if s.IsUploaded {
			out.Summary.UploadedManifests++
		}
	}
	out.Summary.TotalManifests = len(out.Manifests)
	return out, nil
}

func WriteJSON(w io.Writer, out *Output) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func WriteText(w io.Writer, out *Output) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSET\tCREATED\tFILES\tSIZE\tCOMPRESSED\tUPLOADED")
	for _, m := range out.Manifests {
		uploaded := "no"
		if m.Uploaded {
			uploaded = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			m.ID, m.BackupSetID, m.CreatedAt, m.FileCount,
			humanize.IBytes(uint64(m.TotalSize)), humanize.IBytes(uint64(m.CompressedSize)), uploaded)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d manifest(s), %d uploaded, %s backed up (%s compressed)\n",
		out.Summary.TotalManifests, out.Summary.UploadedManifests,
		humanize.IBytes(uint64(out.Summary.TotalSize)), humanize.IBytes(uint64(out.Summary.TotalCompressedSize)))
	return err
}
