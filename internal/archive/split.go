package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/crypto"
	"strings"
)

// PartName returns the path of split part index for a container. The
// container's extension is replaced: docs_x.zip -> docs_x.part000.
func PartName(archivePath string, index int) string {
	base := strings.TrimSuffix(archivePath, filepath.Ext(archivePath))
	return fmt.Sprintf("%s.part%03d", base, index)
}

// Split copies a container larger than chunkSize into sequential parts of
// exactly chunkSize bytes (the last may be shorter) and returns their paths.
// A container at or under chunkSize is returned unchanged and nothing is
// written. The container itself is never modified.
func Split(archivePath string, chunkSize int64) (retParts []string, retErr error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	size := info.Size()
	if size <= chunkSize {
		return []string{archivePath}, nil
	}

	var parts []string
	defer func() {
		if retErr != nil {
			for _, p := range parts {
				os.Remove(p)
			}
		}
	}()

	buf := make([]byte, crypto.BufferSize)
	count := int((size + chunkSize - 1) / chunkSize)
	for i := 0; i < count; i++ {
		n := chunkSize
		if remaining := size - int64(i)*chunkSize; remaining < n {
			n = remaining
		}

		partPath := PartName(archivePath, i)
		parts = append(parts, partPath)
		if err := writePart(partPath, io.LimitReader(src, n), n, buf); err != nil {
			return nil, err
		}
	}

	slog.Info("Archive split", "archive", archivePath, "parts", len(parts), "chunk_size", chunkSize)
	return parts, nil
}

func writePart(path string, r io.Reader, want int64, buf []byte) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create part %s: %w", path, err)
	}

	written, err := io.CopyBuffer(out, r, buf)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to write part %s: %w", path, err)
	}
	if written != want {
		out.Close()
		return fmt.Errorf("short part %s: wrote %d of %d bytes", path, written, want)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close part %s: %w", path, err)
	}
	return nil
}

// Join concatenates parts in order into outPath through a temp file and a
// rename.
func Join(parts []string, outPath string) (retErr error) {
	if len(parts) == 0 {
		return fmt.Errorf("no parts to join")
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := make([]byte, crypto.BufferSize)
	for _, part := range parts {
		if err := appendPart(tmp, part, buf); err != nil {
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync joined archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close joined archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return fmt.Errorf("failed to rename joined archive: %w", err)
	}
	return nil
}

func appendPart(w io.Writer, part string, buf []byte) error {
	f, err := os.Open(part)
	if err != nil {
		return fmt.Errorf("failed to open part %s: %w", part, err)
	}
	defer f.Close()

	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return fmt.Errorf("failed to copy part %s: %w", part, err)
	}
	return nil
}
