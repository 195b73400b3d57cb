// Package archive builds the zip container of a backup run, splits it into
// fixed-size parts and reads it back for restore.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/crypto"
	"sbk/internal/manifest"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Progress is reported once per archived file, after the file is written.
type Progress struct {
	TotalFiles     int
	ProcessedFiles int
	TotalBytes     int64
	ProcessedBytes int64
	CurrentFile    string
}

type Options struct {
	// Dir is the working directory the container is first written to.
	Dir string
	// LocalDestination, when set, is where the finished container is moved.
	LocalDestination string
	// Name is the container file name, e.g. util.ArchiveName(set, run).
	Name string
	// CompressionLevel is 0 (store) through 9 (best).
	CompressionLevel int
}

// Entry describes one file inside a container.
type Entry struct {
	Name     string
	Size     int64
	Modified time.Time
	Method   uint16
}

// Create streams files into a new zip container under their relative paths
// and returns the container's final path. progress is called synchronously
// after each file, in file order.
func Create(files []manifest.FileEntry, opts Options, progress func(Progress)) (retPath string, retErr error) {
	if opts.Name == "" {
		return "", fmt.Errorf("archive name is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	finalPath := filepath.Join(opts.Dir, opts.Name)
	tmpFile, err := os.CreateTemp(opts.Dir, opts.Name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if retErr != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := writeZip(tmpFile, files, opts.CompressionLevel, progress); err != nil {
		return "", err
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	if opts.LocalDestination == "" {
		slog.Info("Archive created", "path", finalPath, "files", len(files))
		return finalPath, nil
	}

	if err := os.MkdirAll(opts.LocalDestination, 0o755); err != nil {
		return "", fmt.Errorf("failed to create local destination: %w", err)
	}
	destPath := filepath.Join(opts.LocalDestination, opts.Name)
	if err := moveFile(finalPath, destPath); err != nil {
		return "", err
	}

	slog.Info("Archive created", "path", destPath, "files", len(files))
	return destPath, nil
}

func writeZip(w io.Writer, files []manifest.FileEntry, level int, progress func(Progress)) (retErr error) {
	bw := bufio.NewWriterSize(w, crypto.BufferSize)
	zw := zip.NewWriter(bw)

	method := zip.Deflate
	if level == 0 {
		method = zip.Store
	} else {
		if level < flate.BestSpeed || level > flate.BestCompression {
			level = flate.DefaultCompression
		}
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bw.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	p := Progress{TotalFiles: len(files)}
	for _, f := range files {
		p.TotalBytes += f.Size
	}

	buf := make([]byte, crypto.BufferSize)
	for _, f := range files {
		n, err := addFile(zw, f, method, buf)
		if err != nil {
			return err
		}

		p.ProcessedFiles++
		p.ProcessedBytes += n
		p.CurrentFile = f.RelativePath
		if progress != nil {
			progress(p)
		}
	}
	return nil
}

func addFile(zw *zip.Writer, f manifest.FileEntry, method uint16, buf []byte) (int64, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", f.Path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", f.Path, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, fmt.Errorf("failed to create zip header for %s: %w", f.RelativePath, err)
	}
	header.Name = f.RelativePath
	header.Method = method

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, fmt.Errorf("failed to write zip header for %s: %w", f.RelativePath, err)
	}

	n, err := io.CopyBuffer(w, src, buf)
	if err != nil {
		return n, fmt.Errorf("failed to archive file %s: %w", f.Path, err)
	}
	return n, nil
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to move archive to %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove moved archive %s: %w", src, err)
	}
	return nil
}

func copyFile(src, dst string) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.CopyBuffer(tmp, in, make([]byte, crypto.BufferSize)); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// List returns the entries of a container in archive order.
func List(archivePath string) ([]Entry, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip file: %w", err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:     f.Name,
			Size:     int64(f.UncompressedSize64),
			Modified: f.Modified,
			Method:   f.Method,
		})
	}
	return entries, nil
}

// Extract writes every file of the container below target and returns the
// number of files written. Entries that would land outside target are
// rejected.
func Extract(archivePath, target string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open zip file: %w", err)
	}
	defer r.Close()

	cleanTarget := filepath.Clean(target)
	if err := os.MkdirAll(cleanTarget, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create restore target: %w", err)
	}

	buf := make([]byte, crypto.BufferSize)
	count := 0
	for _, f := range r.File {
		dest := filepath.Join(cleanTarget, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, cleanTarget+string(os.PathSeparator)) {
			return count, fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			slog.Warn("Skipping symlink entry", "name", f.Name)
			continue
		}

		if err := extractFile(f, dest, buf); err != nil {
			return count, err
		}
		count++
	}

	slog.Info("Archive extracted", "archive", archivePath, "target", cleanTarget, "files", count)
	return count, nil
}

func extractFile(f *zip.File, dest string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	// Replace rather than write through anything already at dest.
	_ = os.Remove(dest)
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.CopyBuffer(out, rc, buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}

	if !f.Modified.IsZero() {
		os.Chtimes(dest, f.Modified, f.Modified)
	}
	return nil
}
