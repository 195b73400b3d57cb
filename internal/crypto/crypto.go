package crypto

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// BufferSize bounds how much of a file is held in memory while hashing.
const BufferSize = 32 * 1024

// BLAKE3File computes the BLAKE3 hash of a file
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return BLAKE3Reader(f)
}

// BLAKE3Reader streams r through a BLAKE3 digest using a fixed buffer.
func BLAKE3Reader(r io.Reader) (string, error) {
	hasher := blake3.New()
	buf := make([]byte, BufferSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// VerifyFile checks a file against an expected BLAKE3 hex digest.
func VerifyFile(filename, expected string) error {
	actual, err := BLAKE3File(filename)
	if err != nil {
		return fmt.Errorf("failed to calculate BLAKE3: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("BLAKE3 mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
