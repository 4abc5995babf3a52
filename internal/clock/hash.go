package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// HashFile computes the SHA-256 hex digest of a file's contents, used
// by the watcher to dedup write events that don't actually change
// content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes, used for
// preprocessor-defines and content-addressed cache keys.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DependencyMeta folds into a dependency hash: a dependency's identity,
// modification time, and size.
type DependencyMeta struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// FoldDependencyHash combines a base source hash with the metadata of
// each dependency into a single stable digest. Order-stable given a
// stable dependency ordering.
func FoldDependencyHash(sourceHash string, deps []DependencyMeta) string {
	h := sha256.New()
	h.Write([]byte(sourceHash))
	for _, d := range deps {
		h.Write([]byte(d.Name))
		h.Write([]byte(d.ModTime.UTC().Format(time.RFC3339Nano)))
		fmt.Fprintf(h, "%d", d.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}
