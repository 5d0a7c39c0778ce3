// Package checksum computes the BLAKE2b-512 content digests used for change
// detection and manages the ".b2" sidecar files that cache them next to
// archives.
package checksum

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/pool"
	"github.com/paulschiretz/rumar/pkg/util"
)

// SidecarThreshold is the file size above which a freshly computed checksum
// is persisted in a sidecar. Smaller files are cheap to rehash.
const SidecarThreshold = 10_000_000

// Compute returns the hex encoded BLAKE2b-512 digest of r, read in
// pool.ChunkSize chunks.
func Compute(r io.Reader) (string, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return "", err
	}
	bufPtr := pool.Chunks.Get()
	defer pool.Chunks.Put(bufPtr)
	buf := *bufPtr
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File hashes the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, err := Compute(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sum, nil
}

// ReadSidecar returns the checksum stored at path. A missing sidecar
// yields ok=false. A zero-byte sidecar is invalid: it is removed and also
// yields ok=false.
func ReadSidecar(path string) (sum string, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	sum = strings.TrimSpace(string(data))
	if sum == "" {
		plog.Warn("Removing empty checksum file", "path", path)
		if err := os.Remove(path); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return sum, true, nil
}

// WriteSidecar stores sum at path, creating the parent directory.
func WriteSidecar(path, sum string) error {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sum), util.UserWritableFilePerms)
}
