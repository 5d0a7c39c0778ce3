//go:build windows

package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeExists verifies that the drive or share of path is present,
// e.g. "Z:\" for "Z:\backup".
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("volume %s does not exist; is the drive connected?", root)
	}
	return nil
}

func onSystemDisk(string) (bool, error) { return false, nil }
