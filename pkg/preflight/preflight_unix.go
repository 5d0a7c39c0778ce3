//go:build !windows

package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/rumar/pkg/util"
)

func checkVolumeExists(string) error { return nil }

// onSystemDisk reports whether path shares a device with "/". Paths under
// the home directory are never reported.
func onSystemDisk(path string) (bool, error) {
	if home, err := os.UserHomeDir(); err == nil && util.IsUnder(path, home) {
		return false, nil
	}
	if path == "/" {
		return false, nil
	}
	var root, target unix.Stat_t
	if err := unix.Stat("/", &root); err != nil {
		return false, fmt.Errorf("failed to stat root: %w", err)
	}
	if err := unix.Stat(path, &target); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return root.Dev == target.Dev, nil
}
