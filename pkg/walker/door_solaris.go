//go:build solaris

package walker

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// isDoor detects illumos/Solaris doors, which os.FileMode does not classify.
func isDoor(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFDOOR
}
