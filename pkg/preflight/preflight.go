// Package preflight checks a profile's directories before a run touches
// them. Hard failures are returned as errors; doubts that should only be
// reported are returned as hints.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/rumar/pkg/hints"
	"github.com/paulschiretz/rumar/pkg/util"
)

// CheckSourceDir verifies that path is a directory whose entries can be
// listed.
func CheckSourceDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("source directory %s does not exist", path)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open source directory %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cannot list source directory %s: %w", path, err)
	}
	return nil
}

// CheckBackupDir verifies that path is, or can become, a directory. When
// the deepest existing ancestor looks like an unmounted volume, a hint is
// returned.
func CheckBackupDir(path string) error {
	if err := checkVolumeExists(path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("backup path %s is not a directory", path)
		}
		return ghostCheck(path)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("cannot access backup directory %s: %w", path, err)
	}

	ancestor := deepestExisting(path)
	if info, err := os.Stat(ancestor); err != nil {
		return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
	} else if !info.IsDir() {
		return fmt.Errorf("ancestor %s of backup directory is not a directory", ancestor)
	}
	return ghostCheck(ancestor)
}

func deepestExisting(path string) string {
	p := path
	for {
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		if _, err := os.Lstat(parent); err == nil || !errors.Is(err, os.ErrNotExist) {
			return parent
		}
		p = parent
	}
}

func ghostCheck(path string) error {
	onRoot, err := onSystemDisk(path)
	if err != nil {
		return err
	}
	if onRoot {
		return hints.Wrap(fmt.Errorf("%s is on the system disk; is the backup drive mounted?", path))
	}
	return nil
}

// EnsureWritable creates path if needed and proves it writable by creating
// and removing a file in it.
func EnsureWritable(path string) error {
	if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", path, err)
	}
	f, err := os.CreateTemp(path, ".~rumar-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("backup directory %s is not writable: %w", path, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// CheckNesting rejects a backup dir that is the source dir or lies inside
// it, since every run would then archive its own archives.
func CheckNesting(sourceDir, backupDir string) error {
	if util.IsUnder(backupDir, sourceDir) {
		return fmt.Errorf("backup directory %s is inside source directory %s", backupDir, sourceDir)
	}
	return nil
}
