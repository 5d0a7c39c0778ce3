// Package changedetect decides whether a source file needs a new archive,
// given its current metadata and the identity of its latest archive.
package changedetect

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/rumar/pkg/archivename"
	"github.com/paulschiretz/rumar/pkg/checksum"
)

// State is the outcome of one evaluation.
type State int

const (
	New State = iota
	Unchanged
	Changed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Unchanged:
		return "UNCHANGED"
	case Changed:
		return "CHANGED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FileState is the live metadata of a source file.
type FileState struct {
	Path      string
	Mtime     time.Time
	Size      int64
	IsSymlink bool
}

// ChecksumSource yields the content checksum of an existing archive's
// member, from a cache when possible.
type ChecksumSource interface {
	LatestChecksum(ctx context.Context, archivePath string) (string, error)
}

// Decision is the result of Detect. Checksum is the live file's checksum
// when one was computed.
type Decision struct {
	State          State
	Checksum       string
	LatestChecksum string
}

// Detector holds the change detection policy of a profile.
type Detector struct {
	// ChecksumIfSameSize enables content comparison for files whose mtime
	// advanced but whose size did not change.
	ChecksumIfSameSize bool
	Checksums          ChecksumSource
	// HashFile hashes a live file. Defaults to checksum.File.
	HashFile func(path string) (string, error)
}

// Detect evaluates cur against latest, the decoded name of the newest
// archive (nil when there is none) stored at latestPath.
//
// An mtime that did not advance is never a change, whatever the size. A
// newer mtime with a different size is a change. A newer mtime with the
// same size is a change only if checksum comparison is enabled and the
// contents differ. Symlinks are never checksummed.
func (d *Detector) Detect(ctx context.Context, cur FileState, latest *archivename.Identity, latestPath string) (Decision, error) {
	if latest == nil {
		return Decision{State: New}, nil
	}
	latestMtime, err := latest.Mtime()
	if err != nil {
		return Decision{}, err
	}
	if !cur.Mtime.After(latestMtime) {
		return Decision{State: Unchanged}, nil
	}
	if cur.Size != latest.Size {
		return Decision{State: Changed}, nil
	}
	if !d.ChecksumIfSameSize || cur.IsSymlink || latest.IsSymlink() {
		return Decision{State: Unchanged}, nil
	}
	if d.Checksums == nil {
		return Decision{}, fmt.Errorf("checksum comparison enabled without a checksum source")
	}

	latestSum, err := d.Checksums.LatestChecksum(ctx, latestPath)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get checksum of %s: %w", latestPath, err)
	}
	hash := d.HashFile
	if hash == nil {
		hash = checksum.File
	}
	sum, err := hash(cur.Path)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to hash %s: %w", cur.Path, err)
	}
	dec := Decision{State: Unchanged, Checksum: sum, LatestChecksum: latestSum}
	if sum != latestSum {
		dec.State = Changed
	}
	return dec, nil
}
