package walker

import (
	"path/filepath"
	"strings"
)

// Deduplicator detects files that are likely copies of a file seen earlier
// in the same pass: same lower-cased suffix, same size, and one lower-cased
// stem contains the other ("report.pdf" and "report (1).pdf").
//
// It is per-profile state and must be Reset between profiles.
type Deduplicator struct {
	index map[string]map[int64][]seenFile
}

type seenFile struct {
	stem string
	path string
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{index: make(map[string]map[int64][]seenFile)}
}

// FindDuplicate returns the earlier file path is a duplicate of. When there
// is none, path is registered and ok is false.
func (d *Deduplicator) FindDuplicate(path string, size int64) (original string, ok bool) {
	stem, suffix := SplitStemSuffix(strings.ToLower(filepath.Base(path)))
	bySize := d.index[suffix]
	for _, seen := range bySize[size] {
		if strings.Contains(seen.stem, stem) || strings.Contains(stem, seen.stem) {
			return seen.path, true
		}
	}
	if bySize == nil {
		bySize = make(map[int64][]seenFile)
		d.index[suffix] = bySize
	}
	bySize[size] = append(bySize[size], seenFile{stem: stem, path: path})
	return "", false
}

// Reset forgets all registered files.
func (d *Deduplicator) Reset() {
	clear(d.index)
}
