package archivecodec

import (
	"path/filepath"
	"strings"
)

// SymlinkLevel is the gzip level used for symlink archives.
const SymlinkLevel = 3

// Options is the per-profile archive configuration.
type Options struct {
	Format   Format
	Level    int
	Password string
	// NoCompressionSuffixes holds lower-cased suffixes without the dot,
	// e.g. "jpg", "zip".
	NoCompressionSuffixes map[string]struct{}
}

// Policy is the concrete way a single file gets archived.
type Policy struct {
	Format   Format
	Level    int
	Password string
	// Store disables compression inside a zipx container.
	Store bool
}

// PolicyFor picks the policy for the file with the given base name.
// Symlinks always go into a gzipped tar at SymlinkLevel. Already compressed
// content is stored in a plain tar (or an uncompressed zipx).
func (o Options) PolicyFor(name string, isSymlink bool) Policy {
	if isSymlink {
		return Policy{Format: TarGz, Level: SymlinkLevel}
	}
	suffix := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	_, noCompression := o.NoCompressionSuffixes[suffix]
	switch {
	case o.Format == Zipx:
		return Policy{Format: Zipx, Level: o.Level, Password: o.Password, Store: noCompression}
	case noCompression || o.Format == Tar:
		return Policy{Format: Tar}
	default:
		return Policy{Format: o.Format, Level: o.Level}
	}
}
