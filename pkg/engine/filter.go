package engine

import (
	"path"
	"strings"

	"github.com/paulschiretz/rumar/pkg/pathmatch"
	"github.com/paulschiretz/rumar/pkg/walker"
)

// archiveTree applies a source filter to the mirrored tree of a backup dir,
// where every source file became a directory holding its archives.
type archiveTree struct {
	m *pathmatch.Matcher
}

var _ walker.Filter = archiveTree{}

// IncludeDir accepts source directories as well as archive containers,
// which carry the name of a source file.
func (a archiveTree) IncludeDir(rel string) bool {
	return a.m.IncludeDir(rel) || a.m.IncludeFile(rel)
}

// IncludeFile judges an archive by the source file its container stands
// for. The file regexes also see the archive's own path, so that a pattern
// on the archive name, e.g. one for first-of-month archives, keeps archives
// out of a sweep.
func (a archiveTree) IncludeFile(rel string) bool {
	container := path.Dir(rel)
	if container == "." {
		return true
	}
	return a.m.CanIncludeFile(container) && a.m.MatchFileRegexAny(container, rel)
}

// includesSource reports whether the source file at rel would be walked by
// m: every ancestor directory must be included as well as the file.
func includesSource(m *pathmatch.Matcher, rel string) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if !m.IncludeDir(strings.Join(parts[:i], "/")) {
			return false
		}
	}
	return m.IncludeFile(rel)
}
