// Package pathmatch decides which source directories and files take part in
// a run. Matching is done on paths relative to the profile's source root,
// in forward-slash form.
//
// Directories and files pass two layers. The first layer uses top
// directories and file globs:
//
//   - a directory under an excluded top directory is skipped, and so is
//     everything below it;
//   - with no included top directories and no directory-bearing included
//     glob, every directory is walked;
//   - otherwise a directory is walked if it is under an included top
//     directory, or on the way to one (transit), or may hold files of an
//     included glob with a separator. Such a relative glob matches the
//     trailing segments of a path, so it keeps every directory walkable;
//     an absolute glob keeps only its directory portion and the way to it;
//   - a file matching an excluded glob is skipped;
//   - with no included top directories and no included globs, every file
//     is taken; otherwise a file is taken if it matches an included glob or
//     is under an included top directory. Files directly inside a transit
//     directory are not taken.
//
// The second layer applies the regex lists to the relative path with a
// leading slash. A non-empty include list must match; an exclude match
// always wins.
package pathmatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

// Filters are the per-profile filter lists. Top dirs are relative to the
// source root and use '/' as separator. Globs are relative, or absolute
// paths below Root.
type Filters struct {
	// Root is the absolute source root. Absolute globs need it.
	Root                 string
	IncludedTopDirs      []string
	ExcludedTopDirs      []string
	IncludedFilesAsGlob  []string
	ExcludedFilesAsGlob  []string
	IncludedDirsAsRegex  []*regexp.Regexp
	ExcludedDirsAsRegex  []*regexp.Regexp
	IncludedFilesAsRegex []*regexp.Regexp
	ExcludedFilesAsRegex []*regexp.Regexp
}

// Matcher evaluates Filters. It is immutable and safe for concurrent use.
type Matcher struct {
	includedTops []string
	excludedTops []string
	included     []glob
	excluded     []glob
	dirGlobs     []glob
	root         []string
	rooted       bool

	incDirsRx, excDirsRx   []*regexp.Regexp
	incFilesRx, excFilesRx []*regexp.Regexp

	foldCase bool
}

// Option customizes a Matcher.
type Option func(*Matcher)

// WithCaseFolding forces case-insensitive glob and top directory matching.
// By default it follows util.IsHostCaseInsensitiveFS.
func WithCaseFolding(fold bool) Option {
	return func(m *Matcher) { m.foldCase = fold }
}

// New validates and pre-analyzes f.
func New(f Filters, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		foldCase:   util.IsHostCaseInsensitiveFS(),
		incDirsRx:  f.IncludedDirsAsRegex,
		excDirsRx:  f.ExcludedDirsAsRegex,
		incFilesRx: f.IncludedFilesAsRegex,
		excFilesRx: f.ExcludedFilesAsRegex,
	}
	for _, opt := range opts {
		opt(m)
	}

	if f.Root != "" {
		m.root = split(m.normalize(util.NormalizePath(f.Root)))
		m.rooted = true
	}
	var err error
	if m.includedTops, err = m.normalizeTops(f.IncludedTopDirs); err != nil {
		return nil, err
	}
	if m.excludedTops, err = m.normalizeTops(f.ExcludedTopDirs); err != nil {
		return nil, err
	}
	for _, p := range f.IncludedFilesAsGlob {
		g, err := m.compileGlob(p)
		if err != nil {
			return nil, err
		}
		m.included = append(m.included, g)
		if g.dirSegments() != nil {
			m.dirGlobs = append(m.dirGlobs, g)
		}
	}
	for _, p := range f.ExcludedFilesAsGlob {
		g, err := m.compileGlob(p)
		if err != nil {
			return nil, err
		}
		m.excluded = append(m.excluded, g)
	}
	return m, nil
}

func (m *Matcher) compileGlob(pattern string) (glob, error) {
	g, err := compileGlob(pattern, m.foldCase)
	if err != nil {
		return glob{}, err
	}
	if g.absolute && !m.rooted {
		return glob{}, fmt.Errorf("absolute glob %q needs a source root", pattern)
	}
	return g, nil
}

func (m *Matcher) normalizeTops(tops []string) ([]string, error) {
	out := make([]string, 0, len(tops))
	for _, t := range tops {
		if _, err := FindSep(t); err != nil {
			return nil, err
		}
		n := m.normalize(strings.ReplaceAll(t, `\`, "/"))
		if n == "" {
			return nil, fmt.Errorf("top directory %q resolves to the source root", t)
		}
		out = append(out, n)
	}
	return out, nil
}

// normalize turns a relative path into the comparison form: forward
// slashes, no leading or trailing slash, "." and ".." resolved.
func (m *Matcher) normalize(rel string) string {
	segs := make([]string, 0, 8)
	for _, s := range strings.Split(rel, "/") {
		switch s {
		case "", ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, s)
		}
	}
	n := strings.Join(segs, "/")
	if m.foldCase {
		n = strings.ToLower(n)
	}
	return n
}

func split(n string) []string {
	if n == "" {
		return nil
	}
	return strings.Split(n, "/")
}

// isUnder reports whether n equals top or lies below it, segment-wise.
func isUnder(n, top string) bool {
	return n == top || strings.HasPrefix(n, top+"/")
}

// CanIncludeDir applies the top directory and glob layer to a directory.
func (m *Matcher) CanIncludeDir(relPath string) bool {
	n := m.normalize(relPath)
	for _, top := range m.excludedTops {
		if isUnder(n, top) {
			plog.Trace("|D skipping: matches excluded_top_dirs", "dir", relPath, "top", top)
			return false
		}
	}
	if len(m.includedTops) == 0 && len(m.dirGlobs) == 0 {
		return true
	}
	segs := split(n)
	for _, g := range m.dirGlobs {
		if g.matchDir(segs, m.root) {
			plog.Trace("=D matches the directory of an included glob", "dir", relPath, "glob", g.pattern)
			return true
		}
	}
	for _, top := range m.includedTops {
		if isUnder(n, top) || isUnder(top, n) || n == "" {
			plog.Trace("=D matches included_top_dirs", "dir", relPath, "top", top)
			return true
		}
	}
	plog.Trace("|D skipping: matches neither included_top_dirs nor a glob directory", "dir", relPath)
	return false
}

// CanExcludeDir is the negation of CanIncludeDir.
func (m *Matcher) CanExcludeDir(relPath string) bool {
	return !m.CanIncludeDir(relPath)
}

// CanIncludeFile applies the top directory and glob layer to a file.
func (m *Matcher) CanIncludeFile(relPath string) bool {
	n := m.normalize(relPath)
	segs := split(n)
	for _, g := range m.excluded {
		if g.matchFile(segs, m.root) {
			plog.Trace("|F skipping: matches excluded_files_as_glob", "file", relPath, "glob", g.pattern)
			return false
		}
	}
	for _, top := range m.excludedTops {
		if isUnder(n, top) {
			return false
		}
	}
	if len(m.includedTops) == 0 && len(m.included) == 0 {
		return true
	}
	for _, g := range m.included {
		if g.matchFile(segs, m.root) {
			plog.Trace("=F matches included_files_as_glob", "file", relPath, "glob", g.pattern)
			return true
		}
	}
	for _, top := range m.includedTops {
		if strings.HasPrefix(n, top+"/") {
			plog.Trace("=F matches included_top_dirs", "file", relPath, "top", top)
			return true
		}
	}
	plog.Trace("|F skipping: matches neither included_top_dirs nor included_files_as_glob", "file", relPath)
	return false
}

// CanExcludeFile is the negation of CanIncludeFile.
func (m *Matcher) CanExcludeFile(relPath string) bool {
	return !m.CanIncludeFile(relPath)
}

// MatchDirRegex applies the regex layer to a directory.
func (m *Matcher) MatchDirRegex(relPath string) bool {
	return matchRegexLayer(withLeadingSlash(relPath), m.incDirsRx, m.excDirsRx, "d")
}

// MatchFileRegex applies the regex layer to a file.
func (m *Matcher) MatchFileRegex(relPath string) bool {
	return matchRegexLayer(withLeadingSlash(relPath), m.incFilesRx, m.excFilesRx, "f")
}

// MatchFileRegexAny applies the regex layer to several paths standing for
// one file: an include regex may match any of them, an exclude regex
// matching any of them rejects the file.
func (m *Matcher) MatchFileRegexAny(relPaths ...string) bool {
	if len(m.incFilesRx) > 0 {
		matched := false
		for _, p := range relPaths {
			if matchRegexLayer(withLeadingSlash(p), m.incFilesRx, nil, "f") {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range relPaths {
		if !matchRegexLayer(withLeadingSlash(p), nil, m.excFilesRx, "f") {
			return false
		}
	}
	return true
}

// IncludeDir combines both layers for a directory.
func (m *Matcher) IncludeDir(relPath string) bool {
	return m.CanIncludeDir(relPath) && m.MatchDirRegex(relPath)
}

// IncludeFile combines both layers for a file.
func (m *Matcher) IncludeFile(relPath string) bool {
	return m.CanIncludeFile(relPath) && m.MatchFileRegex(relPath)
}

func matchRegexLayer(p string, include, exclude []*regexp.Regexp, kind string) bool {
	if len(include) > 0 {
		matched := false
		for _, rx := range include {
			if rx.MatchString(p) {
				matched = true
				break
			}
		}
		if !matched {
			plog.Trace("|"+kind+" skipping: none of the included regexes matches", "path", p)
			return false
		}
	}
	for _, rx := range exclude {
		if rx.MatchString(p) {
			plog.Trace("|"+kind+" skipping: matches excluded regex", "path", p, "regex", rx.String())
			return false
		}
	}
	return true
}

func withLeadingSlash(rel string) string {
	if strings.HasPrefix(rel, "/") {
		return rel
	}
	return "/" + rel
}
