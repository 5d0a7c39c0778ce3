package pathmatch

import (
	"fmt"
	"path"
	"strings"
)

// AmbiguousGlobError is returned for a glob that uses both '/' and '\' as
// path separator.
type AmbiguousGlobError struct {
	Pattern string
}

func (e *AmbiguousGlobError) Error() string {
	return fmt.Sprintf("found both a backslash and a slash in %q - expected either one or the other", e.Pattern)
}

// FindSep returns the path separator used by a glob, or "" if it has none.
func FindSep(g string) (string, error) {
	hasSlash, hasBackslash := strings.Contains(g, "/"), strings.Contains(g, `\`)
	switch {
	case hasSlash && hasBackslash:
		return "", &AmbiguousGlobError{Pattern: g}
	case hasSlash:
		return "/", nil
	case hasBackslash:
		return `\`, nil
	}
	return "", nil
}

type globMatchType int

const (
	literalMatch globMatchType = iota
	prefixMatch
	suffixMatch
	segmentMatch
)

// glob is a pre-analyzed file glob.
//
// A glob without separator matches the base name; literal, "prefix*" and
// "*suffix" shapes are matched with plain string operations. A relative glob
// with a separator is matched against the trailing segments of the path, so
// "docs/*.md" matches "docs/a.md" as well as "x/docs/a.md". An absolute glob
// must match the whole absolute path. "**" spans any number of segments.
type glob struct {
	pattern   string
	matchType globMatchType
	clean     string
	segments  []string
	basename  bool
	absolute  bool
}

// isAbsGlob reports whether a slash-separated glob starts at a root: "/x"
// or a drive such as "C:/x".
func isAbsGlob(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/' &&
		(p[0] >= 'a' && p[0] <= 'z' || p[0] >= 'A' && p[0] <= 'Z')
}

func compileGlob(pattern string, foldCase bool) (glob, error) {
	sep, err := FindSep(pattern)
	if err != nil {
		return glob{}, err
	}
	p := pattern
	if sep == `\` {
		p = strings.ReplaceAll(p, `\`, "/")
	}
	abs := isAbsGlob(p)
	if abs {
		p = strings.TrimPrefix(path.Clean(p), "/")
	} else {
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
	}
	// Python style negated classes.
	p = strings.ReplaceAll(p, "[!", "[^")
	if foldCase {
		p = strings.ToLower(p)
	}

	g := glob{pattern: pattern, clean: p, basename: sep == "", absolute: abs}
	if !g.basename {
		g.matchType = segmentMatch
		g.segments = strings.Split(p, "/")
		for _, s := range g.segments {
			if _, err := path.Match(s, ""); err != nil {
				return glob{}, fmt.Errorf("invalid glob %q: %w", pattern, err)
			}
		}
		return g, nil
	}

	if _, err := path.Match(p, ""); err != nil {
		return glob{}, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	switch {
	case !strings.ContainsAny(p, "*?["):
		g.matchType = literalMatch
	case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?["):
		g.matchType, g.clean = prefixMatch, strings.TrimSuffix(p, "*")
	case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?["):
		g.matchType, g.clean = suffixMatch, p[1:]
	default:
		g.matchType = segmentMatch
		g.segments = []string{p}
	}
	return g, nil
}

// dirSegments returns the directory portion of a separator glob, i.e. all
// segments but the last. Basename globs and root-level globs have none.
func (g glob) dirSegments() []string {
	if g.basename || len(g.segments) < 2 {
		return nil
	}
	return g.segments[:len(g.segments)-1]
}

// matchFile matches a file given its relative path segments. root holds the
// segments of the source root and is only used by absolute globs.
func (g glob) matchFile(segs, root []string) bool {
	if len(segs) == 0 {
		return false
	}
	if g.basename {
		name := segs[len(segs)-1]
		switch g.matchType {
		case literalMatch:
			return name == g.clean
		case prefixMatch:
			return strings.HasPrefix(name, g.clean)
		case suffixMatch:
			return strings.HasSuffix(name, g.clean)
		default:
			ok, _ := path.Match(g.clean, name)
			return ok
		}
	}
	if g.absolute {
		return matchSegments(g.segments, joinSegments(root, segs), false)
	}
	for i := 0; i < len(segs); i++ {
		if matchSegments(g.segments, segs[i:], false) {
			return true
		}
	}
	return false
}

// matchDir reports whether a directory, given its relative path segments,
// can hold files matching g. A relative glob matches trailing segments, so
// any directory may have a matching descendant. An absolute glob only keeps
// its own directory portion and the directories on the way to it.
func (g glob) matchDir(segs, root []string) bool {
	dirPat := g.dirSegments()
	if dirPat == nil {
		return false
	}
	if !g.absolute {
		return true
	}
	return matchSegments(dirPat, joinSegments(root, segs), true)
}

func joinSegments(root, segs []string) []string {
	full := make([]string, 0, len(root)+len(segs))
	return append(append(full, root...), segs...)
}

// matchSegments matches path segments against pattern segments. With
// partial set, running out of path segments before the pattern is a match:
// the path is an ancestor of something the pattern can match.
func matchSegments(pat, segs []string, partial bool) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// Collapse consecutive "**".
			for len(pat) > 1 && pat[1] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:], partial) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return partial
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
