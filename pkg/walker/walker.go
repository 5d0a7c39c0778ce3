// Package walker lists the files below a root directory in a stable,
// depth-first order: the files of a directory first, sorted by lower-cased
// stem then lower-cased suffix, then its subdirectories in name order.
//
// Symlinks are reported as files and never followed, also when they point
// to a directory.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/paulschiretz/rumar/pkg/pathmatch"
	"github.com/paulschiretz/rumar/pkg/plog"
)

// Filter is the subset of *pathmatch.Matcher the walker consults. Paths are
// relative to the walk root, forward-slash separated.
type Filter interface {
	IncludeDir(relPath string) bool
	IncludeFile(relPath string) bool
}

var _ Filter = (*pathmatch.Matcher)(nil)

// VisitFunc is called for every file yielded by a walk.
type VisitFunc func(path string, info os.FileInfo) error

// Walker traverses directories, caching every Lstat in its LstatCache.
type Walker struct {
	cache *LstatCache
}

func New(cache *LstatCache) *Walker {
	if cache == nil {
		cache = NewLstatCache()
	}
	return &Walker{cache: cache}
}

// Cache returns the walker's lstat cache.
func (w *Walker) Cache() *LstatCache {
	return w.cache
}

// Walk visits the files below root. A nil filter visits everything. An
// unreadable subdirectory is logged and skipped; an unreadable root is an
// error. Returning an error from fn stops the walk.
func (w *Walker) Walk(ctx context.Context, root string, filter Filter, fn VisitFunc) error {
	root = filepath.Clean(root)
	info, err := w.cache.Lstat(root)
	if err != nil {
		return fmt.Errorf("cannot walk %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot walk %s: not a directory", root)
	}
	return w.walkDir(ctx, root, root, filter, fn)
}

func (w *Walker) walkDir(ctx context.Context, root, dir string, filter Filter, fn VisitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if dir == root {
			return fmt.Errorf("cannot read %s: %w", dir, err)
		}
		plog.Warn("Skipping unreadable directory", "dir", dir, "error", err)
		return nil
	}

	type file struct {
		path      string
		stem, ext string
		info      os.FileInfo
	}
	var files []file
	var dirs []string

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			plog.Debug("Skipping entry that disappeared", "path", p, "error", err)
			continue
		}
		w.cache.Store(p, info)
		info, _ = w.cache.Lstat(p)

		rel := relSlash(root, p)
		if info.IsDir() {
			if filter != nil && !filter.IncludeDir(rel) {
				continue
			}
			dirs = append(dirs, p)
			continue
		}
		if filter != nil && !filter.IncludeFile(rel) {
			continue
		}
		stem, ext := SplitStemSuffix(e.Name())
		files = append(files, file{path: p, stem: strings.ToLower(stem), ext: strings.ToLower(ext), info: info})
	}

	slices.SortStableFunc(files, func(a, b file) int {
		if c := strings.Compare(a.stem, b.stem); c != 0 {
			return c
		}
		return strings.Compare(a.ext, b.ext)
	})
	for _, f := range files {
		if err := fn(f.path, f.info); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := w.walkDir(ctx, root, d, filter, fn); err != nil {
			return err
		}
	}
	return nil
}

// AllFiles returns every file below root.
func (w *Walker) AllFiles(ctx context.Context, root string) ([]string, error) {
	return w.collect(ctx, root, nil)
}

// MatchingFiles returns the files below root accepted by filter.
func (w *Walker) MatchingFiles(ctx context.Context, root string, filter Filter) ([]string, error) {
	return w.collect(ctx, root, filter)
}

func (w *Walker) collect(ctx context.Context, root string, filter Filter) ([]string, error) {
	var out []string
	err := w.Walk(ctx, root, filter, func(path string, _ os.FileInfo) error {
		out = append(out, path)
		return nil
	})
	return out, err
}

// SplitStemSuffix splits a base name into stem and suffix the way
// "name.tar.gz" -> ("name.tar", ".gz"). Leading dots belong to the stem,
// so ".bashrc" has no suffix.
func SplitStemSuffix(name string) (stem, suffix string) {
	trimmed := strings.TrimLeft(name, ".")
	i := strings.LastIndex(trimmed, ".")
	if i <= 0 {
		return name, ""
	}
	cut := len(name) - len(trimmed) + i
	return name[:cut], name[cut:]
}

// SortByStemThenSuffix sorts paths by the lower-cased stem, then the
// lower-cased suffix of their base names, so "abc.txt" comes before
// "abc(2).txt".
func SortByStemThenSuffix(paths []string) {
	slices.SortStableFunc(paths, func(a, b string) int {
		as, ae := SplitStemSuffix(filepath.Base(a))
		bs, be := SplitStemSuffix(filepath.Base(b))
		if c := strings.Compare(strings.ToLower(as), strings.ToLower(bs)); c != 0 {
			return c
		}
		return strings.Compare(strings.ToLower(ae), strings.ToLower(be))
	})
}

// IsIgnorable reports whether a file can not be archived: sockets, doors,
// named pipes and device nodes.
func IsIgnorable(info os.FileInfo) bool {
	if info.Mode()&(fs.ModeSocket|fs.ModeNamedPipe|fs.ModeDevice|fs.ModeCharDevice) != 0 {
		return true
	}
	return isDoor(info)
}

func relSlash(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
