package walker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"

	"github.com/paulschiretz/rumar/pkg/pathmatch"
	"github.com/paulschiretz/rumar/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetQuiet(true)
	os.Exit(m.Run())
}

// makeTree creates files (relative, forward slash) below a new temp dir.
func makeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func rels(t *testing.T, root string, paths []string) []string {
	t.Helper()
	out := make([]string, len(paths))
	for i, p := range paths {
		r, err := filepath.Rel(root, p)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = filepath.ToSlash(r)
	}
	return out
}

func TestAllFiles_Order(t *testing.T) {
	root := makeTree(t,
		"abc(2).txt", "abc.txt", "ABC.md", "b.txt",
		"sub/z.txt", "sub/a.txt",
		"a-dir/x.bin",
	)
	w := New(nil)
	got, err := w.AllFiles(context.Background(), root)
	if err != nil {
		t.Fatalf("AllFiles failed: %v", err)
	}
	want := []string{
		"ABC.md", "abc.txt", "abc(2).txt", "b.txt",
		"a-dir/x.bin",
		"sub/a.txt", "sub/z.txt",
	}
	if !slices.Equal(rels(t, root, got), want) {
		t.Errorf("unexpected order:\n got %v\nwant %v", rels(t, root, got), want)
	}
	if w.Cache().Len() == 0 {
		t.Errorf("expected lstat cache to be populated")
	}
}

func TestAllFiles_SymlinkToDirIsAFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	root := makeTree(t, "real/inside.txt")
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	got, err := New(nil).AllFiles(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"link", "real/inside.txt"}
	if !slices.Equal(rels(t, root, got), want) {
		t.Errorf("got %v, want %v", rels(t, root, got), want)
	}
}

func TestMatchingFiles(t *testing.T) {
	root := makeTree(t,
		"root.txt",
		"A/a.txt", "A/B/b.txt", "A/B/C/c.txt", "A/B/C/D/d.txt", "A/X/x.txt",
		"AA/file10.txt", "AA/file2.txt",
	)

	testCases := []struct {
		name    string
		filters pathmatch.Filters
		want    []string
	}{
		{
			name:    "three level transit",
			filters: pathmatch.Filters{IncludedTopDirs: []string{"A/B/C"}},
			want:    []string{"A/B/C/c.txt", "A/B/C/D/d.txt"},
		},
		{
			name:    "included top and included glob",
			filters: pathmatch.Filters{IncludedTopDirs: []string{"AA"}, IncludedFilesAsGlob: []string{"*10.*"}},
			want:    []string{"AA/file10.txt", "AA/file2.txt"},
		},
		{
			name:    "excluded top prunes subtree",
			filters: pathmatch.Filters{ExcludedTopDirs: []string{"A/B"}},
			want:    []string{"root.txt", "A/a.txt", "A/X/x.txt", "AA/file10.txt", "AA/file2.txt"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := pathmatch.New(tc.filters, pathmatch.WithCaseFolding(false))
			if err != nil {
				t.Fatal(err)
			}
			got, err := New(nil).MatchingFiles(context.Background(), root, m)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(rels(t, root, got), tc.want) {
				t.Errorf("got %v, want %v", rels(t, root, got), tc.want)
			}
		})
	}
}

func TestWalk_MissingRoot(t *testing.T) {
	if _, err := New(nil).AllFiles(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("expected error for a missing root")
	}
}

func TestWalk_Canceled(t *testing.T) {
	root := makeTree(t, "a.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).AllFiles(ctx, root); err == nil {
		t.Errorf("expected context error")
	}
}

func TestSplitStemSuffix(t *testing.T) {
	testCases := []struct{ in, stem, suffix string }{
		{"abc.txt", "abc", ".txt"},
		{"archive.tar.gz", "archive.tar", ".gz"},
		{".bashrc", ".bashrc", ""},
		{"..x.y", "..x", ".y"},
		{"noext", "noext", ""},
		{"trailing.", "trailing", "."},
	}
	for _, tc := range testCases {
		stem, suffix := SplitStemSuffix(tc.in)
		if stem != tc.stem || suffix != tc.suffix {
			t.Errorf("SplitStemSuffix(%q) = %q, %q; want %q, %q", tc.in, stem, suffix, tc.stem, tc.suffix)
		}
	}
}

func TestSortByStemThenSuffix(t *testing.T) {
	paths := []string{"/x/abc(2).txt", "/y/ABC.txt", "/x/abc.md"}
	SortByStemThenSuffix(paths)
	want := []string{"/x/abc.md", "/y/ABC.txt", "/x/abc(2).txt"}
	if !slices.Equal(paths, want) {
		t.Errorf("got %v, want %v", paths, want)
	}
}

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator()
	if _, dup := d.FindDuplicate("/s/report.pdf", 100); dup {
		t.Fatalf("first file can not be a duplicate")
	}
	testCases := []struct {
		path string
		size int64
		want bool
	}{
		{"/s/other/Report (1).PDF", 100, true},
		{"/s/report.pdf.bak", 100, false},
		{"/s/report-v2.pdf", 101, false},
		{"/s/summary.pdf", 100, false},
	}
	for _, tc := range testCases {
		orig, dup := d.FindDuplicate(tc.path, tc.size)
		if dup != tc.want {
			t.Errorf("FindDuplicate(%q) = %v, want %v", tc.path, dup, tc.want)
		}
		if dup && orig != "/s/report.pdf" {
			t.Errorf("expected original /s/report.pdf, got %q", orig)
		}
	}
	d.Reset()
	if _, dup := d.FindDuplicate("/s/report (1).pdf", 100); dup {
		t.Errorf("expected empty index after Reset")
	}
}

func TestIsIgnorable(t *testing.T) {
	root := makeTree(t, "plain.txt")
	info, err := os.Lstat(filepath.Join(root, "plain.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if IsIgnorable(info) {
		t.Errorf("regular file must not be ignorable")
	}
}
