package archivecodec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeSource(t *testing.T, dir, name string, content []byte, mtime time.Time) (string, os.FileInfo) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
	info, err := os.Lstat(p)
	if err != nil {
		t.Fatalf("lstat failed: %v", err)
	}
	return p, info
}

func TestWriteAndOpenMember_AllFormats(t *testing.T) {
	content := bytes.Repeat([]byte("rumar archive content "), 500)
	mtime := time.Date(2023, 4, 30, 9, 48, 20, 872144000, time.Local)

	testCases := []struct {
		name   string
		policy Policy
	}{
		{"tar", Policy{Format: Tar}},
		{"tar.gz", Policy{Format: TarGz, Level: 3}},
		{"tar.bz2", Policy{Format: TarBz2, Level: 9}},
		{"tar.xz", Policy{Format: TarXz}},
		{"tar.zst", Policy{Format: TarZst, Level: 3}},
		{"zipx deflate", Policy{Format: Zipx, Level: 6}},
		{"zipx stored", Policy{Format: Zipx, Store: true}},
		{"zipx aes", Policy{Format: Zipx, Level: 3, Password: "secret"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srcDir, bakDir := t.TempDir(), t.TempDir()
			src, info := writeSource(t, srcDir, "notes.txt", content, mtime)
			archivePath := filepath.Join(bakDir, "notes.txt", "x~1"+tc.policy.Format.Suffix())

			size, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "notes.txt", Info: info}, tc.policy)
			if err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			st, err := os.Stat(archivePath)
			if err != nil {
				t.Fatalf("archive not created: %v", err)
			}
			if st.Size() != size {
				t.Errorf("reported size %d, file size %d", size, st.Size())
			}

			m, err := OpenMember(archivePath, tc.policy.Password)
			if err != nil {
				t.Fatalf("OpenMember failed: %v", err)
			}
			defer m.Close()
			if m.Name != "notes.txt" {
				t.Errorf("expected member notes.txt, got %q", m.Name)
			}
			if m.ModTime.Unix() != mtime.Unix() {
				t.Errorf("expected member mtime %v, got %v", mtime, m.ModTime)
			}
			got, err := io.ReadAll(m)
			if err != nil {
				t.Fatalf("read member failed: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(content))
			}
		})
	}
}

func TestWrite_NoTempFilesLeftBehind(t *testing.T) {
	srcDir, bakDir := t.TempDir(), t.TempDir()
	src, info := writeSource(t, srcDir, "a.txt", []byte("abc"), time.Now().Add(-time.Hour))
	archivePath := filepath.Join(bakDir, "a.txt", "x~3.tar.gz")

	if _, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "a.txt", Info: info}, Policy{Format: TarGz, Level: 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(archivePath))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "x~3.tar.gz" {
		t.Errorf("expected only the archive in the container, got %v", entries)
	}
}

func TestWrite_SourceChangedIsRejected(t *testing.T) {
	srcDir, bakDir := t.TempDir(), t.TempDir()
	src, info := writeSource(t, srcDir, "a.txt", []byte("abc"), time.Now().Add(-time.Hour))
	// Grow the file after it was listed.
	if err := os.WriteFile(src, []byte("abcdef"), 0644); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(bakDir, "a.txt", "x~3.tar")

	_, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "a.txt", Info: info}, Policy{Format: Tar})
	if !errors.Is(err, ErrSourceChanged) {
		t.Fatalf("expected ErrSourceChanged, got %v", err)
	}
	if _, statErr := os.Stat(archivePath); !os.IsNotExist(statErr) {
		t.Errorf("archive should not exist after a failed write")
	}
}

func TestExtractMember(t *testing.T) {
	srcDir, bakDir, restoreDir := t.TempDir(), t.TempDir(), t.TempDir()
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	src, info := writeSource(t, srcDir, "report.doc", []byte("hello"), mtime)
	archivePath := filepath.Join(bakDir, "report.doc", "x~5.tar.zst")
	if _, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "report.doc", Info: info}, Policy{Format: TarZst, Level: 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	t.Run("restores content and mtime", func(t *testing.T) {
		target := filepath.Join(restoreDir, "sub", "report.doc")
		n, err := ExtractMember(context.Background(), archivePath, target, "", mtime)
		if err != nil {
			t.Fatalf("ExtractMember failed: %v", err)
		}
		if n != 5 {
			t.Errorf("expected 5 bytes written, got %d", n)
		}
		got, _ := os.ReadFile(target)
		if string(got) != "hello" {
			t.Errorf("unexpected content %q", got)
		}
		st, _ := os.Stat(target)
		if !st.ModTime().Equal(mtime) {
			t.Errorf("expected mtime %v, got %v", mtime, st.ModTime())
		}
	})

	t.Run("member name mismatch", func(t *testing.T) {
		target := filepath.Join(restoreDir, "other.doc")
		_, err := ExtractMember(context.Background(), archivePath, target, "", mtime)
		var mismatch *MemberMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected MemberMismatchError, got %v", err)
		}
		if mismatch.Member != "report.doc" {
			t.Errorf("unexpected member %q", mismatch.Member)
		}
		if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
			t.Errorf("target should not be created on mismatch")
		}
	})
}

func TestSymlinkRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	srcDir, bakDir, restoreDir := t.TempDir(), t.TempDir(), t.TempDir()
	link := filepath.Join(srcDir, "current")
	if err := os.Symlink("releases/v1", link); err != nil {
		t.Fatal(err)
	}
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatal(err)
	}
	p := Options{Format: Zipx}.PolicyFor("current", true)
	archivePath := filepath.Join(bakDir, "current", "x~11~LNK"+p.Format.Suffix())
	if _, err := Write(context.Background(), archivePath, Entry{SrcPath: link, MemberName: "current", Info: info}, p); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	target := filepath.Join(restoreDir, "current")
	if _, err := ExtractMember(context.Background(), archivePath, target, "", time.Now()); err != nil {
		t.Fatalf("ExtractMember failed: %v", err)
	}
	got, err := os.Readlink(target)
	if err != nil {
		t.Fatalf("expected a symlink: %v", err)
	}
	if got != "releases/v1" {
		t.Errorf("expected link target releases/v1, got %q", got)
	}
}

func TestEncryptedZip_KeepsModTimeAndMode(t *testing.T) {
	srcDir, bakDir := t.TempDir(), t.TempDir()
	mtime := time.Date(2021, 11, 7, 23, 15, 41, 0, time.UTC)
	src, info := writeSource(t, srcDir, "k.kdbx", []byte("vault content"), mtime)
	archivePath := filepath.Join(bakDir, "k.kdbx", "x~5.zipx")
	if _, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "k.kdbx", Info: info}, Policy{Format: Zipx, Password: "pw"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m, err := OpenMember(archivePath, "pw")
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	defer m.Close()
	if !m.ModTime.Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, m.ModTime)
	}
	if !m.Mode.IsRegular() || m.Mode.Perm() != info.Mode().Perm() {
		t.Errorf("expected mode %v, got %v", info.Mode(), m.Mode)
	}
	got, err := io.ReadAll(m)
	if err != nil {
		t.Fatalf("read member failed: %v", err)
	}
	if string(got) != "vault content" {
		t.Errorf("content mismatch: %q", got)
	}

	target := filepath.Join(t.TempDir(), "k.kdbx")
	if _, err := ExtractMember(context.Background(), archivePath, target, "pw", mtime); err != nil {
		t.Fatalf("ExtractMember failed: %v", err)
	}
	st, err := os.Stat(target)
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if !st.ModTime().Equal(mtime) {
		t.Errorf("extracted mtime %v, want %v", st.ModTime(), mtime)
	}
}

func TestOpenMember_EncryptedWithoutPassword(t *testing.T) {
	srcDir, bakDir := t.TempDir(), t.TempDir()
	src, info := writeSource(t, srcDir, "k.kdbx", []byte("vault"), time.Now().Add(-time.Hour))
	archivePath := filepath.Join(bakDir, "k.kdbx", "x~5.zipx")
	if _, err := Write(context.Background(), archivePath, Entry{SrcPath: src, MemberName: "k.kdbx", Info: info}, Policy{Format: Zipx, Password: "pw"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := OpenMember(archivePath, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestPolicyFor(t *testing.T) {
	opts := Options{
		Format:                TarXz,
		Level:                 5,
		NoCompressionSuffixes: map[string]struct{}{"jpg": {}, "zip": {}},
	}
	testCases := []struct {
		name      string
		file      string
		isSymlink bool
		opts      Options
		want      Policy
	}{
		{"symlink", "link", true, opts, Policy{Format: TarGz, Level: SymlinkLevel}},
		{"compressible", "notes.txt", false, opts, Policy{Format: TarXz, Level: 5}},
		{"already compressed, case-insensitive", "IMG.JPG", false, opts, Policy{Format: Tar}},
		{"plain tar configured", "notes.txt", false, Options{Format: Tar, Level: 5}, Policy{Format: Tar}},
		{"zipx stores compressed content", "a.zip", false, Options{Format: Zipx, Level: 5, Password: "p", NoCompressionSuffixes: opts.NoCompressionSuffixes}, Policy{Format: Zipx, Level: 5, Password: "p", Store: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.opts.PolicyFor(tc.file, tc.isSymlink); got != tc.want {
				t.Errorf("PolicyFor(%q) = %+v, want %+v", tc.file, got, tc.want)
			}
		})
	}
}

func TestFormatFromName(t *testing.T) {
	testCases := []struct {
		name   string
		want   Format
		wantOK bool
	}{
		{"2023-04-30_09,48,20.872144+02,00~123.tar.gz", TarGz, true},
		{"x~1.tar", Tar, true},
		{"x~1.tar.zst", TarZst, true},
		{"x~1.zipx", Zipx, true},
		{"x~1.b2", "", false},
		{"x~1.zip", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FormatFromName(tc.name)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("FormatFromName(%q) = %q, %v; want %q, %v", tc.name, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}
