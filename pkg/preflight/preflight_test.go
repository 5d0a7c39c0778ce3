package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/rumar/pkg/hints"
)

func TestCheckSourceDir(t *testing.T) {
	t.Run("existing directory", func(t *testing.T) {
		if err := CheckSourceDir(t.TempDir()); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
	t.Run("missing", func(t *testing.T) {
		err := CheckSourceDir(filepath.Join(t.TempDir(), "nope"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected a does-not-exist error, got %v", err)
		}
	})
	t.Run("file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "f.txt")
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		err := CheckSourceDir(f)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected a not-a-directory error, got %v", err)
		}
	})
}

func TestCheckBackupDir(t *testing.T) {
	t.Run("missing path below existing parent", func(t *testing.T) {
		err := CheckBackupDir(filepath.Join(t.TempDir(), "a", "b"))
		if err != nil && !hints.IsHint(err) {
			t.Errorf("expected no hard error, got %v", err)
		}
	})
	t.Run("file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "f.txt")
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		err := CheckBackupDir(f)
		if err == nil || hints.IsHint(err) {
			t.Errorf("expected a hard error for a file, got %v", err)
		}
	})
}

func TestEnsureWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backup", "profile")
	if err := EnsureWritable(dir); err != nil {
		t.Fatalf("EnsureWritable failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected the write test to leave nothing behind, found %d entries", len(entries))
	}
}

func TestCheckNesting(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	testCases := []struct {
		name    string
		backup  string
		wantErr bool
	}{
		{"same dir", src, true},
		{"inside", filepath.Join(src, "backup"), true},
		{"sibling with common prefix", src + "-backup", false},
		{"elsewhere", filepath.Join(filepath.Dir(src), "bak"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := CheckNesting(src, tc.backup); (err != nil) != tc.wantErr {
				t.Errorf("expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}
