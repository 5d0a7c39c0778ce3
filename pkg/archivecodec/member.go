package archivecodec

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

var (
	ErrEmptyArchive     = errors.New("archive has no member")
	ErrPasswordRequired = errors.New("archive is encrypted and no password is configured")
	ErrUnknownFormat    = errors.New("unknown archive format")
)

// MemberMismatchError is returned when the member stored in an archive does
// not carry the name of the file it is being extracted to.
type MemberMismatchError struct {
	Archive string
	Member  string
	Target  string
}

func (e *MemberMismatchError) Error() string {
	return fmt.Sprintf("archived-file name is different than the archive-container-directory name: %s != %s (%s)", e.Member, filepath.Base(e.Target), e.Archive)
}

// Member is the single entry of an opened archive. Reading it yields the
// uncompressed, decrypted content. Symlink members have no content.
type Member struct {
	Name     string
	Size     int64
	ModTime  time.Time
	Mode     os.FileMode
	Linkname string
	io.Reader

	closers []io.Closer
}

// IsSymlink reports whether the member is a symbolic link.
func (m *Member) IsSymlink() bool {
	return m.Mode&os.ModeSymlink != 0 || m.Linkname != ""
}

// Close releases the decompressor and the underlying file.
func (m *Member) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenMember opens the first (and only) member of the archive at archivePath.
// The format is taken from the file name suffix.
func OpenMember(archivePath, password string) (*Member, error) {
	format, ok := FormatFromName(archivePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, archivePath)
	}
	if format == Zipx {
		return openZipMember(archivePath, password)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	dec, err := newDecompressor(f, format)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", archivePath, err)
	}
	tr := tar.NewReader(dec)
	header, err := tr.Next()
	if err == io.EOF {
		dec.Close()
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, archivePath)
	}
	if err != nil {
		dec.Close()
		f.Close()
		return nil, fmt.Errorf("failed to read tar header of %s: %w", archivePath, err)
	}
	return &Member{
		Name:     header.Name,
		Size:     header.Size,
		ModTime:  header.ModTime,
		Mode:     header.FileInfo().Mode(),
		Linkname: header.Linkname,
		Reader:   tr,
		closers:  []io.Closer{dec, f},
	}, nil
}

// ExtractMember writes the member of archivePath to target and stamps it
// with mtime. The member must be named like the target's base name.
// Returns the number of bytes written.
func ExtractMember(ctx context.Context, archivePath, target, password string, mtime time.Time) (written int64, retErr error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m, err := OpenMember(archivePath, password)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if m.Name != filepath.Base(target) {
		return 0, &MemberMismatchError{Archive: archivePath, Member: m.Name, Target: target}
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return 0, fmt.Errorf("failed to create target directory %s: %w", dir, err)
	}
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		return 0, fmt.Errorf("cannot overwrite directory with a file: %s", target)
	}

	if m.IsSymlink() {
		// Remove first so the new link is not created through an old one.
		_ = os.Remove(target)
		if err := os.Symlink(m.Linkname, target); err != nil {
			return 0, err
		}
		plog.Debug("Symlink restored without mtime", "target", target)
		return 0, nil
	}

	tmp, err := os.CreateTemp(dir, ".rumar-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	cw := &countingWriter{w: tmp}
	if err := copyChunked(cw, m); err != nil {
		return 0, fmt.Errorf("failed to extract %s: %w", archivePath, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	// Strip SUID and SGID.
	mode := m.Mode.Perm()
	if mode == 0 {
		mode = util.UserWritableFilePerms
	}
	if err := os.Chmod(tmpPath, util.WithUserReadPermission(util.WithUserWritePermission(mode))); err != nil {
		return 0, err
	}
	_ = os.Remove(target)
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("failed to move extracted file into place: %w", err)
	}
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		plog.Error("error setting mtime", "target", target, "error", err)
	}
	return cw.n, nil
}
