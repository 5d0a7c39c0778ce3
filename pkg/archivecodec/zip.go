package archivecodec

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	aeszip "github.com/yeka/zip"
)

// zipEncryptedFlag is bit 0 of the general purpose flags.
const zipEncryptedFlag = 0x1

func writeZip(w io.Writer, e Entry, p Policy) (retErr error) {
	if e.Info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symlinks are archived as tar, not zipx: %s", e.SrcPath)
	}
	src, err := secureFileOpen(e.SrcPath, e.Info)
	if err != nil {
		return err
	}
	defer src.Close()

	if p.Password != "" {
		return writeEncryptedZip(w, src, e, p)
	}

	zw := zip.NewWriter(w)
	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
	}()
	level := clamp(p.Level, flate.NoCompression, flate.BestCompression)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	header, err := zip.FileInfoHeader(e.Info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", e.MemberName, err)
	}
	header.Name = e.MemberName
	header.Method = zip.Deflate
	if p.Store {
		header.Method = zip.Store
	}
	fw, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", e.MemberName, err)
	}
	return copyChunked(fw, src)
}

// writeEncryptedZip writes a WinZip AES-256 entry. The AES writer always
// deflates, so Store has no effect here. The AES writer cannot carry a
// modification time, so the entry is spooled first and then copied raw
// with the source's mtime and mode stamped on its header.
func writeEncryptedZip(w io.Writer, src io.Reader, e Entry, p Policy) error {
	spool, err := os.CreateTemp("", "rumar-*.zipx")
	if err != nil {
		return fmt.Errorf("failed to create zip spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	aw := aeszip.NewWriter(spool)
	fw, err := aw.Encrypt(e.MemberName, p.Password, aeszip.AES256Encryption)
	if err != nil {
		return fmt.Errorf("failed to create encrypted zip entry for %s: %w", e.MemberName, err)
	}
	if err := copyChunked(fw, src); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("zip writer close failed: %w", err)
	}
	size, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	return copyZipEntryRaw(w, spool, size, e.Info.ModTime(), e.Info.Mode())
}

// copyZipEntryRaw copies the single entry of the zip in r to w without
// decrypting it, replacing the header's modification time and mode.
func copyZipEntryRaw(w io.Writer, r io.ReaderAt, size int64, mtime time.Time, mode os.FileMode) (retErr error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("failed to reopen zip spool: %w", err)
	}
	if len(zr.File) != 1 {
		return fmt.Errorf("zip spool holds %d entries, want 1", len(zr.File))
	}
	zf := zr.File[0]
	raw, err := zf.OpenRaw()
	if err != nil {
		return err
	}

	fh := zf.FileHeader
	mtime = mtime.UTC()
	fh.Modified = mtime
	fh.ModifiedDate, fh.ModifiedTime = msDosDateTime(mtime)
	fh.Extra = append(fh.Extra, extendedTimestamp(mtime)...)
	fh.SetMode(mode)

	zw := zip.NewWriter(w)
	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
	}()
	out, err := zw.CreateRaw(&fh)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", fh.Name, err)
	}
	_, err = io.Copy(out, raw)
	return err
}

// msDosDateTime encodes t in the MS-DOS date and time fields (2s resolution).
func msDosDateTime(t time.Time) (date, tm uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	tm = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, tm
}

// extendedTimestamp returns the Info-ZIP extended timestamp extra field
// (0x5455) holding t as the modification time.
func extendedTimestamp(t time.Time) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint16(buf[0:], 0x5455)
	binary.LittleEndian.PutUint16(buf[2:], 5)
	buf[4] = 1
	binary.LittleEndian.PutUint32(buf[5:], uint32(t.Unix()))
	return buf
}

// openZipMember opens the single entry of a zipx archive, switching to the
// AES reader when the entry is encrypted.
func openZipMember(archivePath, password string) (*Member, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip %s: %w", archivePath, err)
	}
	if len(zr.File) == 0 {
		zr.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, archivePath)
	}
	zf := zr.File[0]
	if zf.Flags&zipEncryptedFlag == 0 {
		rc, err := zf.Open()
		if err != nil {
			zr.Close()
			return nil, fmt.Errorf("failed to open zip member of %s: %w", archivePath, err)
		}
		return &Member{
			Name:    zf.Name,
			Size:    int64(zf.UncompressedSize64),
			ModTime: zf.Modified,
			Mode:    zf.Mode(),
			Reader:  rc,
			closers: []io.Closer{rc, zr},
		}, nil
	}
	mtime := zf.Modified
	zr.Close()

	if password == "" {
		return nil, fmt.Errorf("%w: %s", ErrPasswordRequired, archivePath)
	}
	ar, err := aeszip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted zip %s: %w", archivePath, err)
	}
	if len(ar.File) == 0 {
		ar.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, archivePath)
	}
	af := ar.File[0]
	af.SetPassword(password)
	rc, err := af.Open()
	if err != nil {
		ar.Close()
		return nil, fmt.Errorf("failed to decrypt zip member of %s: %w", archivePath, err)
	}
	return &Member{
		Name:    af.Name,
		Size:    int64(af.UncompressedSize64),
		ModTime: mtime,
		Mode:    af.Mode(),
		Reader:  rc,
		closers: []io.Closer{rc, ar},
	}, nil
}
