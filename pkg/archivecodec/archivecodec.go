// Package archivecodec writes one file into a single-member archive container
// and reads that member back. Supported containers are plain tar, tar
// compressed with gzip, bzip2, xz or zstd, and zipx (zip, AES encrypted when
// a password is set).
package archivecodec

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/rumar/pkg/pool"
	"github.com/paulschiretz/rumar/pkg/util"
)

// ErrSourceChanged is returned when the source file is modified, replaced
// or resized while it is being archived. The partial archive is discarded.
var ErrSourceChanged = errors.New("source changed during archiving")

// Entry describes the file to archive. Info must come from Lstat so that
// symlinks are stored as links.
type Entry struct {
	SrcPath    string
	MemberName string
	Info       os.FileInfo
}

// Write archives e into archivePath following p. The archive is written to a
// temporary file in the same directory and renamed into place, so a reader
// never sees a partial archive. It returns the size of the archive file.
func Write(ctx context.Context, archivePath string, e Entry, p Policy) (size int64, retErr error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := filepath.Dir(archivePath)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return 0, fmt.Errorf("failed to create archive container %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".rumar-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	cw := &countingWriter{w: tmp}
	bufWriter := bufio.NewWriterSize(cw, pool.ChunkSize)

	if p.Format == Zipx {
		err = writeZip(bufWriter, e, p)
	} else {
		err = writeTar(bufWriter, e, p)
	}
	if err != nil {
		return 0, err
	}
	if err := bufWriter.Flush(); err != nil {
		return 0, fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := verifyUnchanged(e); err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		return 0, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return cw.n, nil
}

// verifyUnchanged re-reads the source metadata after archiving. An mtime or
// size that moved means the archive holds a torn copy.
func verifyUnchanged(e Entry) error {
	after, err := os.Lstat(e.SrcPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceChanged, err)
	}
	if !after.ModTime().Equal(e.Info.ModTime()) || after.Size() != e.Info.Size() {
		return fmt.Errorf("%w: %s", ErrSourceChanged, e.SrcPath)
	}
	return nil
}

func writeTar(w io.Writer, e Entry, p Policy) (retErr error) {
	compressed, err := newCompressor(w, p.Format, p.Level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(compressed)
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressed.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
	}()

	if e.Info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err := os.Readlink(e.SrcPath)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", e.SrcPath, err)
		}
		header, err := tarHeader(e, linkTarget)
		if err != nil {
			return err
		}
		return tw.WriteHeader(header)
	}

	src, err := secureFileOpen(e.SrcPath, e.Info)
	if err != nil {
		return err
	}
	defer src.Close()

	header, err := tarHeader(e, "")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", e.MemberName, err)
	}
	return copyChunked(tw, src)
}

func tarHeader(e Entry, linkTarget string) (*tar.Header, error) {
	header, err := tar.FileInfoHeader(e.Info, linkTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to create tar header for %s: %w", e.MemberName, err)
	}
	header.Name = e.MemberName
	// PAX keeps the sub-second part of the mtime.
	header.Format = tar.FormatPAX
	header.Uname, header.Gname = "", ""
	return header, nil
}

func copyChunked(dst io.Writer, src io.Reader) error {
	bufPtr := pool.Chunks.Get()
	defer pool.Chunks.Put(bufPtr)
	_, err := io.CopyBuffer(dst, src, *bufPtr)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
