package archivecodec

import (
	"fmt"
	"io"
	"os"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// nopWriteCloser adapts a plain tar stream to the compressor interface.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w with the stream compressor of a tar format.
func newCompressor(w io.Writer, f Format, level int) (io.WriteCloser, error) {
	switch f {
	case Tar:
		return nopWriteCloser{w}, nil
	case TarGz:
		gz, err := pgzip.NewWriterLevel(w, clamp(level, pgzip.NoCompression, pgzip.BestCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gz, nil
	case TarBz2:
		bz, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: clamp(level, bzip2.BestSpeed, bzip2.BestCompression)})
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 writer: %w", err)
		}
		return bz, nil
	case TarXz:
		// xz presets are not exposed by the encoder; the level is ignored.
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		return xw, nil
	case TarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("not a tar format: %s", f)
	}
}

// newDecompressor is the reading counterpart of newCompressor.
func newDecompressor(r io.Reader, f Format) (io.ReadCloser, error) {
	switch f {
	case Tar:
		return io.NopCloser(r), nil
	case TarGz:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	case TarBz2:
		bz, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bzip2 stream: %w", err)
		}
		return bz, nil
	case TarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		return io.NopCloser(xr), nil
	case TarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("not a tar format: %s", f)
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// secureFileOpen opens absFilePath and verifies it is still the file
// described by expected. A swapped inode or a changed size would produce a
// corrupt or misleading archive.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("%w: replaced after it was listed: %s", ErrSourceChanged, absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: size changed: %s", ErrSourceChanged, absFilePath)
	}
	return f, nil
}
