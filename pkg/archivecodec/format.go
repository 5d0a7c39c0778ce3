package archivecodec

import (
	"fmt"
	"strings"

	"github.com/paulschiretz/rumar/pkg/util"
)

// Format is the container format of an archive file. Its string form is the
// file name suffix without the leading dot.
type Format string

const (
	Tar    Format = "tar"
	TarGz  Format = "tar.gz"
	TarBz2 Format = "tar.bz2"
	TarXz  Format = "tar.xz"
	TarZst Format = "tar.zst"
	Zipx   Format = "zipx"
)

var formatToString = map[Format]string{
	Tar:    "tar",
	TarGz:  "tar.gz",
	TarBz2: "tar.bz2",
	TarXz:  "tar.xz",
	TarZst: "tar.zst",
	Zipx:   "zipx",
}

var stringToFormat map[string]Format

// suffixesLongestFirst lets FormatFromName prefer ".tar.gz" over ".tar".
var suffixesLongestFirst = []Format{TarGz, TarBz2, TarXz, TarZst, Zipx, Tar}

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_archive_format(%s)", string(f))
}

// Suffix returns the file name suffix including the leading dot.
func (f Format) Suffix() string {
	return "." + string(f)
}

// IsTar reports whether the format is a (possibly compressed) tar stream.
func (f Format) IsTar() bool {
	return f != Zipx && f.Valid()
}

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	_, ok := formatToString[f]
	return ok
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[strings.TrimPrefix(s, ".")]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid archive format: %q. Must be one of 'tar', 'tar.gz', 'tar.bz2', 'tar.xz', 'tar.zst' or 'zipx'", s)
}

// FormatFromName returns the format encoded in the suffix of an archive file
// name.
func FormatFromName(name string) (Format, bool) {
	for _, f := range suffixesLongestFirst {
		if strings.HasSuffix(name, f.Suffix()) {
			return f, true
		}
	}
	return "", false
}

// MarshalText implements encoding.TextMarshaler so the format can be written
// to TOML settings files.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(data []byte) error {
	format, err := ParseFormat(string(data))
	if err != nil {
		return err
	}
	*f = format
	return nil
}
