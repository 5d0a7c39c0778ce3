// Package archivename encodes a file's modification time, size and an
// optional comment into the base name of its archive, and decodes them back.
//
//	2023-04-30_09,48,20.872144+02,00~123.tar.gz
//	2023-04-30_09,48,20.872144+02,00~27~LNK.tar.gz
//
// The timestamp is local ISO-8601 with microseconds and UTC offset, with
// ':' replaced by ',' and the date/time separator 'T' by '_'. Every field is
// fixed width and zero padded, so byte order of names equals chronological
// order for archives written under the same UTC offset.
package archivename

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/rumar/pkg/archivecodec"
)

const (
	// Sep separates the fields of an archive name core.
	Sep = "~"
	// LinkComment marks an archive whose member is a symbolic link.
	LinkComment = "LNK"
	// ChecksumSuffix is the suffix of the checksum sidecar of an archive.
	ChecksumSuffix = ".b2"

	isoLayout   = "2006-01-02T15:04:05-07:00"
	isoLayoutUs = "2006-01-02T15:04:05.000000-07:00"
	parseLayout = "2006-01-02T15:04:05.999999-07:00"
	dateLayout  = "2006-01-02"
)

var (
	toName   = strings.NewReplacer(":", ",", "T", "_")
	fromName = strings.NewReplacer(",", ":", "_", "T")
)

// NamingError reports a name that is not a well formed archive name.
type NamingError struct {
	Name   string
	Reason string
}

func (e *NamingError) Error() string {
	return fmt.Sprintf("invalid archive name %q: %s", e.Name, e.Reason)
}

// Identity is the decoded form of an archive name.
type Identity struct {
	MtimeStr string
	Size     int64
	Comment  string
	Format   archivecodec.Format
}

// Name composes the archive base name.
func (id Identity) Name() string {
	return Compose(id.MtimeStr, id.Size, id.Comment, id.Format)
}

// Core is the name without its format suffix.
func (id Identity) Core() string {
	return core(id.MtimeStr, id.Size, id.Comment)
}

// Mtime parses the timestamp field.
func (id Identity) Mtime() (time.Time, error) {
	return ParseMtime(id.MtimeStr)
}

// IsSymlink reports whether the archive holds a symbolic link.
func (id Identity) IsSymlink() bool {
	return id.Comment == LinkComment
}

// FormatMtime renders t in local time the way archive names carry it.
// Sub-microsecond precision is dropped; a zero fraction is omitted.
func FormatMtime(t time.Time) string {
	t = t.Local().Truncate(time.Microsecond)
	layout := isoLayoutUs
	if t.Nanosecond() == 0 {
		layout = isoLayout
	}
	return toName.Replace(t.Format(layout))
}

// ParseMtime is the inverse of FormatMtime.
func ParseMtime(s string) (time.Time, error) {
	t, err := time.Parse(parseLayout, fromName.Replace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid archive timestamp %q: %w", s, err)
	}
	return t, nil
}

func core(mtimeStr string, size int64, comment string) string {
	c := mtimeStr + Sep + strconv.FormatInt(size, 10)
	if comment != "" {
		c += Sep + comment
	}
	return c
}

// Compose builds "{mtimeStr}~{size}[~{comment}].{suffix}".
func Compose(mtimeStr string, size int64, comment string, f archivecodec.Format) string {
	return core(mtimeStr, size, comment) + f.Suffix()
}

// Core strips the archive format suffix from name.
func Core(name string) (string, error) {
	f, ok := archivecodec.FormatFromName(name)
	if !ok {
		return "", &NamingError{Name: name, Reason: "no recognized archive suffix"}
	}
	return strings.TrimSuffix(name, f.Suffix()), nil
}

// Decompose parses an archive base name.
func Decompose(name string) (Identity, error) {
	f, ok := archivecodec.FormatFromName(name)
	if !ok {
		return Identity{}, &NamingError{Name: name, Reason: "no recognized archive suffix"}
	}
	parts := strings.SplitN(strings.TrimSuffix(name, f.Suffix()), Sep, 3)
	if len(parts) < 2 {
		return Identity{}, &NamingError{Name: name, Reason: "missing size field"}
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return Identity{}, &NamingError{Name: name, Reason: "size is not a non-negative integer"}
	}
	if _, err := ParseMtime(parts[0]); err != nil {
		return Identity{}, &NamingError{Name: name, Reason: err.Error()}
	}
	id := Identity{MtimeStr: parts[0], Size: size, Format: f}
	if len(parts) == 3 {
		id.Comment = parts[2]
	}
	return id, nil
}

// IsArchive reports whether name ends in a recognized archive suffix.
func IsArchive(name string) bool {
	_, ok := archivecodec.FormatFromName(name)
	return ok
}

// IsChecksum reports whether name is a checksum sidecar.
func IsChecksum(name string) bool {
	return strings.HasSuffix(name, ChecksumSuffix)
}

// ChecksumName returns the name of the checksum sidecar of an archive.
func ChecksumName(archiveName string) (string, error) {
	c, err := Core(archiveName)
	if err != nil {
		return "", err
	}
	return c + ChecksumSuffix, nil
}

// ChecksumNameFor is ChecksumName for an archive not written yet.
func ChecksumNameFor(mtimeStr string, size int64) string {
	return core(mtimeStr, size, "") + ChecksumSuffix
}

// Date returns the calendar date encoded in the first ten characters of an
// archive name. Names that do not start with a date fail.
func Date(name string) (time.Time, error) {
	if len(name) < len(dateLayout) {
		return time.Time{}, &NamingError{Name: name, Reason: "too short to carry a date"}
	}
	d, err := time.ParseInLocation(dateLayout, name[:len(dateLayout)], time.Local)
	if err != nil {
		return time.Time{}, &NamingError{Name: name, Reason: "does not start with a date"}
	}
	return d, nil
}
