package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/paulschiretz/rumar/pkg/archivecodec"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/pathmatch"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/retention"
	"github.com/paulschiretz/rumar/pkg/util"
)

const (
	// FileName is the name of the settings file.
	FileName = "rumar.toml"
	// AppDirName is the directory below the user config dir holding FileName.
	AppDirName = "rumar"
	// DBFileName is the default name of the ledger, created in backup_base_dir.
	DBFileName = "rumar.sqlite"
	// CurrentVersion is the settings format written by Generate.
	CurrentVersion = 2
)

// DefaultNoCompressionSuffixes lists suffixes of files that are already
// compressed and are archived without compression.
const DefaultNoCompressionSuffixes = "7z,zip,zipx,jar,rar,tgz,gz,tbz,bz2,xz,zst,zstd,xlsx,docx,pptx,ods,odt,odp,odg,odb,epub,mobi,png,jpg,gif,mp4,mov,avi,mp3,m4a,aac,ogg,ogv,kdbx"

var supportedVersions = map[int64]bool{1: true, 2: true}

// ignoredKeys are accepted for compatibility with older settings files but
// have no effect.
var ignoredKeys = map[string]bool{"tar_format": true, "zip_compression_method": true}

// Settings is the immutable configuration of one profile. Paths are
// absolute and cleaned, regexes compiled, and defaults applied.
type Settings struct {
	Profile                 string
	SourceDir               string
	BackupBaseDir           string
	BackupBaseDirForProfile string

	// Top dirs are absolute paths below SourceDir.
	IncludedTopDirs      []string
	ExcludedTopDirs      []string
	IncludedDirsAsRegex  []*regexp.Regexp
	ExcludedDirsAsRegex  []*regexp.Regexp
	IncludedFilesAsGlob  []string
	ExcludedFilesAsGlob  []string
	IncludedFilesAsRegex []*regexp.Regexp
	ExcludedFilesAsRegex []*regexp.Regexp

	ArchiveFormat                archivecodec.Format
	CompressionLevel             int
	NoCompressionSuffixesDefault string
	NoCompressionSuffixes        string
	Password                     string

	ChecksumComparisonIfSameSize bool
	FileDeduplication            bool

	Retention retention.Policy

	CommandsWhichUseFilters []flagparse.Command

	DBPath   string
	LogLevel string
}

// UsesFilters reports whether cmd applies the profile filters when it
// walks a tree.
func (s *Settings) UsesFilters(cmd flagparse.Command) bool {
	for _, c := range s.CommandsWhichUseFilters {
		if c == cmd {
			return true
		}
	}
	return false
}

// Filters returns the filter lists in the form pathmatch expects: top dirs
// relative to SourceDir with forward slashes, SourceDir as the root of
// absolute globs.
func (s *Settings) Filters() pathmatch.Filters {
	rel := func(dirs []string) []string {
		out := make([]string, 0, len(dirs))
		for _, d := range dirs {
			r, err := util.RelSlash(s.SourceDir, d)
			if err != nil {
				continue
			}
			out = append(out, r)
		}
		return out
	}
	return pathmatch.Filters{
		Root:                 s.SourceDir,
		IncludedTopDirs:      rel(s.IncludedTopDirs),
		ExcludedTopDirs:      rel(s.ExcludedTopDirs),
		IncludedFilesAsGlob:  s.IncludedFilesAsGlob,
		ExcludedFilesAsGlob:  s.ExcludedFilesAsGlob,
		IncludedDirsAsRegex:  s.IncludedDirsAsRegex,
		ExcludedDirsAsRegex:  s.ExcludedDirsAsRegex,
		IncludedFilesAsRegex: s.IncludedFilesAsRegex,
		ExcludedFilesAsRegex: s.ExcludedFilesAsRegex,
	}
}

// ArchiveOptions returns the archive codec configuration of the profile.
func (s *Settings) ArchiveOptions() archivecodec.Options {
	suffixes := make(map[string]struct{})
	for _, list := range []string{s.NoCompressionSuffixesDefault, s.NoCompressionSuffixes} {
		for _, suffix := range strings.Split(list, ",") {
			suffix = strings.ToLower(strings.TrimLeft(strings.TrimSpace(suffix), "."))
			if suffix != "" {
				suffixes[suffix] = struct{}{}
			}
		}
	}
	return archivecodec.Options{
		Format:                s.ArchiveFormat,
		Level:                 s.CompressionLevel,
		Password:              s.Password,
		NoCompressionSuffixes: suffixes,
	}
}

// Validate checks the settings for logical errors.
func (s *Settings) Validate() error {
	if s.Profile == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if s.SourceDir == "" {
		return fmt.Errorf("source_dir cannot be empty")
	}
	if !filepath.IsAbs(s.SourceDir) {
		return fmt.Errorf("source_dir must be absolute: %s", s.SourceDir)
	}
	if s.BackupBaseDirForProfile == "" {
		return fmt.Errorf("backup_base_dir cannot be empty")
	}
	if !s.ArchiveFormat.Valid() {
		return fmt.Errorf("invalid archive_format: %q", s.ArchiveFormat)
	}
	if s.CompressionLevel < 0 || s.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be between 0 and 9, got %d", s.CompressionLevel)
	}
	if s.Retention.MinAgeDays < 0 {
		return fmt.Errorf("min_age_in_days_of_backups_to_sweep cannot be negative")
	}
	if s.Retention.PerDay < 0 {
		return fmt.Errorf("number_of_backups_per_day_to_keep cannot be negative")
	}
	if s.Retention.PerWeek < 0 {
		return fmt.Errorf("number_of_backups_per_week_to_keep cannot be negative")
	}
	if s.Retention.PerMonth < 0 {
		return fmt.Errorf("number_of_backups_per_month_to_keep cannot be negative")
	}
	for _, c := range s.CommandsWhichUseFilters {
		if !c.UsesFilters() {
			return fmt.Errorf("commands_which_use_filters: %s does not walk a tree", c)
		}
	}
	for _, d := range append(append([]string{}, s.IncludedTopDirs...), s.ExcludedTopDirs...) {
		if d == s.SourceDir || !util.IsUnder(d, s.SourceDir) {
			return fmt.Errorf("top dir %s is not below source_dir %s", d, s.SourceDir)
		}
	}
	if err := validateGlobPatterns("included_files_as_glob", s.IncludedFilesAsGlob); err != nil {
		return err
	}
	if err := validateGlobPatterns("excluded_files_as_glob", s.ExcludedFilesAsGlob); err != nil {
		return err
	}
	if s.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	return nil
}

// LogSummary logs one line describing the profile.
func (s *Settings) LogSummary() {
	logArgs := []any{
		"profile", s.Profile,
		"source_dir", s.SourceDir,
		"backup_dir", s.BackupBaseDirForProfile,
		"archive_format", s.ArchiveFormat,
		"compression_level", s.CompressionLevel,
		"retention", fmt.Sprintf("min_age:%dd d:%d w:%d m:%d",
			s.Retention.MinAgeDays, s.Retention.PerDay, s.Retention.PerWeek, s.Retention.PerMonth),
		"db_path", s.DBPath,
	}
	if s.ChecksumComparisonIfSameSize {
		logArgs = append(logArgs, "checksum_comparison", true)
	}
	if s.FileDeduplication {
		logArgs = append(logArgs, "deduplication", true)
	}
	if s.Password != "" {
		logArgs = append(logArgs, "encrypted", true)
	}
	if len(s.IncludedTopDirs) > 0 {
		logArgs = append(logArgs, "included_top_dirs", strings.Join(s.IncludedTopDirs, ", "))
	}
	if len(s.ExcludedTopDirs) > 0 {
		logArgs = append(logArgs, "excluded_top_dirs", strings.Join(s.ExcludedTopDirs, ", "))
	}
	if len(s.IncludedFilesAsGlob) > 0 {
		logArgs = append(logArgs, "included_files_as_glob", strings.Join(s.IncludedFilesAsGlob, ", "))
	}
	if len(s.ExcludedFilesAsGlob) > 0 {
		logArgs = append(logArgs, "excluded_files_as_glob", strings.Join(s.ExcludedFilesAsGlob, ", "))
	}
	if n := len(s.IncludedDirsAsRegex) + len(s.ExcludedDirsAsRegex) + len(s.IncludedFilesAsRegex) + len(s.ExcludedFilesAsRegex); n > 0 {
		logArgs = append(logArgs, "regexes", n)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns rejects malformed globs and globs mixing separators.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := pathmatch.FindSep(pattern); err != nil {
			return fmt.Errorf("%s: %w", fieldName, err)
		}
		if _, err := path.Match(filepath.ToSlash(pattern), ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// Profiles holds the settings of every active profile of a settings file.
type Profiles struct {
	// Path is the file the profiles were loaded from, if any.
	Path string
	// Skipped lists the profiles disabled with a leading '#'.
	Skipped []string

	names  []string
	byName map[string]Settings
}

// Names returns the active profile names in lexical order.
func (p *Profiles) Names() []string {
	return append([]string(nil), p.names...)
}

// Get returns the settings of the named profile.
func (p *Profiles) Get(name string) (Settings, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// Select returns the settings of the requested profiles, or of all profiles
// when all is set.
func (p *Profiles) Select(names []string, all bool) ([]Settings, error) {
	if all {
		names = p.names
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no profile selected")
	}
	selected := make([]Settings, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		s, ok := p.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown profile %q in %s", name, p.Path)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// DefaultPath returns <user config dir>/rumar/rumar.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(dir, AppDirName, FileName), nil
}

// Load reads and parses the settings file at settingsPath, or at
// DefaultPath when settingsPath is empty.
func Load(settingsPath string) (*Profiles, error) {
	if settingsPath == "" {
		var err error
		if settingsPath, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	absPath, err := util.ExpandedAbsPath(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute path for %s: %w", settingsPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("error reading settings file %s: %w", absPath, err)
	}
	plog.Debug("Loading settings", "path", absPath)
	profiles, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing settings file %s: %w", absPath, err)
	}
	profiles.Path = absPath
	return profiles, nil
}

// Parse builds the profiles of a TOML document. Top-level keys are common
// to every profile; each table is a profile whose keys override them.
func Parse(data []byte) (*Profiles, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	version, ok := doc["version"].(int64)
	if !ok {
		return nil, fmt.Errorf("settings version is missing - expected 1 or 2")
	}
	if !supportedVersions[version] {
		return nil, fmt.Errorf("settings version is %d - expected 1 or 2", version)
	}
	delete(doc, "version")

	common := make(rawSettings)
	tables := make(map[string]map[string]any)
	for key, value := range doc {
		if table, isTable := value.(map[string]any); isTable {
			tables[key] = table
		} else {
			common[key] = value
		}
	}

	p := &Profiles{byName: make(map[string]Settings)}
	var errs []error
	for name, table := range tables {
		if strings.HasPrefix(name, "#") {
			p.Skipped = append(p.Skipped, name)
			continue
		}
		raw := make(rawSettings, len(common)+len(table))
		for k, v := range common {
			raw[k] = v
		}
		for k, v := range table {
			raw[k] = v
		}
		s, err := build(name, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", name, err))
			continue
		}
		p.byName[name] = s
		p.names = append(p.names, name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(p.names)
	sort.Strings(p.Skipped)
	return p, nil
}

// build coerces the merged key/values of one profile into Settings.
func build(profile string, raw rawSettings) (Settings, error) {
	for key := range raw {
		if !knownKeys[key] && !ignoredKeys[key] {
			return Settings{}, fmt.Errorf("unknown setting %q", key)
		}
	}

	s := Settings{Profile: profile}
	b := builder{raw: raw}

	s.SourceDir = b.absPath("source_dir")
	s.BackupBaseDir = b.absPath("backup_base_dir")
	s.BackupBaseDirForProfile = b.absPath("backup_base_dir_for_profile")
	if s.BackupBaseDirForProfile == "" && s.BackupBaseDir != "" {
		s.BackupBaseDirForProfile = filepath.Join(s.BackupBaseDir, profile)
	}

	s.IncludedTopDirs = b.topDirs("included_top_dirs", s.SourceDir)
	s.ExcludedTopDirs = b.topDirs("excluded_top_dirs", s.SourceDir)
	s.IncludedDirsAsRegex = b.regexes("included_dirs_as_regex")
	s.ExcludedDirsAsRegex = b.regexes("excluded_dirs_as_regex")
	s.IncludedFilesAsGlob = b.strList("included_files_as_glob")
	s.ExcludedFilesAsGlob = b.strList("excluded_files_as_glob")
	s.IncludedFilesAsRegex = b.regexes("included_files_as_regex")
	s.ExcludedFilesAsRegex = b.regexes("excluded_files_as_regex")

	s.ArchiveFormat = archivecodec.TarGz
	if f := b.str("archive_format", ""); f != "" {
		format, err := archivecodec.ParseFormat(f)
		if err != nil {
			b.fail("archive_format", err)
		}
		s.ArchiveFormat = format
	}
	s.CompressionLevel = b.integer("compression_level", 3)
	s.NoCompressionSuffixesDefault = b.str("no_compression_suffixes_default", DefaultNoCompressionSuffixes)
	s.NoCompressionSuffixes = b.str("no_compression_suffixes", "")
	s.Password = b.str("password", "")

	s.ChecksumComparisonIfSameSize = b.boolean("checksum_comparison_if_same_size", false)
	s.FileDeduplication = b.boolean("file_deduplication", false)

	s.Retention = retention.Policy{
		MinAgeDays: b.integer("min_age_in_days_of_backups_to_sweep", retention.DefaultPolicy.MinAgeDays),
		PerDay:     b.integer("number_of_backups_per_day_to_keep", retention.DefaultPolicy.PerDay),
		PerWeek:    b.integer("number_of_backups_per_week_to_keep", retention.DefaultPolicy.PerWeek),
		PerMonth:   b.integer("number_of_backups_per_month_to_keep", retention.DefaultPolicy.PerMonth),
	}

	s.CommandsWhichUseFilters = []flagparse.Command{flagparse.Create}
	if _, ok := raw["commands_which_use_filters"]; ok {
		s.CommandsWhichUseFilters = nil
		for _, name := range b.strList("commands_which_use_filters") {
			cmd, err := flagparse.ParseCommand(name)
			if err != nil {
				b.fail("commands_which_use_filters", err)
				continue
			}
			s.CommandsWhichUseFilters = append(s.CommandsWhichUseFilters, cmd)
		}
	}

	s.DBPath = b.absPath("db_path")
	if s.DBPath == "" && s.BackupBaseDir != "" {
		s.DBPath = filepath.Join(s.BackupBaseDir, DBFileName)
	}
	s.LogLevel = b.str("log_level", "")

	if b.err != nil {
		return Settings{}, b.err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MergeWithFlags overlays the flags explicitly provided on the command line
// on top of the settings of a profile.
func MergeWithFlags(base Settings, setFlags map[string]any) Settings {
	merged := base
	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		default:
			plog.Trace("flag does not override settings", "flag", name)
		}
	}
	return merged
}
