package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/paulschiretz/rumar/pkg/util"
)

// knownKeys are the settings a profile may carry.
var knownKeys = map[string]bool{
	"source_dir":                          true,
	"backup_base_dir":                     true,
	"backup_base_dir_for_profile":         true,
	"included_top_dirs":                   true,
	"excluded_top_dirs":                   true,
	"included_dirs_as_regex":              true,
	"excluded_dirs_as_regex":              true,
	"included_files_as_glob":              true,
	"excluded_files_as_glob":              true,
	"included_files_as_regex":             true,
	"excluded_files_as_regex":             true,
	"archive_format":                      true,
	"compression_level":                   true,
	"no_compression_suffixes_default":     true,
	"no_compression_suffixes":             true,
	"password":                            true,
	"checksum_comparison_if_same_size":    true,
	"file_deduplication":                  true,
	"min_age_in_days_of_backups_to_sweep": true,
	"number_of_backups_per_day_to_keep":   true,
	"number_of_backups_per_week_to_keep":  true,
	"number_of_backups_per_month_to_keep": true,
	"commands_which_use_filters":          true,
	"db_path":                             true,
	"log_level":                           true,
}

// rawSettings is the decoded TOML of one profile, common keys included.
type rawSettings map[string]any

// builder reads typed values out of rawSettings. The first error is kept
// and later reads become no-ops returning defaults.
type builder struct {
	raw rawSettings
	err error
}

func (b *builder) fail(key string, err error) {
	if b.err == nil {
		b.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (b *builder) str(key, def string) string {
	v, ok := b.raw[key]
	if !ok || b.err != nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		b.fail(key, fmt.Errorf("must be a string, got %T", v))
		return def
	}
	return s
}

func (b *builder) boolean(key string, def bool) bool {
	v, ok := b.raw[key]
	if !ok || b.err != nil {
		return def
	}
	x, ok := v.(bool)
	if !ok {
		b.fail(key, fmt.Errorf("must be a boolean, got %T", v))
		return def
	}
	return x
}

func (b *builder) integer(key string, def int) int {
	v, ok := b.raw[key]
	if !ok || b.err != nil {
		return def
	}
	x, ok := v.(int64)
	if !ok {
		b.fail(key, fmt.Errorf("must be an integer, got %T", v))
		return def
	}
	return int(x)
}

func (b *builder) strList(key string) []string {
	v, ok := b.raw[key]
	if !ok || b.err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		b.fail(key, fmt.Errorf("must be a list of strings, got %T", v))
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			b.fail(key, fmt.Errorf("must be a list of strings, got element %T", item))
			return nil
		}
		out = append(out, s)
	}
	return out
}

// absPath returns the expanded, absolute form of a path setting.
func (b *builder) absPath(key string) string {
	p := b.str(key, "")
	if p == "" {
		return ""
	}
	abs, err := util.ExpandedAbsPath(p)
	if err != nil {
		b.fail(key, err)
		return ""
	}
	return abs
}

// topDirs resolves top dirs against sourceDir. Relative entries are taken
// relative to it.
func (b *builder) topDirs(key, sourceDir string) []string {
	dirs := b.strList(key)
	if len(dirs) == 0 {
		return nil
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		expanded, err := util.ExpandPath(d)
		if err != nil {
			b.fail(key, err)
			return nil
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(sourceDir, expanded)
		}
		out = append(out, filepath.Clean(expanded))
	}
	out = util.MergeAndDeduplicate(out)
	sort.Strings(out)
	return out
}

func (b *builder) regexes(key string) []*regexp.Regexp {
	patterns := b.strList(key)
	if len(patterns) == 0 {
		return nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		rx, err := regexp.Compile(p)
		if err != nil {
			b.fail(key, err)
			return nil
		}
		out = append(out, rx)
	}
	return out
}
