package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

type exampleProfile struct {
	SourceDir           string   `toml:"source_dir" comment:"Directory to back up."`
	IncludedTopDirs     []string `toml:"included_top_dirs" comment:"Only these directories (relative to source_dir) are archived. Empty means all."`
	ExcludedTopDirs     []string `toml:"excluded_top_dirs"`
	ExcludedFilesAsGlob []string `toml:"excluded_files_as_glob" comment:"Patterns without a separator match the file name in any directory."`
}

type exampleDisabledProfile struct {
	SourceDir string `toml:"source_dir"`
}

type exampleFile struct {
	Version                       int      `toml:"version" comment:"Settings format version."`
	BackupBaseDir                 string   `toml:"backup_base_dir" comment:"Each profile is archived into backup_base_dir/<profile> unless backup_base_dir_for_profile is set."`
	ArchiveFormat                 string   `toml:"archive_format" comment:"One of tar, tar.gz, tar.bz2, tar.xz, tar.zst, zipx."`
	CompressionLevel              int      `toml:"compression_level"`
	NoCompressionSuffixes         string   `toml:"no_compression_suffixes" comment:"Added to no_compression_suffixes_default."`
	ChecksumComparisonIfSameSize  bool     `toml:"checksum_comparison_if_same_size" comment:"Compare content when mtime advanced but size did not change."`
	FileDeduplication             bool     `toml:"file_deduplication"`
	MinAgeInDaysOfBackupsToSweep  int      `toml:"min_age_in_days_of_backups_to_sweep"`
	NumberOfBackupsPerDayToKeep   int      `toml:"number_of_backups_per_day_to_keep"`
	NumberOfBackupsPerWeekToKeep  int      `toml:"number_of_backups_per_week_to_keep"`
	NumberOfBackupsPerMonthToKeep int      `toml:"number_of_backups_per_month_to_keep"`
	CommandsWhichUseFilters       []string `toml:"commands_which_use_filters"`

	Documents exampleProfile         `toml:"documents"`
	Disabled  exampleDisabledProfile `toml:"#photos" comment:"Profiles starting with # are ignored."`
}

func newExample() exampleFile {
	return exampleFile{
		Version:                       CurrentVersion,
		BackupBaseDir:                 "~/backup",
		ArchiveFormat:                 "tar.gz",
		CompressionLevel:              3,
		NoCompressionSuffixes:         "",
		MinAgeInDaysOfBackupsToSweep:  2,
		NumberOfBackupsPerDayToKeep:   2,
		NumberOfBackupsPerWeekToKeep:  14,
		NumberOfBackupsPerMonthToKeep: 60,
		CommandsWhichUseFilters:       []string{"create"},
		Documents: exampleProfile{
			SourceDir:           "~/Documents",
			IncludedTopDirs:     []string{},
			ExcludedTopDirs:     []string{"tmp"},
			ExcludedFilesAsGlob: []string{"*.tmp", "~$*"},
		},
		Disabled: exampleDisabledProfile{SourceDir: "~/Pictures"},
	}
}

// Generate writes an example settings file to target. An existing file is
// never overwritten.
func Generate(target string) error {
	absPath, err := util.ExpandedAbsPath(target)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for %s: %w", target, err)
	}
	data, err := toml.Marshal(newExample())
	if err != nil {
		return fmt.Errorf("failed to marshal example settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", absPath, err)
	}
	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, util.UserWritableFilePerms)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("settings file already exists: %s", absPath)
		}
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	plog.Info("Successfully saved example settings file", "path", absPath)
	return nil
}
