package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/rumar/pkg/archivecodec"
	"github.com/paulschiretz/rumar/pkg/archivename"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/ledger"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

// ExtractOptions tune Extract.
type ExtractOptions struct {
	// Directory replaces the source dir as the extraction root.
	Directory string
	// TopArchiveDir limits extraction to archives below it. It must lie in
	// the profile's backup dir.
	TopArchiveDir string
	// Overwrite replaces existing files without asking.
	Overwrite bool
	// MetaDiff only reports how existing files differ from their latest
	// archive; nothing is extracted.
	MetaDiff bool
}

// Extract restores the latest archive of every source file the ledger knows
// about and that was not deleted.
func (e *Engine) Extract(ctx context.Context, opts ExtractOptions) (*RunReport, error) {
	s := &e.settings
	report := newReport(s.Profile, flagparse.Extract)
	if err := e.prepare(flagparse.Extract); err != nil {
		return report, err
	}

	directory, topArchiveDir, err := e.resolveExtractDirs(opts)
	if err != nil {
		return report, err
	}

	lock, err := e.lock(ctx, flagparse.Extract)
	if err != nil {
		return report, err
	}
	defer lock.Release()

	run, err := e.beginRun(ctx)
	if err != nil {
		return report, err
	}
	targets, err := run.LatestArchivesAndTargets(ctx, topArchiveDir, directory)
	if err != nil {
		return report, err
	}
	plog.Info("Starting extract", "profile", s.Profile, "archives", len(targets), "overwrite", opts.Overwrite, "meta_diff", opts.MetaDiff)

	useFilters := s.UsesFilters(flagparse.Extract)
	stop := e.startProgress(report.Metrics, "Extract progress")
	defer stop()

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("extract of profile %s stopped: %w", s.Profile, err)
		}
		if useFilters && !includesSource(e.matcher, t.RelPath) {
			plog.Debug("Skipping filtered source", "path", t.RelPath)
			continue
		}
		if err := e.extractOne(ctx, run, t, opts, report); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			plog.Error("Failed to extract file", "path", t.RelPath, "error", err)
			report.fail(fmt.Errorf("%s: %w", t.RelPath, err))
		}
	}
	report.Metrics.LogSummary(fmt.Sprintf("Extract of profile %s finished", s.Profile))
	return report, nil
}

func (e *Engine) resolveExtractDirs(opts ExtractOptions) (directory, topArchiveDir string, err error) {
	if opts.Directory != "" {
		if directory, err = util.ExpandedAbsPath(opts.Directory); err != nil {
			return "", "", fmt.Errorf("invalid directory %s: %w", opts.Directory, err)
		}
	}
	if opts.TopArchiveDir != "" {
		if topArchiveDir, err = util.ExpandedAbsPath(opts.TopArchiveDir); err != nil {
			return "", "", fmt.Errorf("invalid top archive dir %s: %w", opts.TopArchiveDir, err)
		}
		if !util.IsUnder(topArchiveDir, e.settings.BackupBaseDirForProfile) {
			return "", "", fmt.Errorf("top archive dir %s is not in the backup dir %s", topArchiveDir, e.settings.BackupBaseDirForProfile)
		}
	}
	return directory, topArchiveDir, nil
}

func (e *Engine) extractOne(ctx context.Context, run *ledger.Run, t ledger.Target, opts ExtractOptions, report *RunReport) error {
	archivePath, ok, err := e.existingArchive(ctx, run, t)
	if err != nil || !ok {
		return err
	}
	id, err := archivename.Decompose(filepath.Base(archivePath))
	if err != nil {
		return err
	}
	mtime, err := id.Mtime()
	if err != nil {
		return err
	}

	current, statErr := os.Lstat(t.TargetPath)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return statErr
	}

	if opts.MetaDiff {
		switch {
		case !exists:
			plog.Notice("MISSING", "path", t.TargetPath, "archive", archivePath)
		case !sameMtime(current, mtime) && current.Size() != id.Size:
			plog.Notice("DIFF", "path", t.TargetPath, "mtime", current.ModTime(), "archived_mtime", mtime, "size", current.Size(), "archived_size", id.Size)
		case current.Size() != id.Size:
			plog.Notice("DIFF", "path", t.TargetPath, "size", current.Size(), "archived_size", id.Size)
		case !sameMtime(current, mtime):
			plog.Notice("DIFF", "path", t.TargetPath, "mtime", current.ModTime(), "archived_mtime", mtime)
		default:
			plog.Debug("Same as archive", "path", t.TargetPath)
		}
		return nil
	}

	if exists && !opts.Overwrite {
		yes, err := e.confirm.Confirm(fmt.Sprintf("%s\n The above file exists. Overwrite it?", t.TargetPath))
		if err != nil {
			return fmt.Errorf("failed to read answer: %w", err)
		}
		if !yes {
			plog.Warn("File exists, skipping", "path", t.TargetPath)
			return nil
		}
	}

	written, err := archivecodec.ExtractMember(ctx, archivePath, t.TargetPath, e.settings.Password, mtime)
	if err != nil {
		return err
	}
	report.Metrics.AddExtracted(1)
	report.Metrics.AddBytesWritten(written)
	plog.Notice("EXTRACT", "path", t.TargetPath, "archive", archivePath)
	return nil
}

func sameMtime(info os.FileInfo, mtime time.Time) bool {
	return info.ModTime().Truncate(time.Microsecond).Equal(mtime)
}

// existingArchive returns the newest archive of t's source that is still
// on disk. Archives found missing are marked deleted in the ledger so that
// the next older one takes their place.
func (e *Engine) existingArchive(ctx context.Context, run *ledger.Run, t ledger.Target) (string, bool, error) {
	archivePath := t.ArchivePath
	for {
		_, err := os.Lstat(archivePath)
		if err == nil {
			return archivePath, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, err
		}
		plog.Warn("Archive missing, trying an older one", "archive", archivePath)
		if err := run.MarkBackupAsDeleted(ctx, archivePath); err != nil {
			return "", false, err
		}
		name, ok, err := run.LatestArchive(ctx, t.RelPath)
		if err != nil {
			return "", false, err
		}
		if !ok {
			plog.Warn("No archive left on disk", "path", t.RelPath)
			return "", false, nil
		}
		next := run.ArchivePath(t.RelPath, name)
		if next == archivePath {
			return "", false, fmt.Errorf("ledger still lists missing archive %s", archivePath)
		}
		archivePath = next
	}
}
