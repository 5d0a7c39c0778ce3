package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/lockfile"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/retention"
	"github.com/paulschiretz/rumar/pkg/walker"
)

// Sweep removes the archives of the profile that exceed the retention
// policy. With dryRun set, it only reports what it would remove.
func (e *Engine) Sweep(ctx context.Context, dryRun bool) (*RunReport, error) {
	s := &e.settings
	report := newReport(s.Profile, flagparse.Sweep)
	if err := e.prepare(flagparse.Sweep); err != nil {
		return report, err
	}
	lock, err := e.lock(ctx, flagparse.Sweep)
	if err != nil {
		return report, err
	}
	defer lock.Release()

	sweeper := &retention.Sweeper{
		Policy:  s.Retention,
		DryRun:  dryRun,
		Workers: e.sweepWorkers,
		Metrics: report.Metrics,
		Now:     e.now,
	}
	if !dryRun {
		run, err := e.beginRun(ctx)
		if err != nil {
			return report, err
		}
		sweeper.Marker = run
	}

	bak := s.BackupBaseDirForProfile
	w := walker.New(nil)
	var files []string
	if s.UsesFilters(flagparse.Sweep) {
		files, err = w.MatchingFiles(ctx, bak, archiveTree{m: e.matcher})
	} else {
		files, err = w.AllFiles(ctx, bak)
	}
	if err != nil {
		return report, fmt.Errorf("failed to scan %s: %w", bak, err)
	}
	files = e.withoutInternalFiles(files)

	plog.Info("Starting sweep", "profile", s.Profile, "files", len(files), "dry_run", dryRun)
	res, err := sweeper.Sweep(ctx, files)
	if err != nil {
		return report, err
	}
	if dryRun {
		plog.Info("Sweep dry run finished", "profile", s.Profile, "would_remove", len(res.Removals))
		return report, nil
	}
	if res.Failed > 0 {
		report.Failures = append(report.Failures, fmt.Errorf("failed to remove %d archives", res.Failed))
	}
	report.Metrics.LogSummary(fmt.Sprintf("Sweep of profile %s finished", s.Profile))
	return report, nil
}

// withoutInternalFiles drops the lock file and the database files, which
// may share the backup dir with the archives.
func (e *Engine) withoutInternalFiles(files []string) []string {
	db := filepath.Clean(e.settings.DBPath)
	internal := map[string]bool{db: true, db + "-wal": true, db + "-shm": true, db + "-journal": true}
	out := files[:0]
	for _, f := range files {
		if internal[f] || lockfile.IsLockArtifact(filepath.Base(f)) {
			continue
		}
		out = append(out, f)
	}
	return out
}
