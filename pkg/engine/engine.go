// Package engine runs the create, extract and sweep commands for one
// profile. It ties the walker, matcher, change detector, archive codec and
// ledger together; every per-file failure is recorded in the RunReport and
// the run goes on with the next file.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/rumar/pkg/config"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/hints"
	"github.com/paulschiretz/rumar/pkg/ledger"
	"github.com/paulschiretz/rumar/pkg/lockfile"
	"github.com/paulschiretz/rumar/pkg/metrics"
	"github.com/paulschiretz/rumar/pkg/pathmatch"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/preflight"
)

// Options are the collaborators and knobs of an Engine. The zero value is
// usable.
type Options struct {
	// Stores shares ledger handles between engines. Defaults to a private
	// cache that is closed by Engine.Close.
	Stores *StoreCache
	// Confirmer is asked before extract overwrites a file. Defaults to a
	// console prompt.
	Confirmer Confirmer
	// SweepWorkers is the number of concurrent deletions during sweep.
	SweepWorkers int
	// ProgressInterval enables periodic progress logging when positive.
	ProgressInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine executes commands for one profile.
type Engine struct {
	settings     config.Settings
	matcher      *pathmatch.Matcher
	stores       *StoreCache
	ownStores    bool
	confirm      Confirmer
	sweepWorkers int
	progress     time.Duration
	now          func() time.Time
}

// New builds an engine for s.
func New(s config.Settings, opts Options) (*Engine, error) {
	m, err := pathmatch.New(s.Filters())
	if err != nil {
		return nil, fmt.Errorf("invalid filters for profile %s: %w", s.Profile, err)
	}
	e := &Engine{
		settings:     s,
		matcher:      m,
		stores:       opts.Stores,
		confirm:      opts.Confirmer,
		sweepWorkers: opts.SweepWorkers,
		progress:     opts.ProgressInterval,
		now:          opts.Now,
	}
	if e.stores == nil {
		e.stores = NewStoreCache()
		e.ownStores = true
	}
	if e.confirm == nil {
		e.confirm = NewConsoleConfirmer(os.Stdin, os.Stdout)
	}
	if e.sweepWorkers < 1 {
		e.sweepWorkers = 4
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Close releases the ledger handles the engine opened itself.
func (e *Engine) Close() error {
	if e.ownStores {
		return e.stores.Close()
	}
	return nil
}

// Settings returns the profile settings the engine runs with.
func (e *Engine) Settings() config.Settings {
	return e.settings
}

// RunReport is the outcome of one command for one profile.
type RunReport struct {
	Profile string
	Command flagparse.Command
	Metrics *metrics.RunMetrics
	// Failures are per-file errors. They did not stop the run.
	Failures []error
}

func newReport(profile string, cmd flagparse.Command) *RunReport {
	return &RunReport{Profile: profile, Command: cmd, Metrics: &metrics.RunMetrics{}}
}

func (r *RunReport) fail(err error) {
	r.Failures = append(r.Failures, err)
	r.Metrics.AddFailed(1)
}

// prepare checks the profile's directories for cmd. A profile that cannot
// be processed is reported with a hint so that other profiles still run.
func (e *Engine) prepare(cmd flagparse.Command) error {
	s := &e.settings
	bak := s.BackupBaseDirForProfile
	if err := preflight.CheckNesting(s.SourceDir, bak); err != nil {
		return err
	}
	if cmd == flagparse.Create {
		if err := preflight.CheckSourceDir(s.SourceDir); err != nil {
			return hints.Wrap(fmt.Errorf("skipping profile %s: %w", s.Profile, err))
		}
	}
	if err := preflight.CheckBackupDir(bak); err != nil {
		if !hints.IsHint(err) {
			return hints.Wrap(fmt.Errorf("skipping profile %s: %w", s.Profile, err))
		}
		plog.Warn("Backup directory looks suspicious", "profile", s.Profile, "warning", err)
	}
	if cmd == flagparse.Create {
		if err := preflight.EnsureWritable(bak); err != nil {
			return hints.Wrap(fmt.Errorf("skipping profile %s: %w", s.Profile, err))
		}
		return nil
	}
	if info, err := os.Stat(bak); err != nil || !info.IsDir() {
		return hints.Newf("skipping profile %s: no backup directory at %s", s.Profile, bak)
	}
	return nil
}

// lock takes the profile lock in the backup dir. A lock held by another
// live process skips the profile.
func (e *Engine) lock(ctx context.Context, cmd flagparse.Command) (*lockfile.Lock, error) {
	s := &e.settings
	plog.Debug("Attempting to acquire lock", "path", s.BackupBaseDirForProfile)
	l, err := lockfile.Acquire(ctx, s.BackupBaseDirForProfile, s.Profile, cmd.String())
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return nil, hints.Wrap(fmt.Errorf("skipping profile %s: %w", s.Profile, err))
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")
	return l, nil
}

func (e *Engine) beginRun(ctx context.Context) (*ledger.Run, error) {
	s := &e.settings
	store, err := e.stores.Get(ctx, s.DBPath)
	if err != nil {
		return nil, err
	}
	run, err := store.BeginRun(ctx, s.Profile, s.SourceDir, s.BackupBaseDirForProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	plog.Debug("Run started", "profile", s.Profile, "run", run.DatetimeISO)
	return run, nil
}

func (e *Engine) startProgress(m metrics.Metrics, msg string) func() {
	if e.progress <= 0 || plog.IsQuiet() {
		return func() {}
	}
	m.StartProgress(msg, e.progress)
	return m.StopProgress
}
