package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/rumar/pkg/archivename"
	"github.com/paulschiretz/rumar/pkg/metrics"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/walker"
)

// Marker records that an archive was removed from disk.
type Marker interface {
	MarkBackupAsDeleted(ctx context.Context, archivePath string) error
}

// Sweeper applies a Policy to the archives of one profile.
type Sweeper struct {
	Policy  Policy
	DryRun  bool
	Workers int
	// Marker may be nil.
	Marker  Marker
	Metrics metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result describes one sweep.
type Result struct {
	Removals   []Removal
	Removed    int
	Failed     int
	Unexpected []string
}

// Collect turns the files found in a backup dir into candidates old enough
// to sweep. Files that are neither archives nor checksum sidecars are
// returned as unexpected.
func (s *Sweeper) Collect(files []string) (cands []Candidate, unexpected []string) {
	today := s.now()
	sorted := make([]string, 0, len(files))
	for _, f := range files {
		name := filepath.Base(f)
		switch {
		case archivename.IsArchive(name):
			sorted = append(sorted, f)
		case archivename.IsChecksum(name):
		default:
			unexpected = append(unexpected, f)
		}
	}
	walker.SortByStemThenSuffix(sorted)
	for _, f := range sorted {
		name := filepath.Base(f)
		d, err := archivename.Date(name)
		if err != nil {
			unexpected = append(unexpected, f)
			continue
		}
		if s.Policy.Eligible(d, today) {
			cands = append(cands, Candidate{Dir: filepath.Dir(f), Name: name, Date: d})
		}
	}
	return cands, unexpected
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sweep plans and, unless DryRun is set, deletes. A file that cannot be
// deleted is logged and counted; the sweep goes on.
func (s *Sweeper) Sweep(ctx context.Context, files []string) (*Result, error) {
	m := s.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	cands, unexpected := s.Collect(files)
	for _, u := range unexpected {
		plog.Warn("Unexpected file in backup dir (not an archive)", "path", u)
	}
	res := &Result{Unexpected: unexpected, Removals: Plan(cands, s.Policy)}
	plog.Debug("Sweep plan", "candidates", len(cands), "removals", len(res.Removals), "dry_run", s.DryRun)

	action := "REMOVE"
	if s.DryRun {
		action = "[DRY RUN] REMOVE"
	}
	for _, r := range res.Removals {
		plog.Notice(action, "path", r.Path(),
			"month", r.Month, "month_rank", r.MonthRank,
			"week", r.Week, "week_rank", r.WeekRank,
			"day", r.Day, "day_rank", r.DayRank)
	}
	if s.DryRun || len(res.Removals) == 0 {
		return res, nil
	}

	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	var mu sync.Mutex
	var removed []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, r := range res.Removals {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			p := r.Path()
			if err := os.Remove(p); err != nil {
				plog.Warn("Failed to remove archive", "path", p, "error", err)
				m.AddFailed(1)
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return nil
			}
			removeSidecar(p)
			m.AddSwept(1)
			mu.Lock()
			removed = append(removed, p)
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()
	res.Removed = len(removed)

	// The ledger is written from one goroutine.
	if s.Marker != nil {
		for _, p := range removed {
			if err := s.Marker.MarkBackupAsDeleted(ctx, p); err != nil {
				plog.Warn("Failed to record removal in ledger", "path", p, "error", err)
			}
		}
	}
	if waitErr == nil {
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		return res, fmt.Errorf("sweep interrupted: %w", waitErr)
	}
	return res, nil
}

func removeSidecar(archivePath string) {
	name, err := archivename.ChecksumName(filepath.Base(archivePath))
	if err != nil {
		return
	}
	p := filepath.Join(filepath.Dir(archivePath), name)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		plog.Warn("Failed to remove checksum file", "path", p, "error", err)
	}
}
