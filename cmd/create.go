package cmd

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/rumar/pkg/engine"
	"github.com/paulschiretz/rumar/pkg/flagparse"
)

// progressInterval is how often long runs log their counters.
const progressInterval = 30 * time.Second

// RunCreate archives the selected profiles. With -workers above one,
// independent profiles run in parallel; profiles sharing a database share
// its handle.
func RunCreate(ctx context.Context, flagMap map[string]any) error {
	selected, err := selectProfiles(flagMap)
	if err != nil {
		return err
	}
	workers, _ := flagMap["workers"].(int)
	if workers < 1 {
		workers = 1
	}

	stores := engine.NewStoreCache()
	defer stores.Close()
	opts := engine.Options{Stores: stores, ProgressInterval: progressInterval}

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, s := range selected {
		g.Go(func() error {
			err := runProfile(gctx, flagparse.Create, s, opts, func(ctx context.Context, e *engine.Engine) (*engine.RunReport, error) {
				return e.Create(ctx)
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			// Only cancellation stops the other profiles.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return summarize(errs)
}
