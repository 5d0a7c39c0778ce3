package cmd

import (
	"context"

	"github.com/paulschiretz/rumar/pkg/engine"
	"github.com/paulschiretz/rumar/pkg/flagparse"
)

// sweepWorkers is the number of concurrent deletions per profile.
const sweepWorkers = 4

// RunSweep removes the archives of the selected profiles that exceed their
// retention policy.
func RunSweep(ctx context.Context, flagMap map[string]any) error {
	selected, err := selectProfiles(flagMap)
	if err != nil {
		return err
	}
	dryRun, _ := flagMap["dry-run"].(bool)

	stores := engine.NewStoreCache()
	defer stores.Close()
	opts := engine.Options{Stores: stores, SweepWorkers: sweepWorkers}

	var errs []error
	for _, s := range selected {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		errs = append(errs, runProfile(ctx, flagparse.Sweep, s, opts, func(ctx context.Context, e *engine.Engine) (*engine.RunReport, error) {
			return e.Sweep(ctx, dryRun)
		}))
	}
	return summarize(errs)
}
