package cmd

import (
	"context"
	"os"

	"github.com/paulschiretz/rumar/pkg/engine"
	"github.com/paulschiretz/rumar/pkg/flagparse"
)

// RunExtract restores the latest archives of the selected profiles, one
// profile at a time so that overwrite prompts do not interleave.
func RunExtract(ctx context.Context, flagMap map[string]any) error {
	selected, err := selectProfiles(flagMap)
	if err != nil {
		return err
	}

	extractOpts := engine.ExtractOptions{}
	extractOpts.Directory, _ = flagMap["directory"].(string)
	extractOpts.TopArchiveDir, _ = flagMap["top-archive-dir"].(string)
	extractOpts.Overwrite, _ = flagMap["overwrite"].(bool)
	extractOpts.MetaDiff, _ = flagMap["meta-diff"].(bool)

	stores := engine.NewStoreCache()
	defer stores.Close()
	opts := engine.Options{
		Stores:           stores,
		Confirmer:        engine.NewConsoleConfirmer(os.Stdin, os.Stdout),
		ProgressInterval: progressInterval,
	}

	var errs []error
	for _, s := range selected {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		errs = append(errs, runProfile(ctx, flagparse.Extract, s, opts, func(ctx context.Context, e *engine.Engine) (*engine.RunReport, error) {
			return e.Extract(ctx, extractOpts)
		}))
	}
	return summarize(errs)
}
