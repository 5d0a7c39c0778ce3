package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/paulschiretz/rumar/pkg/buildinfo"
	"github.com/paulschiretz/rumar/pkg/config"
	"github.com/paulschiretz/rumar/pkg/engine"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/hints"
	"github.com/paulschiretz/rumar/pkg/plog"
)

// selectProfiles loads the settings file named by -config (or the default
// one) and returns the settings of the profiles picked by -profile or
// -all-profiles, with the flags merged in.
func selectProfiles(flagMap map[string]any) ([]config.Settings, error) {
	path, _ := flagMap["config"].(string)
	profiles, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, name := range profiles.Skipped {
		plog.Debug("Skipping disabled profile", "profile", name)
	}

	names, _ := flagMap["profile"].([]string)
	all, _ := flagMap["all-profiles"].(bool)
	selected, err := profiles.Select(names, all)
	if err != nil {
		return nil, err
	}

	merged := make([]config.Settings, len(selected))
	for i, s := range selected {
		merged[i] = config.MergeWithFlags(s, flagMap)
	}

	// The logger is process wide; the first profile decides unless the
	// level was given on the command line.
	level := merged[0].LogLevel
	if l, ok := flagMap["log-level"].(string); ok {
		level = l
	}
	if level != "" {
		plog.SetLevel(plog.LevelFromString(level))
	}
	for i := range merged {
		merged[i].LogSummary()
	}
	return merged, nil
}

// profileRun executes one command for one profile.
type profileRun func(ctx context.Context, e *engine.Engine) (*engine.RunReport, error)

// runProfile builds an engine for s and runs fn with it. Per-file failures
// are logged as warnings; only errors that stopped the run are returned.
func runProfile(ctx context.Context, cmd flagparse.Command, s config.Settings, opts engine.Options, fn profileRun) error {
	e, err := engine.New(s, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	startTime := time.Now()
	report, err := fn(ctx, e)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	if n := len(report.Failures); n > 0 {
		for _, f := range report.Failures {
			plog.Warn("File failed", "profile", s.Profile, "error", f)
		}
		plog.Warn(buildinfo.Name+" "+cmd.String()+" finished with failures.", "profile", s.Profile, "failures", n, "duration", duration)
		return nil
	}
	plog.Info(buildinfo.Name+" "+cmd.String()+" finished successfully.", "profile", s.Profile, "duration", duration)
	return nil
}

// summarize logs the hints among errs and joins the rest. A profile that
// was skipped for a hint does not fail the command.
func summarize(errs []error) error {
	soft, hard := hints.Split(errs)
	for _, h := range soft {
		plog.Warn(h.Error())
	}
	return errors.Join(hard...)
}
