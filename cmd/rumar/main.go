package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/rumar/cmd"
	"github.com/paulschiretz/rumar/pkg/buildinfo"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(os.Stdout)
	case flagparse.ListProfiles:
		return cmd.RunListProfiles(os.Stdout, flagMap)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())
	switch command {
	case flagparse.Create:
		return cmd.RunCreate(ctx, flagMap)
	case flagparse.Extract:
		return cmd.RunExtract(ctx, flagMap)
	case flagparse.Sweep:
		return cmd.RunSweep(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %d", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		plog.Warn("Received signal, stopping after the current file", "signal", sig)
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
