package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildcache/corecache/internal/config"
	"github.com/buildcache/corecache/internal/corelog"
	"github.com/buildcache/corecache/internal/driver"
	"github.com/buildcache/corecache/internal/localstore"
	"github.com/buildcache/corecache/internal/remotestore"
	_ "github.com/buildcache/corecache/internal/remotestore/cacheprogbackend"
	_ "github.com/buildcache/corecache/internal/remotestore/httpbackend"
	_ "github.com/buildcache/corecache/internal/remotestore/redisbackend"
	"github.com/buildcache/corecache/internal/wrapper"
	"github.com/buildcache/corecache/internal/wrapper/gccwrapper"
	"github.com/buildcache/corecache/internal/wrapper/passthrough"
)

var runCmd = &cobra.Command{
	Use:                "run -- <tool> [args...]",
	Short:              "Run a tool under the cache, replaying a hit or caching a miss",
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	RunE:               runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("corecache: run requires a tool to invoke")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := corelog.Default(cfg.LogLevel)

	local, err := localstore.Open(cfg.Dir, cfg.MaxSizeBytes, localstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("corecache: opening local store: %w", err)
	}

	remote := remotestore.New(logger)
	ctx := context.Background()
	if cfg.RemoteEndpoint != "" {
		if err := remote.Connect(ctx, cfg.RemoteEndpoint); err != nil {
			logger.Warn().Err(err).Msg("remote cache unavailable, continuing with local cache only")
		}
	}

	d := driver.New(driver.Config{
		MaxLocalBytes:   cfg.MaxSizeBytes,
		HardLinks:       cfg.HardLinks,
		CompressOnStore: cfg.CompressOnStore,
		RemoteEndpoint:  cfg.RemoteEndpoint,
		TerminateOnMiss: cfg.TerminateOnMiss,
		AccuracyMode:    cfg.AccuracyMode,
	}, local, remote, logger)

	w := selectWrapper(args, cfg.AccuracyMode)
	outcome := d.Run(ctx, w, os.Stdout, os.Stderr)

	if outcome.FallbackToDirect {
		return directRunFallback(args)
	}
	os.Exit(outcome.ExitCode)
	return nil
}

// selectWrapper dispatches to the most specific Wrapper that claims
// argv, falling back to an always-pass-through wrapper (spec §4.7's
// "wrapper capability interface" is deliberately open to more
// implementations than the one shipped here).
func selectWrapper(args []string, accuracy config.AccuracyMode) wrapper.Wrapper {
	if gccwrapper.CanHandle(args[0]) {
		return gccwrapper.New(args[0], args, accuracy)
	}
	return passthrough.New(args)
}

// directRunFallback re-executes the tool with no cache involvement at
// all, used when the core hit an internal error (spec §7: never turn a
// working build into a broken one).
func directRunFallback(args []string) error {
	w := passthrough.New(args)
	result, err := w.RunForMiss(os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	os.Exit(result.ExitCode)
	return nil
}
