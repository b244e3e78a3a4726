// SPDX-License-Identifier: BSD-3-Clause

// Command spallocd runs the board-allocation daemon.
//
// Usage:
//
//	spallocd CONFIG_FILE [--cold-start|-c] [-q]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cirello.io/oversight/v2"
	"github.com/spf13/cobra"

	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/log"
	"github.com/spalloc/spallocd/pkg/process"
	"github.com/spalloc/spallocd/pkg/version"
	"github.com/spalloc/spallocd/service/allocsrv"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		coldStart bool
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:           "spallocd CONFIG_FILE",
		Short:         "Central allocation daemon for a shared cluster of compute boards",
		Version:       version.Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], coldStart, quiet)
		},
	}
	cmd.Flags().BoolVarP(&coldStart, "cold-start", "c", false,
		"discard any existing state file and start empty")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false,
		"only log warnings and errors to the console")

	return cmd
}

func run(parent context.Context, configPath string, coldStart, quiet bool) error {
	level := slog.LevelDebug
	if quiet {
		level = slog.LevelWarn
	}
	logger := log.NewLoggerAt(level)
	log.RedirectStdLog(logger)

	// An unreadable configuration is fatal here; once the daemon runs, the
	// same failure on a reload keeps the previous configuration instead.
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("configuration %s: %w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := allocsrv.New(
		allocsrv.WithConfigPath(configPath),
		allocsrv.WithColdStart(coldStart),
		allocsrv.WithLogger(logger),
	)

	tree := oversight.New(
		oversight.NeverHalt(),
		oversight.DefaultRestartStrategy(),
		oversight.WithLogger(log.NewOversightLogger(logger)),
	)
	if err := tree.Add(
		process.New(srv),
		oversight.Transient(),
		oversight.Timeout(30*time.Second),
		srv.Name(),
	); err != nil {
		return fmt.Errorf("failed to add %s to supervision tree: %w", srv.Name(), err)
	}

	logger.Info("spallocd starting", "version", version.Version, "config", configPath)
	if err := tree.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
