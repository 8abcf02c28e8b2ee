package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "swarmcrew",
		Short:         "Run crews of AI agents locally or across a swarm of nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $SWARMCREW_CONFIG or config/swarmcrew.yaml)")

	load := func() (*config.Config, error) {
		var (
			cfg *config.Config
			err error
		)
		if cfgPath != "" {
			cfg, err = config.LoadFile(cfgPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		setupLogging(cfg.LogLevel)
		return cfg, nil
	}

	root.AddCommand(
		newRunCmd(load),
		newManagerCmd(load),
		newNodeCmd(load),
		newRunsCmd(load),
		newBackupCmd(load),
		newRestoreCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "swarmcrew %s\n", version)
			},
		},
	)
	return root
}

type loader func() (*config.Config, error)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(h))
}

// startTracing installs the tracer provider; the returned func flushes it.
func startTracing(cfg config.TelemetryConfig) (func(), error) {
	shutdown, err := telemetry.Setup(cfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}, nil
}
