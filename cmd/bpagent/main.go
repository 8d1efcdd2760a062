// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bpagent/lib/config"
	"github.com/bureau-foundation/bpagent/lib/process"
	"github.com/bureau-foundation/bpagent/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("bpagent", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (default $BPAGENT_CONFIG)")
	showVersion := flags.Bool("version", false, "print version information and exit")
	checkOnly := flags.Bool("check", false, "validate the config file and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.ConfigError{Err: err}
	}

	if *showVersion {
		version.Print("bpagent")
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return &process.ConfigError{Err: err}
	}
	if *checkOnly {
		return nil
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return &process.ConfigError{Err: err}
	}
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bpagent",
		"version", version.Info(),
		"node", cfg.Node,
		"environment", cfg.Environment,
		"contacts", len(cfg.Contacts),
		"channels", len(cfg.Channels),
	)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(logConfig config.LogConfig) (*slog.Logger, error) {
	level, err := logConfig.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if logConfig.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
}
