// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/checkpoint/pkg/logging"
	"github.com/AleutianAI/checkpoint/services/checkpoint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/config"
	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
)

// app holds per-invocation state shared by every command.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	styles *styles

	// Persistent flags.
	configPath string
	storeDir   string
	logLevel   string
	jsonOut    bool
	noColor    bool

	// Set by watch before setup runs.
	metricsAddr string

	cfg      *config.Config
	logger   *logging.Logger
	svc      *checkpoint.Service
	shutdown func(context.Context) error
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut, styles: newStyles(out, false)}
}

func (a *app) root() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Snapshot, compare and restore workspace file trees",
		Long: `checkpoint captures the files of a workspace directory into a local,
content-addressed store. Snapshots can be listed, annotated, compared
with each other and restored into any directory.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.SetIn(a.in)
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.checkpoint/checkpoint.yaml)")
	pf.StringVar(&a.storeDir, "store", "", "store directory (overrides config and $"+config.EnvStoreDir+")")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		a.createCmd(),
		a.listCmd(),
		a.showCmd(),
		a.annotateCmd(),
		a.compareCmd(),
		a.restoreCmd(),
		a.verifyCmd(),
		a.reindexCmd(),
		a.watchCmd(),
	)
	return rootCmd
}

// setup loads configuration and opens the service. It runs before every
// subcommand.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storeDir != "" {
		cfg.StoreDir = a.storeDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.metricsAddr != "" && !telemetryOn(cfg.Telemetry.MetricExporter) {
		cfg.Telemetry.MetricExporter = "prometheus"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.styles = newStyles(a.out, !a.noColor)

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "checkpoint",
		JSON:    cfg.Logging.JSON,
		Output:  a.errOut,
	})

	ctx := cmd.Context()
	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	a.svc, err = checkpoint.New(ctx, *cfg,
		checkpoint.WithLogger(a.logger.Slog()),
		checkpoint.WithTracing(telemetryOn(cfg.Telemetry.TraceExporter)),
	)
	if err != nil {
		return err
	}
	a.logger.Debug("store opened",
		slog.String("dir", a.svc.StoreDir()),
		slog.String("index", cfg.Index),
	)
	return nil
}

// close releases everything setup opened, in reverse order.
func (a *app) close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdown(ctx))
		cancel()
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func telemetryOn(exporter string) bool {
	return exporter != "" && exporter != "none"
}
