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
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/checkpoint/services/checkpoint/store"
	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
	"github.com/AleutianAI/checkpoint/services/checkpoint/watch"
)

func (a *app) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Take a checkpoint automatically whenever files change",
		Long: `Watch a workspace and checkpoint it after each burst of changes.

A checkpoint is taken once the workspace has been quiet for the
configured debounce period, at most once per minimum interval, and only
when the content actually changed. Stop with Ctrl-C.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.metricsAddr != "" {
				srv, err := a.serveMetrics(a.metricsAddr)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			w, err := a.svc.Watcher(root, a.reportCheckpoint)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s %s\n", a.styles.heading("Watching"), w.Root(),
				a.styles.dim(fmt.Sprintf("(debounce %s, at most one checkpoint per %s)",
					a.cfg.Watch.Debounce, a.cfg.Watch.MinInterval)))
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

func (a *app) reportCheckpoint(changes []watch.Change, res *store.CreateResult, err error) {
	switch {
	case err != nil && res == nil:
		fmt.Fprintf(a.out, "%s %v\n", a.styles.errorf("checkpoint failed:"), err)
	case res.Unchanged:
		fmt.Fprintf(a.out, "%s %s\n", a.styles.dim(time.Now().Format("15:04:05")), a.styles.dim("no content change"))
	default:
		fmt.Fprintf(a.out, "%s %s %s (%d paths changed)\n",
			a.styles.dim(time.Now().Format("15:04:05")),
			a.styles.ok("checkpoint"), shortID(res.Snapshot.ID), len(changes))
		if err != nil {
			fmt.Fprintln(a.out, a.styles.warn("  saved but not indexed: "+err.Error()))
		}
	}
}

// serveMetrics exposes /metrics until the returned server is shut down.
func (a *app) serveMetrics(addr string) (*http.Server, error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("metrics handler unavailable; set telemetry.metric_exporter to prometheus")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}
