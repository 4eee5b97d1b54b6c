// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint is the workspace snapshot service.
//
// Service wires the store, restore engine, comparator and watcher from a
// single config.Config. The CLI talks to it exclusively; the packages
// below it are usable on their own.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/checkpoint/services/checkpoint/compare"
	"github.com/AleutianAI/checkpoint/services/checkpoint/config"
	"github.com/AleutianAI/checkpoint/services/checkpoint/diff"
	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/index"
	"github.com/AleutianAI/checkpoint/services/checkpoint/restore"
	"github.com/AleutianAI/checkpoint/services/checkpoint/scanner"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/store"
	"github.com/AleutianAI/checkpoint/services/checkpoint/watch"
)

// Service bundles every checkpoint operation behind one handle.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	restorer *restore.Engine
	compare  *compare.Comparator
	ignore   *scanner.Ignore

	closeOnce sync.Once
	closeErr  error
}

// ServiceOption configures a Service beyond what config carries.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger  *slog.Logger
	tracing bool
	extra   []store.Option
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = l
	}
}

// WithTracing enables OpenTelemetry spans in every component. Call
// telemetry.Init first to install a real provider.
func WithTracing(enabled bool) ServiceOption {
	return func(o *serviceOptions) {
		o.tracing = enabled
	}
}

// WithStoreOptions appends raw store options, applied after the ones
// derived from config. Tests use it to inject an index or a clock.
func WithStoreOptions(opts ...store.Option) ServiceOption {
	return func(o *serviceOptions) {
		o.extra = append(o.extra, opts...)
	}
}

// New opens the store described by cfg.
//
// # Inputs
//
//   - ctx: Bounds reconciliation at open.
//   - cfg: Validated configuration.
//   - opts: Logger, tracing and store overrides.
//
// # Outputs
//
//   - *Service: Ready service. Close it when done.
//   - error: Invalid configuration or a store open failure.
func New(ctx context.Context, cfg config.Config, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, snapshot.InvalidArgument("config: %v", err)
	}

	o := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	backend, err := index.ParseBackend(cfg.Index)
	if err != nil {
		return nil, err
	}
	algo, err := fingerprint.ParseAlgorithm(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.New(algo)
	if err != nil {
		return nil, err
	}

	ig := scanner.NewIgnore(cfg.Scan.ExcludeDirs, cfg.Scan.ExcludePatterns)
	sc := scanner.New(
		scanner.WithIgnore(ig),
		scanner.WithIncludes(cfg.Scan.Include...),
		scanner.WithMaxFileSize(cfg.Scan.MaxFileSize),
		scanner.WithFollowSymlinks(cfg.Scan.FollowSymlinks),
		scanner.WithWorkers(cfg.Scan.Workers),
		scanner.WithLogger(o.logger),
	)

	storeOpts := []store.Option{
		store.WithIndexBackend(backend),
		store.WithScanner(sc),
		store.WithFingerprint(fp),
		store.WithLogger(o.logger),
		store.WithTracing(o.tracing),
		store.WithReconcile(cfg.Reconcile),
		store.WithWorkers(cfg.Scan.Workers),
	}
	st, err := store.Open(ctx, cfg.StoreDir, append(storeOpts, o.extra...)...)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StoreDir, err)
	}

	return &Service{
		cfg:    cfg,
		logger: o.logger,
		store:  st,
		restorer: restore.New(st,
			restore.WithLogger(o.logger),
			restore.WithTracing(o.tracing),
		),
		compare: compare.New(st,
			compare.WithDiff(diff.New(diff.WithContext(cfg.Diff.ContextLines))),
			compare.WithLogger(o.logger),
			compare.WithTracing(o.tracing),
		),
		ignore: ig,
	}, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() config.Config {
	return s.cfg
}

// StoreDir returns the absolute store directory.
func (s *Service) StoreDir() string {
	return s.store.Dir()
}

// Create captures the workspace at root. See store.Store.Create.
func (s *Service) Create(ctx context.Context, root string, opts store.CreateOptions) (*store.CreateResult, error) {
	return s.store.Create(ctx, root, opts)
}

// Get returns a snapshot with file content loaded.
func (s *Service) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.store.Get(ctx, id)
}

// Show returns a snapshot record without loading content.
func (s *Service) Show(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.store.Record(ctx, id)
}

// List returns summaries newest first.
func (s *Service) List(ctx context.Context, opts store.ListOptions) ([]snapshot.Summary, error) {
	return s.store.List(ctx, opts)
}

// Update merges patch into a snapshot's annotations.
func (s *Service) Update(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	return s.store.Update(ctx, id, patch)
}

// Restore writes a snapshot's files into dest.
func (s *Service) Restore(ctx context.Context, id, dest string) (*restore.Result, error) {
	return s.restorer.Restore(ctx, id, dest)
}

// Compare diffs two snapshots.
func (s *Service) Compare(ctx context.Context, from, to string) (*compare.Comparison, error) {
	return s.compare.Compare(ctx, from, to)
}

// Verify re-hashes a snapshot's stored content.
func (s *Service) Verify(ctx context.Context, id string) error {
	return s.store.Verify(ctx, id)
}

// Reindex rebuilds the index from snapshot records.
func (s *Service) Reindex(ctx context.Context) (*store.ReindexResult, error) {
	return s.store.Reindex(ctx)
}

// Watcher builds a watcher for root that checkpoints into this service.
// Debounce, rate limit and ignore rules come from config; onCheckpoint
// may be nil.
func (s *Service) Watcher(root string, onCheckpoint func([]watch.Change, *store.CreateResult, error)) (*watch.Watcher, error) {
	return watch.New(root, s.store, watch.Options{
		Debounce:     s.cfg.Watch.Debounce,
		MinInterval:  s.cfg.Watch.MinInterval,
		Ignore:       s.ignore,
		Exclude:      []string{s.store.Dir()},
		Logger:       s.logger,
		OnCheckpoint: onCheckpoint,
	})
}

// Close releases the store. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}
