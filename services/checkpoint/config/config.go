// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads checkpoint configuration.
//
// Configuration is read from a YAML file, by default
// ~/.checkpoint/checkpoint.yaml, layered over DefaultConfig. A missing
// default file is not an error. Environment variables override the file:
//
//	CHECKPOINT_DIR     store directory
//	CHECKPOINT_INDEX   index backend (badger, sqlite)
//
// The result is validated with go-playground/validator struct tags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
)

// Environment variables that override the file.
const (
	EnvStoreDir = "CHECKPOINT_DIR"
	EnvIndex    = "CHECKPOINT_INDEX"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full checkpoint configuration.
type Config struct {
	// StoreDir is where snapshots live. Relative paths resolve against
	// the working directory.
	StoreDir string `yaml:"store_dir" validate:"required"`

	// Index selects the summary catalog backend.
	Index string `yaml:"index" validate:"oneof=badger sqlite"`

	// Fingerprint selects the snapshot fingerprint algorithm.
	Fingerprint string `yaml:"fingerprint" validate:"oneof=sha256 xxh3"`

	// Reconcile indexes orphaned snapshot records on startup.
	Reconcile bool `yaml:"reconcile"`

	Scan      ScanConfig       `yaml:"scan"`
	Diff      DiffConfig       `yaml:"diff"`
	Watch     WatchConfig      `yaml:"watch"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ScanConfig controls workspace scanning.
type ScanConfig struct {
	// ExcludeDirs are directory names skipped at any depth. Hidden
	// entries are always skipped.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// ExcludePatterns are globs such as "**/*.log".
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// Include restricts capture to matching paths. Empty captures all.
	Include []string `yaml:"include"`

	// MaxFileSize skips larger files with a fault.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gt=0"`

	// FollowSymlinks captures symlink targets inside the workspace.
	FollowSymlinks bool `yaml:"follow_symlinks"`

	// Workers bounds parallel file reads. Zero uses GOMAXPROCS.
	Workers int `yaml:"workers" validate:"gte=0,lte=256"`
}

// DiffConfig controls patch rendering.
type DiffConfig struct {
	// ContextLines is the number of unchanged lines around each change.
	ContextLines int `yaml:"context_lines" validate:"gte=0,lte=1000"`
}

// WatchConfig controls automatic checkpoints.
type WatchConfig struct {
	// Debounce is the quiet period before a checkpoint is taken.
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`

	// MinInterval is the minimum time between checkpoints.
	MinInterval time.Duration `yaml:"min_interval" validate:"gt=0"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables JSON file logs in this directory.
	Dir string `yaml:"dir"`

	// JSON switches console output to JSON.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "checkpoint"
	return Config{
		StoreDir:    "./checkpoints",
		Index:       "badger",
		Fingerprint: "sha256",
		Scan: ScanConfig{
			ExcludeDirs: []string{"node_modules", "vendor", "dist", "build", "target", "__pycache__", "checkpoints"},
			MaxFileSize: 100 * 1024 * 1024,
		},
		Diff: DiffConfig{ContextLines: 3},
		Watch: WatchConfig{
			Debounce:    500 * time.Millisecond,
			MinInterval: 30 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
	}
}

// DefaultPath returns ~/.checkpoint/checkpoint.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".checkpoint", "checkpoint.yaml"), nil
}

// Load reads the configuration.
//
// # Inputs
//
//   - path: YAML file. Empty means DefaultPath, which may be absent. An
//     explicit path must exist.
//
// # Outputs
//
//   - *Config: Defaults, then the file, then environment overrides.
//   - error: Read, parse or validation failure.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStoreDir); v != "" {
		c.StoreDir = v
	}
	if v := os.Getenv(EnvIndex); v != "" {
		c.Index = v
	}
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
