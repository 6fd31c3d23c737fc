// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/carematch/carematch/version"
)

// Config is the agent configuration, loaded from an HCL file layered
// under command-line flags. Duration fields are parsed out of their
// string form by Finalize.
type Config struct {
	// BindAddr is the address the HTTP API listens on.
	BindAddr string `hcl:"bind_addr"`

	// Port is the HTTP API port.
	Port int `hcl:"port"`

	LogLevel string `hcl:"log_level"`
	LogJSON  bool   `hcl:"log_json"`

	// EnableDebug registers the pprof handlers.
	EnableDebug bool `hcl:"enable_debug"`

	Storage  *StorageConfig  `hcl:"storage"`
	Worker   *WorkerConfig   `hcl:"worker"`
	Matching *MatchingConfig `hcl:"matching"`
	ML       *MLConfig       `hcl:"ml"`

	Version *version.VersionInfo `hcl:"-"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `hcl:"backend"`

	// DSN is the postgres connection string; ignored by the memory
	// backend.
	DSN string `hcl:"dsn"`
}

// WorkerConfig wires the bulk-match task queue. With no Redis address
// the agent runs bulk jobs in-process.
type WorkerConfig struct {
	RedisAddr     string `hcl:"redis_addr"`
	RedisPassword string `hcl:"redis_password"`
	RedisDB       int    `hcl:"redis_db"`
	Concurrency   int    `hcl:"concurrency"`
}

// MatchingConfig carries engine tunables.
type MatchingConfig struct {
	SweepInterval  string        `hcl:"sweep_interval"`
	sweepInterval  time.Duration `hcl:"-"`
	EvaluatorFanOut int          `hcl:"evaluator_fan_out"`
	ConfigCacheSize int          `hcl:"config_cache_size"`
	ConfigCacheTTL  string       `hcl:"config_cache_ttl"`
	configCacheTTL  time.Duration `hcl:"-"`
}

// MLConfig carries blender tunables.
type MLConfig struct {
	Enabled             bool    `hcl:"enabled"`
	Weight              float64 `hcl:"weight"`
	MinConfidence       float64 `hcl:"min_confidence"`
	FallbackToRuleBased bool    `hcl:"fallback_to_rule_based"`
	InferenceTimeout    string  `hcl:"inference_timeout"`
	inferenceTimeout    time.Duration `hcl:"-"`
}

// DefaultConfig returns the agent defaults: memory storage, in-process
// bulk jobs, ML off.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "127.0.0.1",
		Port:     4747,
		LogLevel: "INFO",
		Storage:  &StorageConfig{Backend: "memory"},
		Worker:   &WorkerConfig{Concurrency: 4},
		Matching: &MatchingConfig{},
		ML:       &MLConfig{FallbackToRuleBased: true},
		Version:  version.GetVersion(),
	}
}

// Merge layers b over c, returning a new config.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.Storage != nil {
		s := *b.Storage
		if result.Storage != nil {
			if s.Backend == "" {
				s.Backend = result.Storage.Backend
			}
			if s.DSN == "" {
				s.DSN = result.Storage.DSN
			}
		}
		result.Storage = &s
	}
	if b.Worker != nil {
		w := *b.Worker
		if result.Worker != nil && w.Concurrency == 0 {
			w.Concurrency = result.Worker.Concurrency
		}
		result.Worker = &w
	}
	if b.Matching != nil {
		m := *b.Matching
		result.Matching = &m
	}
	if b.ML != nil {
		m := *b.ML
		result.ML = &m
	}
	if b.Version != nil {
		result.Version = b.Version
	}
	return &result
}

// Finalize parses duration strings and validates the result. Called once
// after all config layers are merged.
func (c *Config) Finalize() error {
	parse := func(name, raw string, out *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %v", name, raw, err)
		}
		*out = d
		return nil
	}

	if c.Matching != nil {
		if err := parse("sweep_interval", c.Matching.SweepInterval, &c.Matching.sweepInterval); err != nil {
			return err
		}
		if err := parse("config_cache_ttl", c.Matching.ConfigCacheTTL, &c.Matching.configCacheTTL); err != nil {
			return err
		}
	}
	if c.ML != nil {
		if err := parse("inference_timeout", c.ML.InferenceTimeout, &c.ML.inferenceTimeout); err != nil {
			return err
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend %q requires a dsn", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// HTTPAddr returns the listen address for the HTTP API.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}
