// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config holds engine tunables. Zero values mean "use the default";
// Merge layers a partial config over this one.
type Config struct {
	Logger hclog.Logger

	// ExpirySweepInterval is the proposal TTL sweep cadence.
	ExpirySweepInterval time.Duration

	// EvaluatorFanOut bounds concurrent per-candidate context fetches.
	EvaluatorFanOut int

	// ConfigCacheSize bounds the matching-configuration LRU.
	ConfigCacheSize int
	ConfigCacheTTL  time.Duration

	// MLEnabled turns the blender on when an active model exists.
	MLEnabled bool

	// MLWeight is the default blend weight when no experiment overrides
	// it.
	MLWeight float64

	// MinMLConfidence gates low-confidence predictions back to the
	// rule-based score.
	MinMLConfidence float64

	// FallbackToRuleBased keeps matching alive when inference fails.
	FallbackToRuleBased bool

	// InferenceTimeout caps each predict call.
	InferenceTimeout time.Duration

	// Notifier receives proposal events; nil means the no-op notifier.
	Notifier Notifier
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		ExpirySweepInterval: 60 * time.Second,
		EvaluatorFanOut:     64,
		ConfigCacheSize:     256,
		ConfigCacheTTL:      30 * time.Second,
		MLEnabled:           false,
		MLWeight:            0.3,
		MinMLConfidence:     0.5,
		FallbackToRuleBased: true,
		InferenceTimeout:    2 * time.Second,
	}
}

// Merge layers b over c, returning a new config. Zero values in b keep
// c's setting.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.Logger != nil {
		result.Logger = b.Logger
	}
	if b.ExpirySweepInterval != 0 {
		result.ExpirySweepInterval = b.ExpirySweepInterval
	}
	if b.EvaluatorFanOut != 0 {
		result.EvaluatorFanOut = b.EvaluatorFanOut
	}
	if b.ConfigCacheSize != 0 {
		result.ConfigCacheSize = b.ConfigCacheSize
	}
	if b.ConfigCacheTTL != 0 {
		result.ConfigCacheTTL = b.ConfigCacheTTL
	}
	if b.MLEnabled {
		result.MLEnabled = true
	}
	if b.MLWeight != 0 {
		result.MLWeight = b.MLWeight
	}
	if b.MinMLConfidence != 0 {
		result.MinMLConfidence = b.MinMLConfidence
	}
	if b.FallbackToRuleBased {
		result.FallbackToRuleBased = true
	}
	if b.InferenceTimeout != 0 {
		result.InferenceTimeout = b.InferenceTimeout
	}
	if b.Notifier != nil {
		result.Notifier = b.Notifier
	}
	return &result
}
