// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/scheduler"
)

// blendSettings are the effective ML knobs for one shift, after any
// experiment variant has been applied over the engine defaults.
type blendSettings struct {
	enabled         bool
	weight          float64
	minConfidence   float64
	modelPreference string
}

// MLBlender implements scheduler.Blender: it folds a learned match
// probability into the rule-based score. The kernel's score always
// survives as RuleScore, and any failure on the ML path degrades to the
// rule-based result when fallback is enabled.
type MLBlender struct {
	logger      hclog.Logger
	store       Store
	predictor   Predictor
	experiments *Experiments

	enabled       bool
	weight        float64
	minConfidence float64
	fallback      bool
}

// NewMLBlender constructs the blender from engine config.
func NewMLBlender(cfg *Config, store Store, predictor Predictor, experiments *Experiments) *MLBlender {
	return &MLBlender{
		logger:        cfg.Logger.Named("blender"),
		store:         store,
		predictor:     predictor,
		experiments:   experiments,
		enabled:       cfg.MLEnabled,
		weight:        cfg.MLWeight,
		minConfidence: cfg.MinMLConfidence,
		fallback:      cfg.FallbackToRuleBased,
	}
}

var _ scheduler.Blender = (*MLBlender)(nil)

// Blend returns the candidate with its score adjusted by the active
// model's prediction. Ineligible candidates, low-confidence predictions,
// and shifts routed to a control arm pass through unchanged.
func (b *MLBlender) Blend(ctx context.Context, shift *structs.OpenShift, cctx *structs.CaregiverContext, cand *structs.MatchCandidate, cfg *structs.MatchingConfiguration) *structs.MatchCandidate {
	if !cand.Eligible {
		return cand
	}

	settings := b.settingsFor(shift)
	if !settings.enabled {
		return cand
	}

	model, err := b.store.ActiveModel(shift.OrganizationID)
	if err != nil {
		if !structs.IsNotFound(err) {
			b.logger.Warn("active model lookup failed", "org_id", shift.OrganizationID, "error", err)
		}
		return cand
	}
	if settings.modelPreference != "" && model.ModelID != settings.modelPreference {
		b.logger.Debug("active model does not match experiment preference, skipping blend",
			"active", model.ModelID, "preferred", settings.modelPreference)
		return cand
	}

	competing := 0
	if live, err := b.store.NonTerminalProposals(shift.ID); err == nil {
		competing = len(live)
	}

	features := scheduler.Features(shift, cctx, cand, competing, time.Now().UTC())
	pred, err := b.predictor.Predict(ctx, model.Endpoint, features)
	if err != nil {
		metrics.IncrCounter([]string{"carematch", "blender", "fallback"}, 1)
		if b.fallback {
			b.logger.Warn("inference failed, keeping rule-based score",
				"shift_id", shift.ID, "caregiver_id", cand.CaregiverID, "error", err)
			return cand
		}
		b.logger.Error("inference failed", "shift_id", shift.ID, "error", err)
		return cand
	}

	if pred.Confidence < settings.minConfidence {
		metrics.IncrCounter([]string{"carematch", "blender", "low_confidence"}, 1)
		cand.MLConfidence = pred.Confidence
		return cand
	}

	w := settings.weight
	blended := float64(cand.OverallScore)*(1-w) + pred.PredictedScore*100*w

	cand.RuleScore = cand.OverallScore
	cand.OverallScore = int(math.Round(blended))
	cand.Quality = structs.QualityForScore(cand.OverallScore)
	cand.MLAdjusted = true
	cand.MLConfidence = pred.Confidence
	metrics.IncrCounter([]string{"carematch", "blender", "blended"}, 1)
	return cand
}

// settingsFor resolves the effective blend knobs, letting an active
// experiment's variant override the engine defaults for this shift.
func (b *MLBlender) settingsFor(shift *structs.OpenShift) blendSettings {
	settings := blendSettings{
		enabled:       b.enabled,
		weight:        b.weight,
		minConfidence: b.minConfidence,
	}
	if b.experiments == nil {
		return settings
	}

	variant, err := b.experiments.VariantFor(shift)
	if err != nil {
		b.logger.Warn("experiment variant lookup failed", "shift_id", shift.ID, "error", err)
		return settings
	}
	if variant == nil {
		return settings
	}

	settings.enabled = variant.MLEnabled
	settings.modelPreference = variant.ModelPreference
	if variant.MLWeight != 0 {
		settings.weight = variant.MLWeight
	}
	if variant.MinMLConfidence != 0 {
		settings.minConfidence = variant.MinMLConfidence
	}
	return settings
}
