// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements candidate evaluation: the pure scoring
// kernel, the I/O-bound match evaluator around it, and the bulk
// optimizers. Scoring is deterministic for a fixed (shift, context,
// config) triple; everything nondeterministic lives in the callers.
package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// Score evaluates one caregiver against one shift. Pure: no I/O, no
// clock reads beyond the supplied timestamp, no randomness.
func Score(shift *structs.OpenShift, ctx *structs.CaregiverContext, cfg *structs.MatchingConfiguration, now time.Time) *structs.MatchCandidate {
	caregiver := ctx.Caregiver

	cand := &structs.MatchCandidate{
		ShiftID:                  shift.ID,
		CaregiverID:              caregiver.ID,
		DistanceMiles:            ctx.DistanceMiles,
		EstimatedTravelMinutes:   ctx.EstimatedTravelMinutes,
		ConflictingVisits:        ctx.ConflictingVisits,
		PreviousVisitsWithClient: ctx.PreviousVisitsWithClient,
		ReliabilityScore:         ctx.ReliabilityScore,
		ComputedAt:               now,
	}
	if caregiver.MaxHoursPerWeek > 0 {
		cand.RemainingWeekMinutes = caregiver.MaxHoursPerWeek*60 - ctx.CurrentWeekMinutes
	}

	cand.Issues = checkEligibility(shift, ctx, cfg)
	cand.Eligible = true
	for _, iss := range cand.Issues {
		if iss.Blocking() {
			cand.Eligible = false
			break
		}
	}

	d := &cand.Dimensions
	d.SkillMatch = scoreSkills(shift, caregiver)
	d.AvailabilityMatch = scoreAvailability(ctx)
	d.ProximityMatch = scoreProximity(ctx, cfg)
	d.PreferenceMatch = scorePreference(shift, caregiver, cfg)
	d.ExperienceMatch = scoreExperience(ctx)
	d.ReliabilityMatch = scoreReliability(ctx, cfg)
	d.ComplianceMatch = scoreCompliance(caregiver)
	d.CapacityMatch = scoreCapacity(shift, ctx)

	w := cfg.Weights
	weighted := d.SkillMatch*w.Skill +
		d.AvailabilityMatch*w.Availability +
		d.ProximityMatch*w.Proximity +
		d.PreferenceMatch*w.Preference +
		d.ExperienceMatch*w.Experience +
		d.ReliabilityMatch*w.Reliability +
		d.ComplianceMatch*w.Compliance +
		d.CapacityMatch*w.Capacity
	cand.OverallScore = int(math.Round(float64(weighted) / 100))
	cand.RuleScore = cand.OverallScore

	if cand.Eligible {
		cand.Quality = structs.QualityForScore(cand.OverallScore)
	} else {
		cand.Quality = structs.MatchQualityIneligible
	}

	cand.Reasons = buildReasons(d, w)
	return cand
}

// checkEligibility produces findings in a fixed check order; ordering is
// part of the contract so reason lists stay stable across runs.
func checkEligibility(shift *structs.OpenShift, ctx *structs.CaregiverContext, cfg *structs.MatchingConfiguration) []*structs.EligibilityIssue {
	caregiver := ctx.Caregiver
	var issues []*structs.EligibilityIssue

	blocking := func(t structs.IssueType, detail string) {
		issues = append(issues, &structs.EligibilityIssue{
			Type: t, Severity: structs.IssueSeverityBlocking, Detail: detail,
		})
	}
	warning := func(t structs.IssueType, detail string) {
		issues = append(issues, &structs.EligibilityIssue{
			Type: t, Severity: structs.IssueSeverityWarning, Detail: detail,
		})
	}

	if shift.IsBlocked(caregiver.ID) {
		blocking(structs.IssueBlockedByClient, "caregiver is blocked by this client")
	}

	if cfg.RequireExactSkillMatch {
		for _, skill := range shift.RequiredSkills {
			if !caregiver.SkillSet().Contains(skill) {
				blocking(structs.IssueMissingSkill, fmt.Sprintf("missing required skill %q", skill))
			}
		}
	}

	if cfg.RequireActiveCertifications {
		for _, cert := range shift.RequiredCertifications {
			if !caregiver.HasActiveCertification(cert) {
				blocking(structs.IssueMissingCertification,
					fmt.Sprintf("certification %q absent or not active", cert))
			}
		}
	}

	if len(ctx.ConflictingVisits) > 0 {
		blocking(structs.IssueScheduleConflict,
			fmt.Sprintf("%d conflicting visit(s) within the travel buffer", len(ctx.ConflictingVisits)))
	}

	if caregiver.ComplianceStatus.Blocking() {
		blocking(structs.IssueNotCompliant,
			fmt.Sprintf("compliance status is %s", caregiver.ComplianceStatus))
	}

	if ctx.DistanceMiles != nil && cfg.MaxTravelDistanceMiles > 0 &&
		*ctx.DistanceMiles > cfg.MaxTravelDistanceMiles {
		blocking(structs.IssueDistanceTooFar,
			fmt.Sprintf("%.1f miles exceeds the %.1f mile cap", *ctx.DistanceMiles, cfg.MaxTravelDistanceMiles))
	}

	if caregiver.MaxHoursPerWeek > 0 &&
		ctx.CurrentWeekMinutes+shift.DurationMinutes() > caregiver.MaxHoursPerWeek*60 {
		blocking(structs.IssueOverHourLimit,
			fmt.Sprintf("shift would exceed the %d hour weekly cap", caregiver.MaxHoursPerWeek))
	}

	if caregiver.ComplianceStatus == structs.ComplianceStatusExpiringSoon {
		warning(structs.IssueExpiredCredential, "credentials expire soon")
	}

	if cfg.RespectGenderPreference && shift.RequiredGender != nil &&
		caregiver.Gender != *shift.RequiredGender {
		warning(structs.IssueGenderMismatch,
			fmt.Sprintf("client prefers a %s caregiver", *shift.RequiredGender))
	}

	if cfg.RespectLanguagePreference && shift.RequiredLanguage != nil &&
		!caregiver.SpeaksLanguage(*shift.RequiredLanguage) {
		warning(structs.IssueLanguageMismatch,
			fmt.Sprintf("client prefers %s", *shift.RequiredLanguage))
	}

	return issues
}

func scoreSkills(shift *structs.OpenShift, caregiver *structs.Caregiver) int {
	score := 100
	skills := caregiver.SkillSet()
	for _, skill := range shift.RequiredSkills {
		if !skills.Contains(skill) {
			score -= 30
		}
	}
	for _, cert := range shift.RequiredCertifications {
		if !caregiver.HasActiveCertification(cert) {
			score -= 40
		}
	}
	return clamp(score)
}

func scoreAvailability(ctx *structs.CaregiverContext) int {
	if len(ctx.ConflictingVisits) > 0 {
		return 0
	}
	return 100
}

// scoreProximity decreases linearly from 100 at the doorstep to 20 at
// the configured travel cap; unknown distance scores a neutral 50.
func scoreProximity(ctx *structs.CaregiverContext, cfg *structs.MatchingConfiguration) int {
	if ctx.DistanceMiles == nil {
		return 50
	}
	max := cfg.MaxTravelDistanceMiles
	if max <= 0 {
		return 50
	}
	d := *ctx.DistanceMiles
	if d > max {
		return 0
	}
	return clamp(int(math.Round(100 - (d/max)*80)))
}

func scorePreference(shift *structs.OpenShift, caregiver *structs.Caregiver, cfg *structs.MatchingConfiguration) int {
	if shift.IsBlocked(caregiver.ID) {
		return 0
	}
	score := 50
	if shift.IsPreferred(caregiver.ID) {
		score += 30
	}
	if cfg.RespectGenderPreference && shift.RequiredGender != nil {
		if caregiver.Gender == *shift.RequiredGender {
			score += 10
		} else {
			score -= 10
		}
	}
	if cfg.RespectLanguagePreference && shift.RequiredLanguage != nil {
		if caregiver.SpeaksLanguage(*shift.RequiredLanguage) {
			score += 10
		} else {
			score -= 15
		}
	}
	return clamp(score)
}

func scoreExperience(ctx *structs.CaregiverContext) int {
	score := 50
	bonus := ctx.PreviousVisitsWithClient * 5
	if bonus > 30 {
		bonus = 30
	}
	score += bonus
	if ctx.LatestClientRating > 0 {
		score += int(math.Round(10 * (ctx.LatestClientRating - 3)))
	}
	return clamp(score)
}

func scoreReliability(ctx *structs.CaregiverContext, cfg *structs.MatchingConfiguration) int {
	score := int(math.Round(ctx.ReliabilityScore))
	if cfg.PenalizeFrequentRejections {
		score -= 5 * ctx.RecentRejections
	}
	if cfg.BoostReliablePerformers && ctx.ReliabilityScore >= 90 {
		score += 10
	}
	return clamp(score)
}

func scoreCompliance(caregiver *structs.Caregiver) int {
	switch caregiver.ComplianceStatus {
	case structs.ComplianceStatusCompliant:
		return 100
	case structs.ComplianceStatusExpiringSoon:
		return 70
	case structs.ComplianceStatusPendingVerification:
		return 50
	default:
		return 0
	}
}

// scoreCapacity rewards landing the caregiver in the 60-80% utilization
// band after taking the shift.
func scoreCapacity(shift *structs.OpenShift, ctx *structs.CaregiverContext) int {
	cap := ctx.Caregiver.MaxHoursPerWeek
	if cap <= 0 {
		return 100
	}
	total := ctx.CurrentWeekMinutes + shift.DurationMinutes()
	if total > cap*60 {
		return 0
	}
	util := float64(total) / float64(cap*60)
	switch {
	case util >= 0.6 && util <= 0.8:
		return 100
	case util < 0.6:
		return 80
	default:
		return 60
	}
}

// buildReasons summarizes each dimension's pull on the score, in a fixed
// order matching the dimension list.
func buildReasons(d *structs.DimensionScores, w structs.MatchWeights) []*structs.MatchReason {
	type dim struct {
		category string
		score    int
		weight   int
	}
	dims := []dim{
		{"skill", d.SkillMatch, w.Skill},
		{"availability", d.AvailabilityMatch, w.Availability},
		{"proximity", d.ProximityMatch, w.Proximity},
		{"preference", d.PreferenceMatch, w.Preference},
		{"experience", d.ExperienceMatch, w.Experience},
		{"reliability", d.ReliabilityMatch, w.Reliability},
		{"compliance", d.ComplianceMatch, w.Compliance},
		{"capacity", d.CapacityMatch, w.Capacity},
	}

	out := make([]*structs.MatchReason, 0, len(dims))
	for _, dm := range dims {
		impact := structs.ReasonImpactNeutral
		switch {
		case dm.score >= 70:
			impact = structs.ReasonImpactPositive
		case dm.score < 50:
			impact = structs.ReasonImpactNegative
		}
		out = append(out, &structs.MatchReason{
			Category:    dm.category,
			Description: fmt.Sprintf("%s scored %d of 100", dm.category, dm.score),
			Impact:      impact,
			Weight:      dm.weight,
		})
	}
	return out
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
