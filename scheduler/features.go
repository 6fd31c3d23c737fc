// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// Features flattens a scored candidate into the versioned vector the
// inference service consumes. Dimensional scores are normalized to
// [0,1]; time features come from the shift's local start time.
func Features(shift *structs.OpenShift, cctx *structs.CaregiverContext, cand *structs.MatchCandidate, competing int, now time.Time) *structs.FeatureVector {
	d := cand.Dimensions
	fv := &structs.FeatureVector{
		Version: structs.FeatureVectorVersion,

		SkillMatch:        float64(d.SkillMatch) / 100,
		AvailabilityMatch: float64(d.AvailabilityMatch) / 100,
		ProximityMatch:    float64(d.ProximityMatch) / 100,
		PreferenceMatch:   float64(d.PreferenceMatch) / 100,
		ExperienceMatch:   float64(d.ExperienceMatch) / 100,
		ReliabilityMatch:  float64(d.ReliabilityMatch) / 100,
		ComplianceMatch:   float64(d.ComplianceMatch) / 100,
		CapacityMatch:     float64(d.CapacityMatch) / 100,

		PreviousVisitsWithClient: float64(cctx.PreviousVisitsWithClient),
		ReliabilityScore:         cctx.ReliabilityScore,
		RemainingWeekMinutes:     float64(cand.RemainingWeekMinutes),
		ShiftDurationMinutes:     float64(shift.DurationMinutes()),

		CaregiverTenureYears: cctx.Caregiver.TenureYears(now),
		AcceptanceRate30d:    cctx.AcceptanceRate30d,
		NoShowRate30d:        cctx.NoShowRate30d,
		AverageClientRating:  cctx.LatestClientRating,
		ClientTotalVisits:    float64(cctx.ClientTotalVisits),

		HasRequiredSpecialization: len(shift.RequiredCertifications) > 0,
		HasGenderPreference:       shift.RequiredGender != nil,
		HasLanguagePreference:     shift.RequiredLanguage != nil,

		CompetingCaregivers: float64(competing),
		PriorityNumber:      float64(shift.Priority.Rank()),
		RecentRejections:    float64(cctx.RecentRejections),
	}

	if cctx.DistanceMiles != nil {
		fv.DistanceMiles = *cctx.DistanceMiles
	}
	if cctx.EstimatedTravelMinutes != nil {
		fv.EstimatedTravelMinutes = float64(*cctx.EstimatedTravelMinutes)
	}

	start := shift.StartTime
	if loc, err := time.LoadLocation(shift.Timezone); err == nil {
		start = start.In(loc)
	}
	fv.DayOfWeek = float64(start.Weekday())
	fv.HourOfDay = float64(start.Hour())
	fv.IsWeekend = start.Weekday() == time.Saturday || start.Weekday() == time.Sunday
	fv.IsEvening = start.Hour() >= 17 && start.Hour() < 21
	fv.IsNight = start.Hour() >= 21 || start.Hour() < 6

	if hours := shift.StartTime.Sub(now).Hours(); hours > 0 {
		fv.TimeToShiftHours = hours
	}

	return fv
}
