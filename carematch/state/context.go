// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"math"
	"sort"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// travelBuffer widens the conflict window on both sides of a shift to
// account for travel between visits.
const travelBuffer = 30 * time.Minute

// BuildCaregiverContext derives the scoring context from raw rows. Both
// store backends feed it the caregiver's visits, their trailing match
// history, and the client's completed visit count; everything else is
// computed here so the two backends cannot drift.
func BuildCaregiverContext(caregiver *structs.Caregiver, shift *structs.OpenShift,
	visits []*structs.ScheduledVisit, history []*structs.MatchHistory,
	clientCompletedVisits int, now time.Time) *structs.CaregiverContext {

	ctx := &structs.CaregiverContext{
		Caregiver:         caregiver,
		ReliabilityScore:  caregiver.ReliabilityScore,
		ClientTotalVisits: clientCompletedVisits,
	}

	weekStart, weekEnd := weekBounds(shift.StartTime)
	conflictWindow := structs.TimeRange{
		Start: shift.StartTime.Add(-travelBuffer),
		End:   shift.EndTime.Add(travelBuffer),
	}

	visitCutoff := now.AddDate(0, 0, -30)
	var noShow30, visits30 int
	var latestRated *structs.ScheduledVisit
	for _, v := range visits {
		if v.Status == structs.VisitStatusCancelled {
			continue
		}

		if !v.StartTime.Before(visitCutoff) && v.StartTime.Before(now) {
			visits30++
			if v.Status == structs.VisitStatusNoShow {
				noShow30++
			}
		}

		// Weekly committed minutes.
		if v.Status != structs.VisitStatusNoShow &&
			!v.StartTime.Before(weekStart) && v.StartTime.Before(weekEnd) {
			ctx.CurrentWeekMinutes += v.Minutes()
		}

		// Conflicts against the widened window.
		if v.Status == structs.VisitStatusScheduled && v.Window().Overlaps(conflictWindow) {
			ctx.ConflictingVisits = append(ctx.ConflictingVisits, &structs.ConflictingVisit{
				VisitID:   v.ID,
				ClientID:  v.ClientID,
				StartTime: v.StartTime,
				EndTime:   v.EndTime,
			})
		}

		// History with this client.
		if v.ClientID == shift.ClientID && v.Status == structs.VisitStatusCompleted {
			ctx.PreviousVisitsWithClient++
			if v.ClientRating != nil {
				if latestRated == nil || v.EndTime.After(latestRated.EndTime) {
					latestRated = v
				}
			}
		}
	}
	if latestRated != nil {
		ctx.LatestClientRating = *latestRated.ClientRating
	}
	if visits30 > 0 {
		ctx.NoShowRate30d = float64(noShow30) / float64(visits30)
	}

	sort.Slice(ctx.ConflictingVisits, func(i, j int) bool {
		return ctx.ConflictingVisits[i].StartTime.Before(ctx.ConflictingVisits[j].StartTime)
	})

	// Recent rejections over a trailing 30-day window.
	cutoff := now.AddDate(0, 0, -30)
	var proposals30, accepted int
	for _, row := range history {
		if row.CreateTime.Before(cutoff) {
			continue
		}
		switch row.Outcome {
		case structs.OutcomeRejected:
			ctx.RecentRejections++
			proposals30++
		case structs.OutcomeAccepted:
			accepted++
			proposals30++
		case structs.OutcomeProposed, structs.OutcomeExpired, structs.OutcomeSuperseded:
			proposals30++
		}
	}
	if proposals30 > 0 {
		ctx.AcceptanceRate30d = float64(accepted) / float64(proposals30)
	}

	// Distance is a scalar input owned upstream; when both sides carry
	// coordinates we fill it with a flat-earth approximation good enough
	// for scoring buckets.
	if caregiver.HomeLatitude != nil && caregiver.HomeLongitude != nil &&
		shift.Location.Latitude != nil && shift.Location.Longitude != nil {
		miles := approxMiles(*caregiver.HomeLatitude, *caregiver.HomeLongitude,
			*shift.Location.Latitude, *shift.Location.Longitude)
		ctx.DistanceMiles = &miles
		travel := int(miles * 2.5) // conservative surface-street estimate
		ctx.EstimatedTravelMinutes = &travel
	}

	return ctx
}

// weekBounds returns the Monday 00:00 UTC bounds of the week containing
// t.
func weekBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(weekday - 1))
	return start, start.AddDate(0, 0, 7)
}

// approxMiles is an equirectangular distance approximation, fine at
// metro scale.
func approxMiles(lat1, lon1, lat2, lon2 float64) float64 {
	const milesPerDegree = 69.0
	dLat := lat2 - lat1
	dLon := (lon2 - lon1) * math.Cos((lat1+lat2)/2*math.Pi/180)
	return milesPerDegree * math.Sqrt(dLat*dLat+dLon*dLon)
}
