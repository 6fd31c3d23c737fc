// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"time"

	"github.com/samber/lo"

	"github.com/carematch/carematch/carematch/structs"
)

// ComputeKPIs aggregates match history for an organization over a
// half-open window [from, to). Rates are computed from outcome counts;
// time-to-fill averages the recorded proposal-to-accept latencies.
func ComputeKPIs(store Store, orgID string, from, to time.Time) (*structs.MatchingKPIs, error) {
	rows, err := store.HistoryInRange(orgID, from, to)
	if err != nil {
		return nil, err
	}

	kpis := &structs.MatchingKPIs{
		OrganizationID:  orgID,
		From:            from,
		To:              to,
		TotalAttempts:   len(rows),
		CountsByQuality: map[structs.MatchQuality]int{},
	}

	var scoreSum, scored int
	var fillTime time.Duration
	for _, row := range rows {
		switch row.Outcome {
		case structs.OutcomeProposed:
			kpis.ProposalsIssued++
		case structs.OutcomeAccepted:
			kpis.Accepted++
			fillTime += row.ResponseTime
		case structs.OutcomeRejected:
			kpis.Rejected++
		case structs.OutcomeExpired:
			kpis.Expired++
		case structs.OutcomeNoMatch:
			kpis.NoMatch++
		}
		if row.Outcome != structs.OutcomeNoMatch {
			kpis.CountsByQuality[row.Quality]++
			scoreSum += row.Score
			scored++
		}
	}

	// Fill rate is per shift, not per attempt: a shift with five
	// proposals and one accept counts once on each side.
	attempted := len(lo.UniqBy(rows, func(r *structs.MatchHistory) string {
		return r.ShiftID
	}))
	filled := len(lo.UniqBy(
		lo.Filter(rows, func(r *structs.MatchHistory, _ int) bool {
			return r.Outcome == structs.OutcomeAccepted
		}),
		func(r *structs.MatchHistory) string { return r.ShiftID },
	))
	if attempted > 0 {
		kpis.FillRate = float64(filled) / float64(attempted)
	}
	if kpis.ProposalsIssued > 0 {
		kpis.AcceptanceRate = float64(kpis.Accepted) / float64(kpis.ProposalsIssued)
	}
	if scored > 0 {
		kpis.AverageMatchScore = float64(scoreSum) / float64(scored)
	}
	if kpis.Accepted > 0 {
		kpis.AverageTimeToFill = fillTime / time.Duration(kpis.Accepted)
	}
	return kpis, nil
}
