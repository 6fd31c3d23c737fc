// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"testing"
	"time"

	uuidparse "github.com/hashicorp/go-uuid"
	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/testlog"
)

func historyRow(orgID, shiftID string, outcome structs.MatchOutcome, score int, at time.Time) *structs.MatchHistory {
	id, err := uuidparse.GenerateUUID()
	if err != nil {
		panic(err)
	}
	row := &structs.MatchHistory{
		ID:             id,
		ShiftID:        shiftID,
		OrganizationID: orgID,
		AttemptNumber:  1,
		Outcome:        outcome,
		CreateTime:     at,
	}
	if outcome != structs.OutcomeNoMatch {
		row.Score = score
		row.Quality = structs.QualityForScore(score)
	}
	if outcome == structs.OutcomeAccepted {
		row.ResponseTime = 30 * time.Minute
	}
	return row
}

func TestComputeKPIs(t *testing.T) {
	ci.Parallel(t)
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rows := []*structs.MatchHistory{
		// Shift one: two proposals, one accepted.
		historyRow("org-1", "shift-1", structs.OutcomeProposed, 85, base),
		historyRow("org-1", "shift-1", structs.OutcomeProposed, 72, base),
		historyRow("org-1", "shift-1", structs.OutcomeAccepted, 85, base.Add(time.Hour)),
		// Shift two: proposed then rejected, never filled.
		historyRow("org-1", "shift-2", structs.OutcomeProposed, 65, base),
		historyRow("org-1", "shift-2", structs.OutcomeRejected, 65, base.Add(time.Hour)),
		// Shift three: nobody qualified.
		historyRow("org-1", "shift-3", structs.OutcomeNoMatch, 0, base),
		// Different org, same window: excluded.
		historyRow("org-2", "shift-4", structs.OutcomeAccepted, 90, base),
		// Same org, outside the window: excluded.
		historyRow("org-1", "shift-5", structs.OutcomeAccepted, 90, base.Add(48*time.Hour)),
	}
	must.NoError(t, store.AppendHistory(rows))

	kpis, err := ComputeKPIs(store, "org-1", base.Add(-time.Hour), base.Add(24*time.Hour))
	must.NoError(t, err)

	must.Eq(t, 6, kpis.TotalAttempts)
	must.Eq(t, 3, kpis.ProposalsIssued)
	must.Eq(t, 1, kpis.Accepted)
	must.Eq(t, 1, kpis.Rejected)
	must.Eq(t, 1, kpis.NoMatch)

	// One of three attempted shifts was filled.
	must.Eq(t, 1.0/3.0, kpis.FillRate)
	must.Eq(t, 1.0/3.0, kpis.AcceptanceRate)
	must.Eq(t, 30*time.Minute, kpis.AverageTimeToFill)

	// (85+72+85+65+65)/5
	must.Eq(t, 74.4, kpis.AverageMatchScore)

	must.Eq(t, 2, kpis.CountsByQuality[structs.MatchQualityExcellent])
	must.Eq(t, 1, kpis.CountsByQuality[structs.MatchQualityGood])
	must.Eq(t, 2, kpis.CountsByQuality[structs.MatchQualityFair])
}

func TestComputeKPIs_Empty(t *testing.T) {
	ci.Parallel(t)
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)

	kpis, err := ComputeKPIs(store, "org-1", time.Now().Add(-time.Hour), time.Now())
	must.NoError(t, err)
	must.Eq(t, 0, kpis.TotalAttempts)
	must.Eq(t, 0.0, kpis.FillRate)
	must.Eq(t, time.Duration(0), kpis.AverageTimeToFill)
}
