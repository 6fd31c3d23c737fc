// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/testlog"
)

func testOptimizer(t *testing.T) (*Optimizer, *state.StateStore) {
	t.Helper()
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	eval := NewEvaluator(testlog.HCLogger(t), store, nil, 0)
	return NewOptimizer(testlog.HCLogger(t), store, eval), store
}

// spreadShifts returns n non-overlapping two-hour shifts on consecutive
// days.
func spreadShifts(t *testing.T, store *state.StateStore, n int) []*structs.OpenShift {
	t.Helper()
	var out []*structs.OpenShift
	for i := 0; i < n; i++ {
		shift := mock.Shift()
		shift.StartTime = shift.StartTime.AddDate(0, 0, i)
		shift.EndTime = shift.EndTime.AddDate(0, 0, i)
		shift.ScheduledDate = shift.ScheduledDate.AddDate(0, 0, i)
		must.NoError(t, store.UpsertShift(shift))
		out = append(out, shift)
	}
	return out
}

func TestOptimizer_Plan_Greedy(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)

	shifts := spreadShifts(t, store, 3)
	for i := 0; i < 2; i++ {
		must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))
	}

	result, err := opt.Plan(context.Background(), shifts, structs.GoalBestMatch, mock.MatchingConfig())
	must.NoError(t, err)
	must.Len(t, 3, result.Assignments)
	must.Len(t, 0, result.Unassigned)

	// Every shift assigned at most once.
	seen := map[string]bool{}
	for _, a := range result.Assignments {
		must.False(t, seen[a.ShiftID])
		seen[a.ShiftID] = true
		must.Between(t, 0, a.Score, 100)
		must.NotEq(t, "", a.Rationale)
	}
}

func TestOptimizer_Plan_OverlapConstraint(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)

	// Two shifts at the same hour, one caregiver: only one can land.
	a := mock.Shift()
	b := mock.Shift()
	must.NoError(t, store.UpsertShift(a))
	must.NoError(t, store.UpsertShift(b))
	must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))

	result, err := opt.Plan(context.Background(), []*structs.OpenShift{a, b},
		structs.GoalBestMatch, mock.MatchingConfig())
	must.NoError(t, err)
	must.Len(t, 1, result.Assignments)
	must.Len(t, 1, result.Unassigned)
}

func TestOptimizer_Plan_PriorityOrder(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)

	normal := mock.Shift()
	urgent := mock.Shift()
	urgent.Priority = structs.ShiftPriorityUrgent
	must.NoError(t, store.UpsertShift(normal))
	must.NoError(t, store.UpsertShift(urgent))

	// One caregiver, overlapping shifts: the urgent one must win.
	must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))

	result, err := opt.Plan(context.Background(), []*structs.OpenShift{normal, urgent},
		structs.GoalBestMatch, mock.MatchingConfig())
	must.NoError(t, err)
	must.Len(t, 1, result.Assignments)
	must.Eq(t, urgent.ID, result.Assignments[0].ShiftID)
}

func TestOptimizer_Plan_BalancedWorkload(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)

	shifts := spreadShifts(t, store, 4)

	// A loaded caregiver and an idle one; balance should spread work to
	// the idle one despite identical static scores.
	loaded := mock.Caregiver()
	idle := mock.Caregiver()
	must.NoError(t, store.UpsertCaregiver(loaded))
	must.NoError(t, store.UpsertCaregiver(idle))

	busy := &structs.ScheduledVisit{
		ID:             "busy-week",
		CaregiverID:    loaded.ID,
		ClientID:       "client-z",
		OrganizationID: "org-1",
		// Same week as the shifts, clear of every shift window.
		StartTime: shifts[0].EndTime.Add(time.Hour),
		EndTime:   shifts[0].EndTime.Add(21 * time.Hour),
		Status:         structs.VisitStatusScheduled,
	}
	must.NoError(t, store.UpsertVisit(busy))

	result, err := opt.Plan(context.Background(), shifts,
		structs.GoalBalancedWorkload, mock.MatchingConfig())
	must.NoError(t, err)
	must.Len(t, 4, result.Assignments)

	counts := map[string]int{}
	for _, a := range result.Assignments {
		counts[a.CaregiverID]++
	}
	must.True(t, counts[idle.ID] >= counts[loaded.ID])
}

func TestOptimizer_PlanGenetic(t *testing.T) {
	ci.Parallel(t)
	ci.SkipSlow(t, "CM_SLOW_TESTS")
	opt, store := testOptimizer(t)

	shifts := spreadShifts(t, store, 5)
	for i := 0; i < 3; i++ {
		must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))
	}

	cfg := mock.MatchingConfig()
	greedy, err := opt.Plan(context.Background(), shifts, structs.GoalBestMatch, cfg)
	must.NoError(t, err)

	genetic, err := opt.PlanGenetic(context.Background(), shifts, structs.GoalBestMatch, cfg, 30, 40, 1)
	must.NoError(t, err)

	// The greedy seed guarantees the genetic pass never does worse.
	must.True(t, planScore(genetic) >= planScore(greedy))

	// Constraints hold: no overlapping assignments per caregiver.
	byCaregiver := map[string][]*structs.Assignment{}
	for _, a := range genetic.Assignments {
		byCaregiver[a.CaregiverID] = append(byCaregiver[a.CaregiverID], a)
	}
	windows := map[string]structs.TimeRange{}
	for _, shift := range shifts {
		windows[shift.ID] = shift.Window()
	}
	for _, list := range byCaregiver {
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				must.False(t, windows[list[i].ShiftID].Overlaps(windows[list[j].ShiftID]))
			}
		}
	}
}

func TestOptimizer_PlanGenetic_NoShifts(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)
	must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))

	result, err := opt.PlanGenetic(context.Background(), nil,
		structs.GoalBestMatch, mock.MatchingConfig(), 10, 5, 1)
	must.NoError(t, err)
	must.Len(t, 0, result.Assignments)
	must.Len(t, 0, result.Unassigned)
}

func planScore(r *PlanResult) int {
	total := 0
	for _, a := range r.Assignments {
		total += a.Score
	}
	return total
}

func TestOptimizer_Plan_NoCandidates(t *testing.T) {
	ci.Parallel(t)
	opt, store := testOptimizer(t)

	shifts := spreadShifts(t, store, 2)
	// No caregivers at all.
	result, err := opt.Plan(context.Background(), shifts, structs.GoalBestMatch, mock.MatchingConfig())
	must.NoError(t, err)
	must.Len(t, 0, result.Assignments)
	must.Len(t, 2, result.Unassigned)
}
