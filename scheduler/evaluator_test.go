// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/testlog"
)

func testEvaluator(t *testing.T) (*Evaluator, *state.StateStore) {
	t.Helper()
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	return NewEvaluator(testlog.HCLogger(t), store, nil, 0), store
}

func TestNewEvaluator_FanOut(t *testing.T) {
	ci.Parallel(t)
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)

	// A configured fan-out is used as given.
	eval := NewEvaluator(testlog.HCLogger(t), store, nil, 3)
	must.Eq(t, 3, eval.fanOut)

	// Zero picks a CPU-derived default; either way the cap holds.
	eval = NewEvaluator(testlog.HCLogger(t), store, nil, 0)
	must.Positive(t, eval.fanOut)
	must.LessEq(t, maxFanOut, eval.fanOut)

	eval = NewEvaluator(testlog.HCLogger(t), store, nil, 10_000)
	must.Eq(t, maxFanOut, eval.fanOut)
}

func TestEvaluator_RankShift(t *testing.T) {
	ci.Parallel(t)
	eval, store := testEvaluator(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	strong := mock.Caregiver()
	weak := mock.Caregiver()
	weak.Skills = nil // missing required skill: ineligible
	blocked := mock.Caregiver()
	shift.BlockedCaregivers = []string{blocked.ID}
	must.NoError(t, store.UpsertShift(shiftWithVersion(t, store, shift)))

	for _, c := range []*structs.Caregiver{strong, weak, blocked} {
		must.NoError(t, store.UpsertCaregiver(c))
	}

	cfg := mock.MatchingConfig()
	out, err := eval.RankShift(context.Background(), shift, cfg, 0)
	must.NoError(t, err)
	must.Len(t, 3, out)

	// Eligible candidates lead; the strong one wins.
	must.True(t, out[0].Eligible)
	must.Eq(t, strong.ID, out[0].CaregiverID)
	must.False(t, out[1].Eligible)
	must.False(t, out[2].Eligible)

	// Truncation keeps the head of the ranking.
	out, err = eval.RankShift(context.Background(), shift, cfg, 1)
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, strong.ID, out[0].CaregiverID)
}

// shiftWithVersion re-reads the current row so a second upsert carries
// the right version.
func shiftWithVersion(t *testing.T, store *state.StateStore, shift *structs.OpenShift) *structs.OpenShift {
	t.Helper()
	current, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	updated := shift.Copy()
	updated.Version = current.Version
	return updated
}

func TestEvaluator_RankShift_Deterministic(t *testing.T) {
	ci.Parallel(t)
	eval, store := testEvaluator(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))
	for i := 0; i < 8; i++ {
		must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))
	}

	cfg := mock.MatchingConfig()
	a, err := eval.RankShift(context.Background(), shift, cfg, 0)
	must.NoError(t, err)
	b, err := eval.RankShift(context.Background(), shift, cfg, 0)
	must.NoError(t, err)

	ignoreClock := cmpopts.IgnoreFields(structs.MatchCandidate{}, "ComputedAt")
	if diff := cmp.Diff(a, b, ignoreClock); diff != "" {
		t.Fatalf("ranking is not deterministic:\n%s", diff)
	}
}

func TestEvaluator_EligibleShiftsForCaregiver(t *testing.T) {
	ci.Parallel(t)
	eval, store := testEvaluator(t)

	caregiver := mock.Caregiver()
	must.NoError(t, store.UpsertCaregiver(caregiver))

	selectable := mock.Shift()
	must.NoError(t, store.UpsertShift(selectable))

	assigned := mock.Shift()
	must.NoError(t, store.UpsertShift(assigned))
	_, err := store.UpdateShiftStatus(assigned.ID, 0, structs.ShiftStatusAssigned, "cg-x")
	must.NoError(t, err)

	tooHard := mock.Shift()
	tooHard.RequiredSkills = []string{"Ventilator Care"}
	must.NoError(t, store.UpsertShift(tooHard))

	out, err := eval.EligibleShiftsForCaregiver(context.Background(), caregiver.ID, 0)
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, selectable.ID, out[0].ShiftID)

	// A floor above the achievable score empties the list.
	out, err = eval.EligibleShiftsForCaregiver(context.Background(), caregiver.ID, 101)
	must.NoError(t, err)
	must.Len(t, 0, out)
}

func TestEvaluator_Cancellation(t *testing.T) {
	ci.Parallel(t)
	eval, store := testEvaluator(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))
	must.NoError(t, store.UpsertCaregiver(mock.Caregiver()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eval.RankShift(ctx, shift, mock.MatchingConfig(), 0)
	must.ErrorIs(t, err, context.Canceled)
}

func TestRankCandidates_Ordering(t *testing.T) {
	ci.Parallel(t)

	mk := func(id string, eligible bool, score int, dist *float64) *structs.MatchCandidate {
		return &structs.MatchCandidate{
			CaregiverID:   id,
			Eligible:      eligible,
			OverallScore:  score,
			DistanceMiles: dist,
		}
	}
	near := 2.0
	far := 9.0

	cands := []*structs.MatchCandidate{
		mk("e", false, 99, nil),
		mk("d", true, 80, nil),
		mk("c", true, 80, &far),
		mk("b", true, 80, &near),
		mk("a", true, 90, nil),
	}
	RankCandidates(cands)

	var order []string
	for _, c := range cands {
		order = append(order, c.CaregiverID)
	}
	must.Eq(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestEvaluator_DefensiveDefaults(t *testing.T) {
	ci.Parallel(t)

	// The kernel must score a bare context without panicking and land on
	// neutral proximity and the supplied reliability default.
	caregiver := mock.Caregiver()
	ctx := &structs.CaregiverContext{Caregiver: caregiver, ReliabilityScore: 50}
	cand := Score(mock.Shift(), ctx, mock.MatchingConfig(), time.Now().UTC())
	must.Eq(t, 50, cand.Dimensions.ProximityMatch)
	must.Eq(t, 50, cand.Dimensions.ReliabilityMatch) // boost does not apply below 90
}
