// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/pointer"
	"github.com/carematch/carematch/helper/testlog"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	return store
}

func TestStateStore_UpsertShift_RoundTrip(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	out, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, shift.ID, out.ID)
	must.Eq(t, uint64(1), out.Version)
	must.Eq(t, structs.ShiftStatusNew, out.Status)

	_, err = store.ShiftByID("nope")
	must.ErrorIs(t, err, structs.ErrNotFound)
}

func TestStateStore_UpsertShift_StaleVersion(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	// Replay with the pre-insert version.
	stale := shift.Copy()
	stale.Version = 7
	err := store.UpsertShift(stale)
	must.ErrorIs(t, err, structs.ErrStaleVersion)
	must.ErrorIs(t, err, structs.ErrConflict)

	// Carrying the current version succeeds and bumps.
	current, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	update := current.Copy()
	update.Priority = structs.ShiftPriorityUrgent
	must.NoError(t, store.UpsertShift(update))

	out, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, uint64(2), out.Version)
	must.Eq(t, structs.ShiftPriorityUrgent, out.Priority)
}

func TestStateStore_ListShifts_OrderAndPagination(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	urgent := mock.Shift()
	urgent.Priority = structs.ShiftPriorityUrgent
	early := mock.Shift()
	early.ScheduledDate = early.ScheduledDate.AddDate(0, 0, -1)
	late := mock.Shift()
	late.ScheduledDate = late.ScheduledDate.AddDate(0, 0, 3)

	for _, shift := range []*structs.OpenShift{late, urgent, early} {
		must.NoError(t, store.UpsertShift(shift))
	}

	filter := &structs.ShiftListFilter{OrganizationID: "org-1"}

	page1, meta, err := store.ListShifts(filter, &structs.QueryOptions{PerPage: 2})
	must.NoError(t, err)
	must.Len(t, 2, page1)
	must.Eq(t, 3, meta.Total)
	must.Eq(t, urgent.ID, page1[0].ID)
	must.Eq(t, early.ID, page1[1].ID)
	must.NotEq(t, "", meta.NextToken)

	page2, meta2, err := store.ListShifts(filter, &structs.QueryOptions{
		PerPage: 2, NextToken: meta.NextToken,
	})
	must.NoError(t, err)
	must.Len(t, 1, page2)
	must.Eq(t, late.ID, page2[0].ID)
	must.Eq(t, "", meta2.NextToken)
}

func TestStateStore_UpdateShiftStatus_VersionCheck(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	_, err := store.UpdateShiftStatus(shift.ID, 99, structs.ShiftStatusMatching, "")
	must.ErrorIs(t, err, structs.ErrStaleVersion)

	updated, err := store.UpdateShiftStatus(shift.ID, 1, structs.ShiftStatusMatching, "")
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusMatching, updated.Status)
	must.Eq(t, uint64(2), updated.Version)
}

func TestStateStore_CandidatesForShift(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	eligible := mock.Caregiver()
	otherOrg := mock.Caregiver()
	otherOrg.OrganizationID = "org-2"
	inactive := mock.Caregiver()
	inactive.Active = false
	wrongBranch := mock.Caregiver()
	wrongBranch.BranchIDs = []string{"branch-9"}

	for _, c := range []*structs.Caregiver{eligible, otherOrg, inactive, wrongBranch} {
		must.NoError(t, store.UpsertCaregiver(c))
	}

	out, err := store.CandidatesForShift(shift)
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, eligible.ID, out[0].ID)
}

func TestStateStore_CaregiverContext(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift() // Mon 2026-03-02 09:00 UTC, 2h
	must.NoError(t, store.UpsertShift(shift))

	caregiver := mock.Caregiver()
	must.NoError(t, store.UpsertCaregiver(caregiver))

	// Same week, no overlap: counts toward week minutes only.
	sameWeek := &structs.ScheduledVisit{
		ID:             "visit-week",
		CaregiverID:    caregiver.ID,
		ClientID:       "client-x",
		OrganizationID: shift.OrganizationID,
		StartTime:      shift.StartTime.AddDate(0, 0, 1),
		EndTime:        shift.StartTime.AddDate(0, 0, 1).Add(3 * time.Hour),
		Status:         structs.VisitStatusScheduled,
	}
	must.NoError(t, store.UpsertVisit(sameWeek))

	// Within the 30-minute travel buffer of the shift: a conflict.
	adjacent := &structs.ScheduledVisit{
		ID:             "visit-adjacent",
		CaregiverID:    caregiver.ID,
		ClientID:       "client-y",
		OrganizationID: shift.OrganizationID,
		StartTime:      shift.EndTime.Add(10 * time.Minute),
		EndTime:        shift.EndTime.Add(70 * time.Minute),
		Status:         structs.VisitStatusScheduled,
	}
	must.NoError(t, store.UpsertVisit(adjacent))

	// Completed visit with this client last month, rated.
	past := &structs.ScheduledVisit{
		ID:             "visit-past",
		CaregiverID:    caregiver.ID,
		ClientID:       shift.ClientID,
		OrganizationID: shift.OrganizationID,
		StartTime:      shift.StartTime.AddDate(0, -1, 0),
		EndTime:        shift.StartTime.AddDate(0, -1, 0).Add(2 * time.Hour),
		Status:         structs.VisitStatusCompleted,
		ClientRating:   pointer.Of(4.5),
	}
	must.NoError(t, store.UpsertVisit(past))

	now := shift.StartTime.Add(-24 * time.Hour)
	ctx, err := store.CaregiverContext(caregiver.ID, shift, now)
	must.NoError(t, err)

	// sameWeek (180) plus adjacent (60), both in the shift's week.
	must.Eq(t, 240, ctx.CurrentWeekMinutes)
	must.Len(t, 1, ctx.ConflictingVisits)
	must.Eq(t, "visit-adjacent", ctx.ConflictingVisits[0].VisitID)
	must.Eq(t, 1, ctx.PreviousVisitsWithClient)
	must.Eq(t, 4.5, ctx.LatestClientRating)
	must.Eq(t, 1, ctx.ClientTotalVisits)
}
