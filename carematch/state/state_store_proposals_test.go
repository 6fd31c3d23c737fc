// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
)

// seedProposals inserts a shift, n caregivers, and one live proposal per
// caregiver through the transactional create path.
func seedProposals(t *testing.T, store *StateStore, n int) (*structs.OpenShift, []*structs.AssignmentProposal) {
	t.Helper()

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))

	now := time.Now().UTC()
	var proposals []*structs.AssignmentProposal
	for i := 0; i < n; i++ {
		caregiver := mock.Caregiver()
		must.NoError(t, store.UpsertCaregiver(caregiver))

		p := mock.Proposal()
		p.ShiftID = shift.ID
		p.CaregiverID = caregiver.ID
		p.ProposedAt = now
		p.ExpiresAt = now.Add(2 * time.Hour)
		proposals = append(proposals, p)
	}

	must.NoError(t, store.CreateProposals(shift.ID, proposals, structs.ShiftStatusProposed, nil))
	return shift, proposals
}

func TestStateStore_CreateProposals(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 3)

	out, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusProposed, out.Status)

	live, err := store.NonTerminalProposals(shift.ID)
	must.NoError(t, err)
	must.Len(t, 3, live)

	// A second live proposal for the same pair is a conflict.
	dup := mock.Proposal()
	dup.ShiftID = shift.ID
	dup.CaregiverID = proposals[0].CaregiverID
	err = store.CreateProposals(shift.ID, []*structs.AssignmentProposal{dup}, structs.ShiftStatusProposed, nil)
	must.ErrorIs(t, err, structs.ErrConflict)

	// The failed batch must not have leaked any rows.
	live, err = store.NonTerminalProposals(shift.ID)
	must.NoError(t, err)
	must.Len(t, 3, live)
}

func TestStateStore_CreateProposals_AssignedShift(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift := mock.Shift()
	must.NoError(t, store.UpsertShift(shift))
	_, err := store.UpdateShiftStatus(shift.ID, 0, structs.ShiftStatusAssigned, "cg-1")
	must.NoError(t, err)

	p := mock.Proposal()
	p.ShiftID = shift.ID
	err = store.CreateProposals(shift.ID, []*structs.AssignmentProposal{p}, structs.ShiftStatusProposed, nil)
	must.ErrorIs(t, err, structs.ErrConflict)
}

func TestStateStore_AcceptProposal(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 3)
	target := proposals[0]

	now := time.Now().UTC()
	res, err := store.AcceptProposal(target.ID, 0, target.CaregiverID, now)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusAccepted, res.Proposal.Status)
	must.Eq(t, structs.ShiftStatusAssigned, res.Shift.Status)
	must.Eq(t, target.CaregiverID, res.Shift.AssignedCaregiverID)
	must.Len(t, 2, res.Superseded)
	for _, sup := range res.Superseded {
		must.Eq(t, structs.ProposalStatusSuperseded, sup.Status)
	}

	// No live proposals remain for the shift.
	live, err := store.NonTerminalProposals(shift.ID)
	must.NoError(t, err)
	must.Len(t, 0, live)

	// The accepted proposal produced a scheduled visit on the calendar.
	ctx, err := store.CaregiverContext(target.CaregiverID, shift, shift.StartTime.Add(-time.Hour))
	must.NoError(t, err)
	must.Len(t, 1, ctx.ConflictingVisits)

	// One ACCEPTED and two SUPERSEDED history rows.
	rows, err := store.HistoryByShift(shift.ID)
	must.NoError(t, err)
	var accepted, superseded int
	for _, row := range rows {
		switch row.Outcome {
		case structs.OutcomeAccepted:
			accepted++
		case structs.OutcomeSuperseded:
			superseded++
		}
	}
	must.Eq(t, 1, accepted)
	must.Eq(t, 2, superseded)
}

func TestStateStore_AcceptProposal_Conflicts(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, proposals := seedProposals(t, store, 2)
	now := time.Now().UTC()

	_, err := store.AcceptProposal(proposals[0].ID, 0, "cg", now)
	must.NoError(t, err)

	// Accepting the superseded sibling fails.
	_, err = store.AcceptProposal(proposals[1].ID, 0, "cg", now)
	must.ErrorIs(t, err, structs.ErrConflict)

	// Double accept fails too.
	_, err = store.AcceptProposal(proposals[0].ID, 0, "cg", now)
	must.ErrorIs(t, err, structs.ErrConflict)
}

func TestStateStore_AcceptProposal_StaleVersion(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, proposals := seedProposals(t, store, 1)

	_, err := store.AcceptProposal(proposals[0].ID, 42, "cg", time.Now().UTC())
	must.ErrorIs(t, err, structs.ErrStaleVersion)
}

func TestStateStore_RejectProposal_LastLive(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 2)
	now := time.Now().UTC()

	// Rejecting the first leaves a live sibling: shift stays PROPOSED.
	res, err := store.RejectProposal(proposals[0].ID, 0, proposals[0].CaregiverID,
		"too far", structs.RejectionCategoryDistance, now)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusRejected, res.Proposal.Status)
	must.Nil(t, res.Shift)

	out, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusProposed, out.Status)

	// Rejecting the last live proposal returns the shift to MATCHING.
	res, err = store.RejectProposal(proposals[1].ID, 0, proposals[1].CaregiverID,
		"schedule", structs.RejectionCategorySchedule, now)
	must.NoError(t, err)
	must.NotNil(t, res.Shift)
	must.Eq(t, structs.ShiftStatusMatching, res.Shift.Status)
}

func TestStateStore_MarkSentViewed_Monotone(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, proposals := seedProposals(t, store, 1)
	id := proposals[0].ID
	now := time.Now().UTC()

	p, err := store.MarkProposalSent(id, now)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusSent, p.Status)
	must.NotNil(t, p.SentAt)
	v := p.Version

	// Repeat is a no-op.
	p, err = store.MarkProposalSent(id, now.Add(time.Minute))
	must.NoError(t, err)
	must.Eq(t, v, p.Version)

	p, err = store.MarkProposalViewed(id, now.Add(2*time.Minute))
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusViewed, p.Status)
	must.NotNil(t, p.ViewedAt)

	// Sent after viewed is a no-op, not a regression.
	p, err = store.MarkProposalSent(id, now.Add(3*time.Minute))
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusViewed, p.Status)
}

func TestStateStore_ExpireProposals(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 2)

	// Nothing expires before the TTL.
	expired, err := store.ExpireProposals(time.Now().UTC())
	must.NoError(t, err)
	must.Len(t, 0, expired)

	// Past the TTL both expire, each exactly once, and the shift falls
	// back to MATCHING.
	future := time.Now().UTC().Add(3 * time.Hour)
	expired, err = store.ExpireProposals(future)
	must.NoError(t, err)
	must.Len(t, 2, expired)
	for _, p := range expired {
		must.Eq(t, structs.ProposalStatusExpired, p.Status)
		must.NotNil(t, p.ExpiredAt)
	}

	out, err := store.ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusMatching, out.Status)

	// The sweep is idempotent: a second pass finds nothing.
	expired, err = store.ExpireProposals(future.Add(time.Hour))
	must.NoError(t, err)
	must.Len(t, 0, expired)

	// Exactly one EXPIRED history row per proposal.
	rows, err := store.HistoryByShift(shift.ID)
	must.NoError(t, err)
	byProposal := map[string]int{}
	for _, row := range rows {
		if row.Outcome == structs.OutcomeExpired {
			byProposal[row.ProposalID]++
		}
	}
	must.MapLen(t, 2, byProposal)
	for _, p := range proposals {
		must.Eq(t, 1, byProposal[p.ID])
	}
}

func TestStateStore_AcceptExpireRace(t *testing.T) {
	ci.Parallel(t)

	// An accept and the TTL sweep race on the same proposal. The write
	// transaction serializes them, so exactly one transition lands and
	// the loser observes a terminal proposal.
	for i := 0; i < 25; i++ {
		store := testStateStore(t)

		shift := mock.Shift()
		must.NoError(t, store.UpsertShift(shift))
		caregiver := mock.Caregiver()
		must.NoError(t, store.UpsertCaregiver(caregiver))

		now := time.Now().UTC()
		p := mock.Proposal()
		p.ShiftID = shift.ID
		p.CaregiverID = caregiver.ID
		p.ProposedAt = now.Add(-time.Hour)
		p.ExpiresAt = now.Add(-time.Minute)
		must.NoError(t, store.CreateProposals(shift.ID,
			[]*structs.AssignmentProposal{p}, structs.ShiftStatusProposed, nil))

		var (
			wg        sync.WaitGroup
			acceptErr error
			expired   []*structs.AssignmentProposal
			expireErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = store.AcceptProposal(p.ID, 0, caregiver.ID, now)
		}()
		go func() {
			defer wg.Done()
			expired, expireErr = store.ExpireProposals(now)
		}()
		wg.Wait()

		must.NoError(t, expireErr)

		out, err := store.ProposalByID(p.ID)
		must.NoError(t, err)
		sh, err := store.ShiftByID(shift.ID)
		must.NoError(t, err)

		if acceptErr == nil {
			// Accept landed first: the sweep found nothing live.
			must.Eq(t, structs.ProposalStatusAccepted, out.Status)
			must.Eq(t, structs.ShiftStatusAssigned, sh.Status)
			must.Len(t, 0, expired)
		} else {
			// The sweep landed first: accept saw a terminal proposal.
			must.ErrorIs(t, acceptErr, structs.ErrConflict)
			must.Eq(t, structs.ProposalStatusExpired, out.Status)
			must.Eq(t, structs.ShiftStatusMatching, sh.Status)
			must.Len(t, 1, expired)
		}

		// Exactly one terminal history row either way.
		rows, err := store.HistoryByShift(shift.ID)
		must.NoError(t, err)
		terminal := 0
		for _, row := range rows {
			if row.Outcome == structs.OutcomeAccepted || row.Outcome == structs.OutcomeExpired {
				terminal++
			}
		}
		must.Eq(t, 1, terminal)
	}
}

func TestStateStore_DeleteShift_WithdrawsProposals(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 2)

	must.NoError(t, store.DeleteShift(shift.ID, 0, time.Now().UTC()))

	_, err := store.ShiftByID(shift.ID)
	must.ErrorIs(t, err, structs.ErrNotFound)

	for _, p := range proposals {
		out, err := store.ProposalByID(p.ID)
		must.NoError(t, err)
		must.Eq(t, structs.ProposalStatusWithdrawn, out.Status)
	}
}

func TestStateStore_ProposalsByCaregiver(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	shift, proposals := seedProposals(t, store, 2)
	_ = shift
	target := proposals[0]

	now := time.Now().UTC()
	_, err := store.RejectProposal(target.ID, 0, target.CaregiverID, "", structs.RejectionCategoryOther, now)
	must.NoError(t, err)

	all, err := store.ProposalsByCaregiver(target.CaregiverID, false)
	must.NoError(t, err)
	must.Len(t, 1, all)

	open, err := store.ProposalsByCaregiver(target.CaregiverID, true)
	must.NoError(t, err)
	must.Len(t, 0, open)
}
