// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
)

// captureNotifier records events for assertions.
type captureNotifier struct {
	mu      sync.Mutex
	created []string
	expired []string
}

func (n *captureNotifier) ProposalCreated(p *structs.AssignmentProposal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, p.ID)
}

func (n *captureNotifier) ProposalExpired(p *structs.AssignmentProposal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, p.ID)
}

func (n *captureNotifier) counts() (created, expired int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created), len(n.expired)
}

func TestProposalManager_AcceptFlow(t *testing.T) {
	ci.Parallel(t)
	notifier := &captureNotifier{}
	srv := testServer(t, &Config{Notifier: notifier})

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	for i := 0; i < 3; i++ {
		must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))
	}

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 3, res.Proposals)
	created, _ := notifier.counts()
	must.Eq(t, 3, created)

	top := res.Proposals[0]
	accepted, err := srv.Proposals.Respond(context.Background(), top.ID, top.Version, true, top.CaregiverID, "", "")
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusAccepted, accepted.Status)

	// The shift is assigned to the accepting caregiver and the siblings
	// are superseded.
	out, err := srv.Store().ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusAssigned, out.Status)
	must.Eq(t, top.CaregiverID, out.AssignedCaregiverID)

	all, err := srv.Store().ProposalsByShift(shift.ID)
	must.NoError(t, err)
	superseded := 0
	for _, p := range all {
		if p.Status == structs.ProposalStatusSuperseded {
			superseded++
		}
	}
	must.Eq(t, 2, superseded)

	// A second accept on a superseded sibling conflicts.
	for _, p := range all {
		if p.Status == structs.ProposalStatusSuperseded {
			_, err := srv.Proposals.Respond(context.Background(), p.ID, p.Version, true, p.CaregiverID, "", "")
			must.ErrorIs(t, err, structs.ErrConflict)
			break
		}
	}
}

func TestProposalManager_RejectReturnsShiftToMatching(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 1, res.Proposals)

	p := res.Proposals[0]
	rejected, err := srv.Proposals.Respond(context.Background(), p.ID, p.Version, false,
		p.CaregiverID, "too far", structs.RejectionCategoryDistance)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusRejected, rejected.Status)

	out, err := srv.Store().ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusMatching, out.Status)
}

func TestProposalManager_AttemptNumberAdvances(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	caregiver := mock.Caregiver()
	must.NoError(t, srv.Store().UpsertCaregiver(caregiver))

	// First round: propose and reject.
	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 1, res.Proposals)
	p := res.Proposals[0]
	_, err = srv.Proposals.Respond(context.Background(), p.ID, p.Version, false,
		p.CaregiverID, "too far", structs.RejectionCategoryDistance)
	must.NoError(t, err)

	// Second round for the same pair opens attempt 2.
	res, err = srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 1, res.Proposals)

	rows, err := srv.Store().HistoryByShift(shift.ID)
	must.NoError(t, err)
	must.Len(t, 3, rows)

	attempts := map[structs.MatchOutcome][]int{}
	for _, row := range rows {
		attempts[row.Outcome] = append(attempts[row.Outcome], row.AttemptNumber)
	}
	proposed := attempts[structs.OutcomeProposed]
	sort.Ints(proposed)
	must.Eq(t, []int{1, 2}, proposed)

	// The rejection stays on the attempt its proposal opened.
	must.Eq(t, []int{1}, attempts[structs.OutcomeRejected])
}

func TestProposalManager_CaregiverSelectShift(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	caregiver := mock.Caregiver()
	must.NoError(t, srv.Store().UpsertCaregiver(caregiver))

	p, err := srv.Proposals.CaregiverSelectShift(context.Background(), caregiver.ID, shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusPending, p.Status)
	must.Eq(t, caregiver.ID, p.CaregiverID)

	// Self-selecting the same shift again conflicts with the live
	// proposal.
	_, err = srv.Proposals.CaregiverSelectShift(context.Background(), caregiver.ID, shift.ID)
	must.ErrorIs(t, err, structs.ErrConflict)
}

func TestProposalManager_CaregiverSelectShift_AutoAssign(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	caregiver := mock.Caregiver()
	must.NoError(t, srv.Store().UpsertCaregiver(caregiver))

	profile := mock.PreferenceProfile(caregiver.ID)
	profile.AcceptAutoAssignment = true
	must.NoError(t, srv.Store().UpsertPreferenceProfile(profile))

	// Drop the threshold so the mock candidate clears it.
	cfg := mock.MatchingConfig()
	cfg.AutoAssignThreshold = 60
	must.NoError(t, srv.UpsertMatchingConfig(cfg))

	p, err := srv.Proposals.CaregiverSelectShift(context.Background(), caregiver.ID, shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusAccepted, p.Status)

	out, err := srv.Store().ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusAssigned, out.Status)
	must.Eq(t, caregiver.ID, out.AssignedCaregiverID)
}

func TestProposalManager_ProposeManual(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	caregiver := mock.Caregiver()
	must.NoError(t, srv.Store().UpsertCaregiver(caregiver))

	// A score floor the caregiver cannot clear does not block a manual
	// proposal.
	cfg := mock.MatchingConfig()
	cfg.MinScoreForProposal = 100
	must.NoError(t, srv.UpsertMatchingConfig(cfg))

	p, err := srv.Proposals.ProposeManual(context.Background(), shift.ID, caregiver.ID, 0)
	must.NoError(t, err)
	must.Eq(t, structs.ProposalStatusPending, p.Status)
	must.Eq(t, caregiver.ID, p.CaregiverID)

	out, err := srv.Store().ShiftByID(shift.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusProposed, out.Status)

	// Blocking issues still apply.
	blocked := mock.Shift()
	blocked.RequiredSkills = []string{"Wound Care"}
	must.NoError(t, srv.Store().UpsertShift(blocked))
	_, err = srv.Proposals.ProposeManual(context.Background(), blocked.ID, caregiver.ID, 0)
	must.ErrorIs(t, err, structs.ErrEligibility)
}

func TestProposalManager_CaregiverSelectShift_Ineligible(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	shift.RequiredSkills = []string{"Wound Care"}
	must.NoError(t, srv.Store().UpsertShift(shift))
	caregiver := mock.Caregiver()
	must.NoError(t, srv.Store().UpsertCaregiver(caregiver))

	_, err := srv.Proposals.CaregiverSelectShift(context.Background(), caregiver.ID, shift.ID)
	must.ErrorIs(t, err, structs.ErrEligibility)

	var elig *structs.EligibilityError
	must.True(t, errors.As(err, &elig))
	must.SliceNotEmpty(t, elig.Issues)
}
