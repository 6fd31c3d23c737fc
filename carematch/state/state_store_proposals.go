// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	uuidparse "github.com/hashicorp/go-uuid"

	"github.com/carematch/carematch/carematch/structs"
)

// RespondResult reports the rows touched by an accept or reject.
type RespondResult struct {
	Proposal   *structs.AssignmentProposal
	Shift      *structs.OpenShift
	Superseded []*structs.AssignmentProposal
}

// CreateProposals atomically inserts a batch of PENDING proposals for one
// shift, transitions the shift, and appends one history row per attempt.
// Once a shift is ASSIGNED no further proposals may be created for it.
func (s *StateStore) CreateProposals(shiftID string, proposals []*structs.AssignmentProposal, shiftStatus structs.ShiftStatus, history []*structs.MatchHistory) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	shift, err := shiftByIDTxn(txn, shiftID)
	if err != nil {
		return err
	}
	if shift.Status == structs.ShiftStatusAssigned {
		return fmt.Errorf("shift %s is already assigned: %w", shiftID, structs.ErrConflict)
	}
	if shift.Status.Terminal() {
		return fmt.Errorf("shift %s is %s: %w", shiftID, shift.Status, structs.ErrConflict)
	}

	now := time.Now().UTC()
	for _, p := range proposals {
		if err := p.Validate(); err != nil {
			return err
		}

		// At most one non-terminal proposal per (shift, caregiver).
		live, err := nonTerminalByShiftCaregiverTxn(txn, shiftID, p.CaregiverID)
		if err != nil {
			return err
		}
		if live != nil {
			return fmt.Errorf("caregiver %s already has live proposal %s for shift %s: %w",
				p.CaregiverID, live.ID, shiftID, structs.ErrConflict)
		}

		p = p.Copy()
		p.CreateTime = now
		p.ModifyTime = now
		p.Version = 1
		if err := txn.Insert(TableProposals, p); err != nil {
			return fmt.Errorf("proposal insert failed: %v", err)
		}
	}

	if _, err := updateShiftStatusTxn(txn, shiftID, 0, shiftStatus, ""); err != nil {
		return err
	}

	if err := appendHistoryTxn(txn, history); err != nil {
		return err
	}

	if err := updateIndexTxn(txn, TableProposals, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ProposalByID returns one proposal or ErrNotFound.
func (s *StateStore) ProposalByID(id string) (*structs.AssignmentProposal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return proposalByIDTxn(txn, id)
}

func proposalByIDTxn(txn *memdb.Txn, id string) (*structs.AssignmentProposal, error) {
	raw, err := txn.First(TableProposals, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("proposal lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("proposal", id)
	}
	return raw.(*structs.AssignmentProposal), nil
}

// ProposalsByShift returns all proposals for a shift, newest first.
func (s *StateStore) ProposalsByShift(shiftID string) ([]*structs.AssignmentProposal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableProposals, indexShift, shiftID)
	if err != nil {
		return nil, fmt.Errorf("proposal lookup failed: %v", err)
	}
	var out []*structs.AssignmentProposal
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.AssignmentProposal))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ProposedAt.After(out[j].ProposedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// NonTerminalProposals returns the live (PENDING, SENT, VIEWED) proposals
// for a shift.
func (s *StateStore) NonTerminalProposals(shiftID string) ([]*structs.AssignmentProposal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return nonTerminalProposalsTxn(txn, shiftID)
}

func nonTerminalProposalsTxn(txn *memdb.Txn, shiftID string) ([]*structs.AssignmentProposal, error) {
	var out []*structs.AssignmentProposal
	for _, status := range []structs.ProposalStatus{
		structs.ProposalStatusPending, structs.ProposalStatusSent, structs.ProposalStatusViewed,
	} {
		iter, err := txn.Get(TableProposals, indexShiftStatus, shiftID, string(status))
		if err != nil {
			return nil, fmt.Errorf("proposal lookup failed: %v", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			out = append(out, raw.(*structs.AssignmentProposal))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func nonTerminalByShiftCaregiverTxn(txn *memdb.Txn, shiftID, caregiverID string) (*structs.AssignmentProposal, error) {
	live, err := nonTerminalProposalsTxn(txn, shiftID)
	if err != nil {
		return nil, err
	}
	for _, p := range live {
		if p.CaregiverID == caregiverID {
			return p, nil
		}
	}
	return nil, nil
}

// ProposalsByCaregiver returns a caregiver's proposals, optionally only
// the respondable ones, newest first.
func (s *StateStore) ProposalsByCaregiver(caregiverID string, respondableOnly bool) ([]*structs.AssignmentProposal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableProposals, indexCaregiver, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("proposal lookup failed: %v", err)
	}
	var out []*structs.AssignmentProposal
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		p := raw.(*structs.AssignmentProposal)
		if respondableOnly && !p.Status.Respondable() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.After(out[j].ProposedAt) })
	return out, nil
}

// ExpiredProposals returns live proposals whose TTL elapsed at or before
// now.
func (s *StateStore) ExpiredProposals(now time.Time) ([]*structs.AssignmentProposal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var out []*structs.AssignmentProposal
	for _, status := range []structs.ProposalStatus{
		structs.ProposalStatusPending, structs.ProposalStatusSent, structs.ProposalStatusViewed,
	} {
		iter, err := txn.Get(TableProposals, indexStatus, string(status))
		if err != nil {
			return nil, fmt.Errorf("proposal lookup failed: %v", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			p := raw.(*structs.AssignmentProposal)
			if p.Expired(now) {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkProposalSent records delivery. Idempotent: repeats and calls on
// already-viewed proposals are no-ops.
func (s *StateStore) MarkProposalSent(id string, now time.Time) (*structs.AssignmentProposal, error) {
	return s.markMonotone(id, structs.ProposalStatusSent, now)
}

// MarkProposalViewed records the caregiver opening the proposal.
// Idempotent and monotone: a view implies sent.
func (s *StateStore) MarkProposalViewed(id string, now time.Time) (*structs.AssignmentProposal, error) {
	return s.markMonotone(id, structs.ProposalStatusViewed, now)
}

func (s *StateStore) markMonotone(id string, target structs.ProposalStatus, now time.Time) (*structs.AssignmentProposal, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	p, err := proposalByIDTxn(txn, id)
	if err != nil {
		return nil, err
	}

	// Monotone no-op: already at or past the target.
	rank := func(st structs.ProposalStatus) int {
		switch st {
		case structs.ProposalStatusPending:
			return 0
		case structs.ProposalStatusSent:
			return 1
		case structs.ProposalStatusViewed:
			return 2
		default:
			return 3
		}
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, structs.ErrConflict)
	}
	if rank(p.Status) >= rank(target) {
		return p, nil
	}

	updated := p.Copy()
	updated.Status = target
	switch target {
	case structs.ProposalStatusSent:
		updated.SentAt = &now
	case structs.ProposalStatusViewed:
		if updated.SentAt == nil {
			updated.SentAt = &now
		}
		updated.ViewedAt = &now
	}
	updated.Version++
	updated.ModifyTime = now

	if err := txn.Insert(TableProposals, updated); err != nil {
		return nil, fmt.Errorf("proposal update failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableProposals, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated, nil
}

// AcceptProposal atomically accepts the target proposal, supersedes all
// live siblings, transitions the shift to ASSIGNED, and appends history
// rows for every touched proposal. The expectedVersion guard prevents
// lost updates against concurrent responds and sweeps.
func (s *StateStore) AcceptProposal(id string, expectedVersion uint64, actor string, now time.Time) (*RespondResult, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	p, err := proposalByIDTxn(txn, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && p.Version != expectedVersion {
		return nil, structs.NewStaleVersionError("proposal", id, expectedVersion, p.Version)
	}
	if err := p.CanTransition(structs.ProposalStatusAccepted); err != nil {
		return nil, err
	}

	shift, err := shiftByIDTxn(txn, p.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status == structs.ShiftStatusAssigned {
		return nil, fmt.Errorf("shift %s is already assigned: %w", shift.ID, structs.ErrConflict)
	}

	accepted := p.Copy()
	accepted.Status = structs.ProposalStatusAccepted
	accepted.RespondedAt = &now
	accepted.RespondedBy = actor
	accepted.Version++
	accepted.ModifyTime = now
	if err := txn.Insert(TableProposals, accepted); err != nil {
		return nil, fmt.Errorf("proposal update failed: %v", err)
	}

	// Supersede every other live proposal for the shift.
	siblings, err := nonTerminalProposalsTxn(txn, p.ShiftID)
	if err != nil {
		return nil, err
	}
	var superseded []*structs.AssignmentProposal
	for _, sib := range siblings {
		if sib.ID == id {
			continue
		}
		sup := sib.Copy()
		sup.Status = structs.ProposalStatusSuperseded
		sup.RespondedAt = &now
		sup.Version++
		sup.ModifyTime = now
		if err := txn.Insert(TableProposals, sup); err != nil {
			return nil, fmt.Errorf("proposal update failed: %v", err)
		}
		superseded = append(superseded, sup)
	}

	updatedShift, err := updateShiftStatusTxn(txn, p.ShiftID, 0, structs.ShiftStatusAssigned, p.CaregiverID)
	if err != nil {
		return nil, err
	}

	// History: one row for the accept, one per superseded sibling.
	rows := []*structs.MatchHistory{historyRowTxn(txn, accepted, structs.OutcomeAccepted, now)}
	for _, sup := range superseded {
		rows = append(rows, historyRowTxn(txn, sup, structs.OutcomeSuperseded, now))
	}
	if err := appendHistoryTxn(txn, rows); err != nil {
		return nil, err
	}

	// The accepted proposal becomes a scheduled visit on the caregiver's
	// calendar so future conflict checks see it.
	visit := &structs.ScheduledVisit{
		ID:             accepted.ID,
		CaregiverID:    accepted.CaregiverID,
		ClientID:       updatedShift.ClientID,
		OrganizationID: updatedShift.OrganizationID,
		StartTime:      updatedShift.StartTime,
		EndTime:        updatedShift.EndTime,
		Status:         structs.VisitStatusScheduled,
		CreateTime:     now,
		ModifyTime:     now,
		Version:        1,
	}
	if err := txn.Insert(TableVisits, visit); err != nil {
		return nil, fmt.Errorf("visit insert failed: %v", err)
	}

	if err := updateIndexTxn(txn, TableProposals, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return &RespondResult{Proposal: accepted, Shift: updatedShift, Superseded: superseded}, nil
}

// RejectProposal atomically rejects the target proposal, and when no
// live siblings remain moves the shift back to MATCHING so the operator
// may re-run the evaluator.
func (s *StateStore) RejectProposal(id string, expectedVersion uint64, actor, reason string, category structs.RejectionCategory, now time.Time) (*RespondResult, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	p, err := proposalByIDTxn(txn, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && p.Version != expectedVersion {
		return nil, structs.NewStaleVersionError("proposal", id, expectedVersion, p.Version)
	}
	if err := p.CanTransition(structs.ProposalStatusRejected); err != nil {
		return nil, err
	}

	rejected := p.Copy()
	rejected.Status = structs.ProposalStatusRejected
	rejected.RespondedAt = &now
	rejected.RespondedBy = actor
	rejected.RejectionReason = reason
	rejected.RejectionCategory = category
	rejected.Version++
	rejected.ModifyTime = now
	if err := txn.Insert(TableProposals, rejected); err != nil {
		return nil, fmt.Errorf("proposal update failed: %v", err)
	}

	if err := appendHistoryTxn(txn, []*structs.MatchHistory{
		historyRowTxn(txn, rejected, structs.OutcomeRejected, now),
	}); err != nil {
		return nil, err
	}

	result := &RespondResult{Proposal: rejected}

	remaining, err := nonTerminalProposalsTxn(txn, p.ShiftID)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		shift, err := shiftByIDTxn(txn, p.ShiftID)
		if err != nil {
			return nil, err
		}
		if !shift.Status.Terminal() {
			updated, err := updateShiftStatusTxn(txn, p.ShiftID, 0, structs.ShiftStatusMatching, "")
			if err != nil {
				return nil, err
			}
			result.Shift = updated
		}
	}

	if err := updateIndexTxn(txn, TableProposals, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return result, nil
}

// ExpireProposals transitions every live proposal with expires_at <= now
// to EXPIRED in one transaction, appending exactly one history row per
// proposal. Shifts whose last live proposal expired move back to
// MATCHING. Safe to run concurrently with responds: the write
// transaction serializes them, so an accept that commits first removes
// its proposal from the expired set.
func (s *StateStore) ExpireProposals(now time.Time) ([]*structs.AssignmentProposal, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	var expired []*structs.AssignmentProposal
	touchedShifts := map[string]bool{}

	for _, status := range []structs.ProposalStatus{
		structs.ProposalStatusPending, structs.ProposalStatusSent, structs.ProposalStatusViewed,
	} {
		iter, err := txn.Get(TableProposals, indexStatus, string(status))
		if err != nil {
			return nil, fmt.Errorf("proposal lookup failed: %v", err)
		}
		// Materialize before writing: memdb iterators must not observe
		// writes from the same txn mid-scan.
		var batch []*structs.AssignmentProposal
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			p := raw.(*structs.AssignmentProposal)
			if p.Expired(now) {
				batch = append(batch, p)
			}
		}
		for _, p := range batch {
			up := p.Copy()
			up.Status = structs.ProposalStatusExpired
			up.ExpiredAt = &now
			up.Version++
			up.ModifyTime = now
			if err := txn.Insert(TableProposals, up); err != nil {
				return nil, fmt.Errorf("proposal update failed: %v", err)
			}
			expired = append(expired, up)
			touchedShifts[up.ShiftID] = true
		}
	}

	var rows []*structs.MatchHistory
	for _, p := range expired {
		rows = append(rows, historyRowTxn(txn, p, structs.OutcomeExpired, now))
	}
	if err := appendHistoryTxn(txn, rows); err != nil {
		return nil, err
	}

	for shiftID := range touchedShifts {
		remaining, err := nonTerminalProposalsTxn(txn, shiftID)
		if err != nil {
			return nil, err
		}
		if len(remaining) != 0 {
			continue
		}
		shift, err := shiftByIDTxn(txn, shiftID)
		if err != nil {
			if structs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if shift.Status == structs.ShiftStatusProposed {
			if _, err := updateShiftStatusTxn(txn, shiftID, 0, structs.ShiftStatusMatching, ""); err != nil {
				return nil, err
			}
		}
	}

	if len(expired) > 0 {
		if err := updateIndexTxn(txn, TableProposals, index); err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return expired, nil
}

// WithdrawProposalsForShift moves every live proposal for a shift to
// WITHDRAWN; used on shift cancellation and deletion.
func (s *StateStore) WithdrawProposalsForShift(shiftID string, now time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	n, err := withdrawProposalsTxn(txn, shiftID, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := updateIndexTxn(txn, TableProposals, index); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return n, nil
}

func withdrawProposalsTxn(txn *memdb.Txn, shiftID string, now time.Time) (int, error) {
	live, err := nonTerminalProposalsTxn(txn, shiftID)
	if err != nil {
		return 0, err
	}
	var rows []*structs.MatchHistory
	for _, p := range live {
		up := p.Copy()
		up.Status = structs.ProposalStatusWithdrawn
		up.Version++
		up.ModifyTime = now
		if err := txn.Insert(TableProposals, up); err != nil {
			return 0, fmt.Errorf("proposal update failed: %v", err)
		}
		rows = append(rows, historyRowTxn(txn, up, structs.OutcomeWithdrawn, now))
	}
	if err := appendHistoryTxn(txn, rows); err != nil {
		return 0, err
	}
	return len(live), nil
}

// historyRowTxn builds the append-only history row for a proposal
// outcome. The attempt number continues the shift+caregiver sequence.
func historyRowTxn(txn *memdb.Txn, p *structs.AssignmentProposal, outcome structs.MatchOutcome, now time.Time) *structs.MatchHistory {
	id, err := uuidparse.GenerateUUID()
	if err != nil {
		panic(fmt.Sprintf("uuid generation failed: %v", err))
	}

	// Outcome rows stay on the attempt their proposal opened.
	attempt := nextAttemptTxn(txn, p.ShiftID, p.CaregiverID) - 1
	if attempt < 1 {
		attempt = 1
	}

	var responseTime time.Duration
	if outcome == structs.OutcomeAccepted || outcome == structs.OutcomeRejected {
		responseTime = now.Sub(p.ProposedAt)
	}

	var org string
	if shift, err := shiftByIDTxn(txn, p.ShiftID); err == nil {
		org = shift.OrganizationID
	}

	return &structs.MatchHistory{
		ID:                id,
		ShiftID:           p.ShiftID,
		CaregiverID:       p.CaregiverID,
		ProposalID:        p.ID,
		OrganizationID:    org,
		AttemptNumber:     attempt,
		Score:             p.Score,
		Quality:           p.Quality,
		Outcome:           outcome,
		ResponseTime:      responseTime,
		RejectionCategory: p.RejectionCategory,
		ConfigSnapshot:    p.ConfigSnapshot,
		CreateTime:        now,
	}
}

// nextAttemptTxn returns one past the highest attempt recorded for the
// shift and caregiver pair.
func nextAttemptTxn(txn *memdb.Txn, shiftID, caregiverID string) int {
	attempt := 0
	if iter, err := txn.Get(TableHistory, indexShift, shiftID); err == nil {
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			row := raw.(*structs.MatchHistory)
			if row.CaregiverID == caregiverID && row.AttemptNumber > attempt {
				attempt = row.AttemptNumber
			}
		}
	}
	return attempt + 1
}

func appendHistoryTxn(txn *memdb.Txn, rows []*structs.MatchHistory) error {
	for _, row := range rows {
		// Rows arriving without an attempt open the next evaluation
		// round for their shift+caregiver pair.
		if row.AttemptNumber == 0 {
			row.AttemptNumber = nextAttemptTxn(txn, row.ShiftID, row.CaregiverID)
		}
		if err := txn.Insert(TableHistory, row); err != nil {
			return fmt.Errorf("history insert failed: %v", err)
		}
	}
	return nil
}
