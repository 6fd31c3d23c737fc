// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pgstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	uuidparse "github.com/hashicorp/go-uuid"

	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
)

func writeProposal(tx *sql.Tx, p *structs.AssignmentProposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("proposal encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO proposals (id, shift_id, caregiver_id, status, expires_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at,
		    version = EXCLUDED.version, doc = EXCLUDED.doc`,
		p.ID, p.ShiftID, p.CaregiverID, string(p.Status), p.ExpiresAt, p.Version, doc)
	if err != nil {
		return fmt.Errorf("proposal write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

func proposalByID(q querier, id string) (*structs.AssignmentProposal, error) {
	return docByID[structs.AssignmentProposal](q,
		`SELECT doc FROM proposals WHERE id = $1`, "proposal", id)
}

func proposalByIDForUpdate(tx *sql.Tx, id string) (*structs.AssignmentProposal, error) {
	return docByID[structs.AssignmentProposal](tx,
		`SELECT doc FROM proposals WHERE id = $1 FOR UPDATE`, "proposal", id)
}

const liveStatuses = `('PENDING', 'SENT', 'VIEWED')`

func nonTerminalProposals(q querier, shiftID string) ([]*structs.AssignmentProposal, error) {
	return docsWhere[structs.AssignmentProposal](q,
		`SELECT doc FROM proposals WHERE shift_id = $1 AND status IN `+liveStatuses+
			` ORDER BY id`, "proposal", shiftID)
}

func nonTerminalProposalsForUpdate(tx *sql.Tx, shiftID string) ([]*structs.AssignmentProposal, error) {
	return docsWhere[structs.AssignmentProposal](tx,
		`SELECT doc FROM proposals WHERE shift_id = $1 AND status IN `+liveStatuses+
			` ORDER BY id FOR UPDATE`, "proposal", shiftID)
}

// CreateProposals atomically inserts a batch of PENDING proposals for one
// shift, transitions the shift, and appends one history row per attempt.
// Once a shift is ASSIGNED no further proposals may be created for it.
func (s *Store) CreateProposals(shiftID string, proposals []*structs.AssignmentProposal, shiftStatus structs.ShiftStatus, history []*structs.MatchHistory) error {
	return s.withTxn(func(tx *sql.Tx) error {
		shift, err := shiftByIDForUpdate(tx, shiftID)
		if err != nil {
			return err
		}
		if shift.Status == structs.ShiftStatusAssigned {
			return fmt.Errorf("shift %s is already assigned: %w", shiftID, structs.ErrConflict)
		}
		if shift.Status.Terminal() {
			return fmt.Errorf("shift %s is %s: %w", shiftID, shift.Status, structs.ErrConflict)
		}

		live, err := nonTerminalProposalsForUpdate(tx, shiftID)
		if err != nil {
			return err
		}
		liveByCaregiver := map[string]string{}
		for _, p := range live {
			liveByCaregiver[p.CaregiverID] = p.ID
		}

		now := time.Now().UTC()
		for _, p := range proposals {
			if err := p.Validate(); err != nil {
				return err
			}
			if liveID, ok := liveByCaregiver[p.CaregiverID]; ok {
				return fmt.Errorf("caregiver %s already has live proposal %s for shift %s: %w",
					p.CaregiverID, liveID, shiftID, structs.ErrConflict)
			}

			p = p.Copy()
			p.CreateTime = now
			p.ModifyTime = now
			p.Version = 1
			if err := writeProposal(tx, p); err != nil {
				return err
			}
		}

		if _, err := updateShiftStatusTx(tx, shiftID, 0, shiftStatus, ""); err != nil {
			return err
		}
		return appendHistoryTx(tx, history)
	})
}

// ProposalByID returns one proposal or ErrNotFound.
func (s *Store) ProposalByID(id string) (*structs.AssignmentProposal, error) {
	return proposalByID(s.db, id)
}

// ProposalsByShift returns all proposals for a shift, newest first.
func (s *Store) ProposalsByShift(shiftID string) ([]*structs.AssignmentProposal, error) {
	return docsWhere[structs.AssignmentProposal](s.db,
		`SELECT doc FROM proposals WHERE shift_id = $1
		 ORDER BY (doc->>'ProposedAt') DESC, id`, "proposal", shiftID)
}

// NonTerminalProposals returns the live (PENDING, SENT, VIEWED) proposals
// for a shift.
func (s *Store) NonTerminalProposals(shiftID string) ([]*structs.AssignmentProposal, error) {
	return nonTerminalProposals(s.db, shiftID)
}

// ProposalsByCaregiver returns a caregiver's proposals, optionally only
// the respondable ones, newest first.
func (s *Store) ProposalsByCaregiver(caregiverID string, respondableOnly bool) ([]*structs.AssignmentProposal, error) {
	all, err := docsWhere[structs.AssignmentProposal](s.db,
		`SELECT doc FROM proposals WHERE caregiver_id = $1
		 ORDER BY (doc->>'ProposedAt') DESC, id`, "proposal", caregiverID)
	if err != nil {
		return nil, err
	}
	if !respondableOnly {
		return all, nil
	}
	out := all[:0]
	for _, p := range all {
		if p.Status.Respondable() {
			out = append(out, p)
		}
	}
	return out, nil
}

// ExpiredProposals returns live proposals whose TTL elapsed at or before
// now.
func (s *Store) ExpiredProposals(now time.Time) ([]*structs.AssignmentProposal, error) {
	return docsWhere[structs.AssignmentProposal](s.db,
		`SELECT doc FROM proposals WHERE status IN `+liveStatuses+
			` AND expires_at <= $1 ORDER BY id`, "proposal", now)
}

// MarkProposalSent records delivery. Idempotent: repeats and calls on
// already-viewed proposals are no-ops.
func (s *Store) MarkProposalSent(id string, now time.Time) (*structs.AssignmentProposal, error) {
	return s.markMonotone(id, structs.ProposalStatusSent, now)
}

// MarkProposalViewed records the caregiver opening the proposal.
// Idempotent and monotone: a view implies sent.
func (s *Store) MarkProposalViewed(id string, now time.Time) (*structs.AssignmentProposal, error) {
	return s.markMonotone(id, structs.ProposalStatusViewed, now)
}

func (s *Store) markMonotone(id string, target structs.ProposalStatus, now time.Time) (*structs.AssignmentProposal, error) {
	var result *structs.AssignmentProposal
	err := s.withTxn(func(tx *sql.Tx) error {
		p, err := proposalByIDForUpdate(tx, id)
		if err != nil {
			return err
		}

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
			return fmt.Errorf("proposal %s is %s: %w", id, p.Status, structs.ErrConflict)
		}
		if rank(p.Status) >= rank(target) {
			result = p
			return nil
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
		if err := writeProposal(tx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

// AcceptProposal atomically accepts the target proposal, supersedes all
// live siblings, transitions the shift to ASSIGNED, and appends history
// rows for every touched proposal. The expectedVersion guard prevents
// lost updates against concurrent responds and sweeps.
func (s *Store) AcceptProposal(id string, expectedVersion uint64, actor string, now time.Time) (*state.RespondResult, error) {
	var result *state.RespondResult
	err := s.withTxn(func(tx *sql.Tx) error {
		p, err := proposalByIDForUpdate(tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && p.Version != expectedVersion {
			return structs.NewStaleVersionError("proposal", id, expectedVersion, p.Version)
		}
		if err := p.CanTransition(structs.ProposalStatusAccepted); err != nil {
			return err
		}

		shift, err := shiftByIDForUpdate(tx, p.ShiftID)
		if err != nil {
			return err
		}
		if shift.Status == structs.ShiftStatusAssigned {
			return fmt.Errorf("shift %s is already assigned: %w", shift.ID, structs.ErrConflict)
		}

		accepted := p.Copy()
		accepted.Status = structs.ProposalStatusAccepted
		accepted.RespondedAt = &now
		accepted.RespondedBy = actor
		accepted.Version++
		accepted.ModifyTime = now
		if err := writeProposal(tx, accepted); err != nil {
			return err
		}

		siblings, err := nonTerminalProposalsForUpdate(tx, p.ShiftID)
		if err != nil {
			return err
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
			if err := writeProposal(tx, sup); err != nil {
				return err
			}
			superseded = append(superseded, sup)
		}

		updatedShift, err := updateShiftStatusTx(tx, p.ShiftID, 0, structs.ShiftStatusAssigned, p.CaregiverID)
		if err != nil {
			return err
		}

		rows := []*structs.MatchHistory{historyRowTx(tx, accepted, structs.OutcomeAccepted, now)}
		for _, sup := range superseded {
			rows = append(rows, historyRowTx(tx, sup, structs.OutcomeSuperseded, now))
		}
		if err := appendHistoryTx(tx, rows); err != nil {
			return err
		}

		// The accepted proposal becomes a scheduled visit on the
		// caregiver's calendar so future conflict checks see it.
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
		if err := writeVisit(tx, visit); err != nil {
			return err
		}

		result = &state.RespondResult{Proposal: accepted, Shift: updatedShift, Superseded: superseded}
		return nil
	})
	return result, err
}

// RejectProposal atomically rejects the target proposal, and when no
// live siblings remain moves the shift back to MATCHING so the operator
// may re-run the evaluator.
func (s *Store) RejectProposal(id string, expectedVersion uint64, actor, reason string, category structs.RejectionCategory, now time.Time) (*state.RespondResult, error) {
	var result *state.RespondResult
	err := s.withTxn(func(tx *sql.Tx) error {
		p, err := proposalByIDForUpdate(tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && p.Version != expectedVersion {
			return structs.NewStaleVersionError("proposal", id, expectedVersion, p.Version)
		}
		if err := p.CanTransition(structs.ProposalStatusRejected); err != nil {
			return err
		}

		rejected := p.Copy()
		rejected.Status = structs.ProposalStatusRejected
		rejected.RespondedAt = &now
		rejected.RespondedBy = actor
		rejected.RejectionReason = reason
		rejected.RejectionCategory = category
		rejected.Version++
		rejected.ModifyTime = now
		if err := writeProposal(tx, rejected); err != nil {
			return err
		}

		if err := appendHistoryTx(tx, []*structs.MatchHistory{
			historyRowTx(tx, rejected, structs.OutcomeRejected, now),
		}); err != nil {
			return err
		}

		result = &state.RespondResult{Proposal: rejected}

		remaining, err := nonTerminalProposals(tx, p.ShiftID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			shift, err := shiftByIDForUpdate(tx, p.ShiftID)
			if err != nil {
				return err
			}
			if !shift.Status.Terminal() {
				updated, err := updateShiftStatusTx(tx, p.ShiftID, 0, structs.ShiftStatusMatching, "")
				if err != nil {
					return err
				}
				result.Shift = updated
			}
		}
		return nil
	})
	return result, err
}

// ExpireProposals transitions every live proposal with expires_at <= now
// to EXPIRED in one transaction, appending exactly one history row per
// proposal. Shifts whose last live proposal expired move back to
// MATCHING.
func (s *Store) ExpireProposals(now time.Time) ([]*structs.AssignmentProposal, error) {
	var expired []*structs.AssignmentProposal
	err := s.withTxn(func(tx *sql.Tx) error {
		expired = nil
		batch, err := docsWhere[structs.AssignmentProposal](tx,
			`SELECT doc FROM proposals WHERE status IN `+liveStatuses+
				` AND expires_at <= $1 ORDER BY id FOR UPDATE`, "proposal", now)
		if err != nil {
			return err
		}

		touchedShifts := map[string]bool{}
		var rows []*structs.MatchHistory
		for _, p := range batch {
			up := p.Copy()
			up.Status = structs.ProposalStatusExpired
			up.ExpiredAt = &now
			up.Version++
			up.ModifyTime = now
			if err := writeProposal(tx, up); err != nil {
				return err
			}
			expired = append(expired, up)
			touchedShifts[up.ShiftID] = true
			rows = append(rows, historyRowTx(tx, up, structs.OutcomeExpired, now))
		}
		if err := appendHistoryTx(tx, rows); err != nil {
			return err
		}

		for shiftID := range touchedShifts {
			remaining, err := nonTerminalProposals(tx, shiftID)
			if err != nil {
				return err
			}
			if len(remaining) != 0 {
				continue
			}
			shift, err := shiftByIDForUpdate(tx, shiftID)
			if err != nil {
				if structs.IsNotFound(err) {
					continue
				}
				return err
			}
			if shift.Status == structs.ShiftStatusProposed {
				if _, err := updateShiftStatusTx(tx, shiftID, 0, structs.ShiftStatusMatching, ""); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return expired, err
}

// WithdrawProposalsForShift moves every live proposal for a shift to
// WITHDRAWN; used on shift cancellation and deletion.
func (s *Store) WithdrawProposalsForShift(shiftID string, now time.Time) (int, error) {
	var n int
	err := s.withTxn(func(tx *sql.Tx) error {
		var err error
		n, err = withdrawProposalsTx(tx, shiftID, now)
		return err
	})
	return n, err
}

func withdrawProposalsTx(tx *sql.Tx, shiftID string, now time.Time) (int, error) {
	live, err := nonTerminalProposalsForUpdate(tx, shiftID)
	if err != nil {
		return 0, err
	}
	var rows []*structs.MatchHistory
	for _, p := range live {
		up := p.Copy()
		up.Status = structs.ProposalStatusWithdrawn
		up.Version++
		up.ModifyTime = now
		if err := writeProposal(tx, up); err != nil {
			return 0, err
		}
		rows = append(rows, historyRowTx(tx, up, structs.OutcomeWithdrawn, now))
	}
	if err := appendHistoryTx(tx, rows); err != nil {
		return 0, err
	}
	return len(live), nil
}

// historyRowTx builds the append-only history row for a proposal
// outcome. The attempt number continues the shift+caregiver sequence.
func historyRowTx(tx *sql.Tx, p *structs.AssignmentProposal, outcome structs.MatchOutcome, now time.Time) *structs.MatchHistory {
	id, err := uuidparse.GenerateUUID()
	if err != nil {
		panic(fmt.Sprintf("uuid generation failed: %v", err))
	}

	// Outcome rows stay on the attempt their proposal opened.
	attempt := nextAttemptTx(tx, p.ShiftID, p.CaregiverID) - 1
	if attempt < 1 {
		attempt = 1
	}

	var responseTime time.Duration
	if outcome == structs.OutcomeAccepted || outcome == structs.OutcomeRejected {
		responseTime = now.Sub(p.ProposedAt)
	}

	var org string
	if shift, err := shiftByID(tx, p.ShiftID); err == nil {
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

// nextAttemptTx returns one past the highest attempt recorded for the
// shift and caregiver pair.
func nextAttemptTx(tx *sql.Tx, shiftID, caregiverID string) int {
	attempt := 0
	tx.QueryRow(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM match_history
		 WHERE shift_id = $1 AND caregiver_id = $2`,
		shiftID, caregiverID).Scan(&attempt)
	return attempt + 1
}

func appendHistoryTx(tx *sql.Tx, rows []*structs.MatchHistory) error {
	for _, row := range rows {
		// Rows arriving without an attempt open the next evaluation
		// round for their shift+caregiver pair.
		if row.AttemptNumber == 0 {
			row.AttemptNumber = nextAttemptTx(tx, row.ShiftID, row.CaregiverID)
		}
		doc, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("history encoding failed: %v", err)
		}
		_, err = tx.Exec(`
			INSERT INTO match_history (id, shift_id, caregiver_id, org_id, attempt_number, create_time, doc)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			row.ID, row.ShiftID, row.CaregiverID, row.OrganizationID,
			row.AttemptNumber, row.CreateTime, doc)
		if err != nil {
			return fmt.Errorf("history insert failed: %v: %w", err, structs.ErrTransient)
		}
	}
	return nil
}
