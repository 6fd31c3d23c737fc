// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	uuidparse "github.com/hashicorp/go-uuid"

	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/scheduler"
)

// Notifier receives proposal lifecycle events. Delivery is
// fire-and-forget: the engine never blocks on or fails from a notifier.
type Notifier interface {
	ProposalCreated(proposal *structs.AssignmentProposal)
	ProposalExpired(proposal *structs.AssignmentProposal)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

func (NoopNotifier) ProposalCreated(*structs.AssignmentProposal) {}
func (NoopNotifier) ProposalExpired(*structs.AssignmentProposal) {}

// ProposalManager owns the proposal state machine and its commit path.
type ProposalManager struct {
	logger      hclog.Logger
	store       Store
	evaluator   *scheduler.Evaluator
	experiments *Experiments
	notifier    Notifier
}

// NewProposalManager wires the manager; experiments may be nil and
// notifier defaults to a no-op.
func NewProposalManager(logger hclog.Logger, store Store, evaluator *scheduler.Evaluator, experiments *Experiments, notifier Notifier) *ProposalManager {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &ProposalManager{
		logger:      logger.Named("proposals"),
		store:       store,
		evaluator:   evaluator,
		experiments: experiments,
		notifier:    notifier,
	}
}

// ProposeOptions tunes a propose call.
type ProposeOptions struct {
	// EvaluateOnly ranks without issuing proposals; the shift lands in
	// MATCHED instead of PROPOSED.
	EvaluateOnly bool

	// MaxProposals overrides config.MaxProposalsPerShift when positive.
	MaxProposals int
}

// Propose turns ranked candidates into PENDING proposals: up to
// maxProposalsPerShift candidates with score at or above the proposal
// floor, one proposal each, a history row per attempt, and the shift
// transitioned to PROPOSED — or NO_MATCH when nobody qualifies.
func (p *ProposalManager) Propose(ctx context.Context, shiftID string, candidates []*structs.MatchCandidate, cfg *structs.MatchingConfiguration, opts ProposeOptions) ([]*structs.AssignmentProposal, error) {
	defer metrics.MeasureSince([]string{"carematch", "proposals", "propose"}, time.Now())

	limit := cfg.MaxProposalsPerShift
	if opts.MaxProposals > 0 && opts.MaxProposals < limit {
		limit = opts.MaxProposals
	}

	var chosen []*structs.MatchCandidate
	for _, cand := range candidates {
		if !cand.Eligible || cand.OverallScore < cfg.MinScoreForProposal {
			continue
		}
		chosen = append(chosen, cand)
		if len(chosen) == limit {
			break
		}
	}

	now := time.Now().UTC()

	if opts.EvaluateOnly {
		if _, err := p.store.UpdateShiftStatus(shiftID, 0, structs.ShiftStatusMatched, ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if len(chosen) == 0 {
		if _, err := p.store.UpdateShiftStatus(shiftID, 0, structs.ShiftStatusNoMatch, ""); err != nil {
			return nil, err
		}
		p.recordNoMatch(shiftID, cfg, now)
		return nil, nil
	}

	snapshot := cfg.Snapshot()
	proposals := make([]*structs.AssignmentProposal, 0, len(chosen))
	history := make([]*structs.MatchHistory, 0, len(chosen))
	for _, cand := range chosen {
		id, err := uuidparse.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("uuid generation failed: %v", err)
		}
		proposals = append(proposals, &structs.AssignmentProposal{
			ID:             id,
			ShiftID:        shiftID,
			CaregiverID:    cand.CaregiverID,
			Score:          cand.OverallScore,
			Quality:        cand.Quality,
			Dimensions:     cand.Dimensions,
			Reasons:        cand.Reasons,
			Status:         structs.ProposalStatusPending,
			ProposedAt:     now,
			ExpiresAt:      now.Add(cfg.ProposalTTL()),
			ConfigSnapshot: snapshot,
		})

		hid, err := uuidparse.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("uuid generation failed: %v", err)
		}
		history = append(history, &structs.MatchHistory{
			ID:             hid,
			ShiftID:        shiftID,
			CaregiverID:    cand.CaregiverID,
			ProposalID:     id,
			OrganizationID: cfg.OrganizationID,
			Score:          cand.OverallScore,
			Quality:        cand.Quality,
			Outcome:        structs.OutcomeProposed,
			ConfigSnapshot: snapshot,
			CreateTime:     now,
		})
	}

	if err := p.store.CreateProposals(shiftID, proposals, structs.ShiftStatusProposed, history); err != nil {
		return nil, err
	}

	for _, proposal := range proposals {
		p.notifier.ProposalCreated(proposal)
	}
	metrics.IncrCounter([]string{"carematch", "proposals", "created"}, float32(len(proposals)))
	return proposals, nil
}

// ProposeManual issues a coordinator-created proposal for a specific
// caregiver. The score floor does not apply, the coordinator's judgment
// overrides it, but blocking issues still do: a caregiver who cannot
// work the shift cannot be proposed.
func (p *ProposalManager) ProposeManual(ctx context.Context, shiftID, caregiverID string, ttl time.Duration) (*structs.AssignmentProposal, error) {
	defer metrics.MeasureSince([]string{"carematch", "proposals", "manual"}, time.Now())

	shift, err := p.store.ShiftByID(shiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status == structs.ShiftStatusAssigned {
		return nil, fmt.Errorf("shift %s is already assigned: %w", shiftID, structs.ErrConflict)
	}
	if shift.Status.Terminal() {
		return nil, fmt.Errorf("shift %s is %s: %w", shiftID, shift.Status, structs.ErrConflict)
	}

	caregiver, err := p.store.CaregiverByID(caregiverID)
	if err != nil {
		return nil, err
	}
	if !caregiver.Schedulable(shift) {
		return nil, &structs.EligibilityError{CaregiverID: caregiverID, ShiftID: shiftID}
	}

	cfg, err := p.store.MatchingConfigFor(shift.OrganizationID, shift.BranchID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cctx, err := p.store.CaregiverContext(caregiverID, shift, now)
	if err != nil {
		return nil, err
	}
	cand := scheduler.Score(shift, cctx, cfg, now)
	if !cand.Eligible {
		return nil, &structs.EligibilityError{
			CaregiverID: caregiverID,
			ShiftID:     shiftID,
			Issues:      cand.BlockingIssues(),
		}
	}

	if ttl <= 0 {
		ttl = cfg.ProposalTTL()
	}

	id, err := uuidparse.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("uuid generation failed: %v", err)
	}
	proposal := &structs.AssignmentProposal{
		ID:             id,
		ShiftID:        shiftID,
		CaregiverID:    caregiverID,
		Score:          cand.OverallScore,
		Quality:        cand.Quality,
		Dimensions:     cand.Dimensions,
		Reasons:        cand.Reasons,
		Status:         structs.ProposalStatusPending,
		ProposedAt:     now,
		ExpiresAt:      now.Add(ttl),
		ConfigSnapshot: cfg.Snapshot(),
	}

	hid, err := uuidparse.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("uuid generation failed: %v", err)
	}
	history := []*structs.MatchHistory{{
		ID:             hid,
		ShiftID:        shiftID,
		CaregiverID:    caregiverID,
		ProposalID:     id,
		OrganizationID: shift.OrganizationID,
		Score:          cand.OverallScore,
		Quality:        cand.Quality,
		Outcome:        structs.OutcomeProposed,
		ConfigSnapshot: proposal.ConfigSnapshot,
		CreateTime:     now,
	}}

	if err := p.store.CreateProposals(shiftID, []*structs.AssignmentProposal{proposal}, structs.ShiftStatusProposed, history); err != nil {
		return nil, err
	}

	p.notifier.ProposalCreated(proposal)
	metrics.IncrCounter([]string{"carematch", "proposals", "created"}, 1)
	return p.store.ProposalByID(id)
}

func (p *ProposalManager) recordNoMatch(shiftID string, cfg *structs.MatchingConfiguration, now time.Time) {
	id, err := uuidparse.GenerateUUID()
	if err != nil {
		return
	}
	row := &structs.MatchHistory{
		ID:             id,
		ShiftID:        shiftID,
		OrganizationID: cfg.OrganizationID,
		Outcome:        structs.OutcomeNoMatch,
		ConfigSnapshot: cfg.Snapshot(),
		CreateTime:     now,
	}
	if err := p.store.AppendHistory([]*structs.MatchHistory{row}); err != nil {
		p.logger.Warn("no-match history append failed", "shift_id", shiftID, "error", err)
	}
}

// MarkSent records delivery of a proposal to the caregiver.
func (p *ProposalManager) MarkSent(id string) (*structs.AssignmentProposal, error) {
	return p.store.MarkProposalSent(id, time.Now().UTC())
}

// MarkViewed records the caregiver opening the proposal.
func (p *ProposalManager) MarkViewed(id string) (*structs.AssignmentProposal, error) {
	return p.store.MarkProposalViewed(id, time.Now().UTC())
}

// Respond accepts or rejects a proposal. Acceptance supersedes every
// live sibling and assigns the shift in one transaction; rejection
// returns the shift to MATCHING when it was the last live proposal.
func (p *ProposalManager) Respond(ctx context.Context, id string, expectedVersion uint64, accept bool, actor, reason string, category structs.RejectionCategory) (*structs.AssignmentProposal, error) {
	defer metrics.MeasureSince([]string{"carematch", "proposals", "respond"}, time.Now())

	now := time.Now().UTC()
	if accept {
		res, err := p.store.AcceptProposal(id, expectedVersion, actor, now)
		if err != nil {
			return nil, err
		}
		metrics.IncrCounter([]string{"carematch", "proposals", "accepted"}, 1)
		p.attachOutcome(res.Proposal, true)
		return res.Proposal, nil
	}

	res, err := p.store.RejectProposal(id, expectedVersion, actor, reason, category, now)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"carematch", "proposals", "rejected"}, 1)
	p.attachOutcome(res.Proposal, false)
	return res.Proposal, nil
}

// attachOutcome records accept/reject against any experiment assignment
// for the shift. Best effort: experiment bookkeeping never fails the
// respond path.
func (p *ProposalManager) attachOutcome(proposal *structs.AssignmentProposal, accepted bool) {
	if p.experiments == nil {
		return
	}
	if err := p.experiments.AttachResponse(proposal, accepted); err != nil {
		p.logger.Warn("experiment outcome attach failed",
			"proposal_id", proposal.ID, "error", err)
	}
}

// ExpireStale transitions every proposal past its TTL to EXPIRED and
// notifies. Safe to run concurrently with Respond: the store transaction
// resolves the race, so an accept that commits first wins.
func (p *ProposalManager) ExpireStale(now time.Time) (int, error) {
	expired, err := p.store.ExpireProposals(now)
	if err != nil {
		return 0, err
	}
	for _, proposal := range expired {
		p.notifier.ProposalExpired(proposal)
	}
	if n := len(expired); n > 0 {
		metrics.IncrCounter([]string{"carematch", "proposals", "expired"}, float32(n))
	}
	return len(expired), nil
}

// CaregiverSelectShift handles a caregiver self-selecting an open shift.
// The candidate is evaluated on demand; a blocking issue is an
// eligibility error. When the caregiver's profile allows auto-assignment
// and the score clears the threshold, the proposal is accepted
// immediately; otherwise it is left PENDING for the coordinator.
func (p *ProposalManager) CaregiverSelectShift(ctx context.Context, caregiverID, shiftID string) (*structs.AssignmentProposal, error) {
	defer metrics.MeasureSince([]string{"carematch", "proposals", "self_select"}, time.Now())

	shift, err := p.store.ShiftByID(shiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status == structs.ShiftStatusAssigned {
		return nil, fmt.Errorf("shift %s is already assigned: %w", shiftID, structs.ErrConflict)
	}
	if shift.Status.Terminal() {
		return nil, fmt.Errorf("shift %s is %s: %w", shiftID, shift.Status, structs.ErrConflict)
	}

	caregiver, err := p.store.CaregiverByID(caregiverID)
	if err != nil {
		return nil, err
	}
	if !caregiver.Schedulable(shift) {
		return nil, &structs.EligibilityError{CaregiverID: caregiverID, ShiftID: shiftID}
	}

	cfg, err := p.store.MatchingConfigFor(shift.OrganizationID, shift.BranchID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cctx, err := p.store.CaregiverContext(caregiverID, shift, now)
	if err != nil {
		return nil, err
	}
	cand := scheduler.Score(shift, cctx, cfg, now)
	if !cand.Eligible {
		return nil, &structs.EligibilityError{
			CaregiverID: caregiverID,
			ShiftID:     shiftID,
			Issues:      cand.BlockingIssues(),
		}
	}

	id, err := uuidparse.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("uuid generation failed: %v", err)
	}
	proposal := &structs.AssignmentProposal{
		ID:             id,
		ShiftID:        shiftID,
		CaregiverID:    caregiverID,
		Score:          cand.OverallScore,
		Quality:        cand.Quality,
		Dimensions:     cand.Dimensions,
		Reasons:        cand.Reasons,
		Status:         structs.ProposalStatusPending,
		ProposedAt:     now,
		ExpiresAt:      now.Add(cfg.ProposalTTL()),
		ConfigSnapshot: cfg.Snapshot(),
	}

	hid, err := uuidparse.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("uuid generation failed: %v", err)
	}
	history := []*structs.MatchHistory{{
		ID:             hid,
		ShiftID:        shiftID,
		CaregiverID:    caregiverID,
		ProposalID:     id,
		OrganizationID: shift.OrganizationID,
		Score:          cand.OverallScore,
		Quality:        cand.Quality,
		Outcome:        structs.OutcomeProposed,
		ConfigSnapshot: proposal.ConfigSnapshot,
		CreateTime:     now,
	}}

	if err := p.store.CreateProposals(shiftID, []*structs.AssignmentProposal{proposal}, structs.ShiftStatusProposed, history); err != nil {
		return nil, err
	}

	profile, err := p.store.PreferenceProfile(caregiverID)
	if err != nil {
		return nil, err
	}
	if profile != nil && profile.AcceptAutoAssignment && cand.OverallScore >= cfg.AutoAssignThreshold {
		res, err := p.store.AcceptProposal(id, 0, caregiverID, now)
		if err != nil {
			return nil, err
		}
		metrics.IncrCounter([]string{"carematch", "proposals", "auto_assigned"}, 1)
		return res.Proposal, nil
	}

	p.notifier.ProposalCreated(proposal)
	return p.store.ProposalByID(id)
}
