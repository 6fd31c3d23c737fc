// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// ProposalStatus is the lifecycle state of an assignment proposal.
type ProposalStatus string

const (
	ProposalStatusPending    ProposalStatus = "PENDING"
	ProposalStatusSent       ProposalStatus = "SENT"
	ProposalStatusViewed     ProposalStatus = "VIEWED"
	ProposalStatusAccepted   ProposalStatus = "ACCEPTED"
	ProposalStatusRejected   ProposalStatus = "REJECTED"
	ProposalStatusExpired    ProposalStatus = "EXPIRED"
	ProposalStatusSuperseded ProposalStatus = "SUPERSEDED"
	ProposalStatusWithdrawn  ProposalStatus = "WITHDRAWN"
)

// Terminal reports whether the proposal can no longer change state.
func (p ProposalStatus) Terminal() bool {
	switch p {
	case ProposalStatusAccepted, ProposalStatusRejected, ProposalStatusExpired,
		ProposalStatusSuperseded, ProposalStatusWithdrawn:
		return true
	}
	return false
}

// Respondable reports whether accept/reject is still possible.
func (p ProposalStatus) Respondable() bool {
	switch p {
	case ProposalStatusPending, ProposalStatusSent, ProposalStatusViewed:
		return true
	}
	return false
}

// RejectionCategory classifies why a caregiver declined.
type RejectionCategory string

const (
	RejectionCategorySchedule RejectionCategory = "SCHEDULE"
	RejectionCategoryDistance RejectionCategory = "DISTANCE"
	RejectionCategoryClient   RejectionCategory = "CLIENT"
	RejectionCategoryPay      RejectionCategory = "PAY"
	RejectionCategoryOther    RejectionCategory = "OTHER"
)

// AssignmentProposal is a durable offer of one caregiver for one shift,
// carrying the evaluation snapshot that created it and a TTL. At most one
// proposal per (shift, caregiver) pair may be non-terminal at any instant;
// the store enforces this on insert.
type AssignmentProposal struct {
	ID          string
	ShiftID     string
	CaregiverID string

	Score      int
	Quality    MatchQuality
	Dimensions DimensionScores

	// Reasons are an immutable snapshot of the evaluation that created
	// the proposal.
	Reasons []*MatchReason

	Status ProposalStatus

	ProposedAt  time.Time
	SentAt      *time.Time
	ViewedAt    *time.Time
	RespondedAt *time.Time
	ExpiredAt   *time.Time
	ExpiresAt   time.Time

	// RespondedBy is the actor who accepted or rejected; normally the
	// caregiver, but an operator may respond on their behalf.
	RespondedBy string

	RejectionReason   string
	RejectionCategory RejectionCategory

	// ConfigSnapshot captures the configuration used by the evaluation.
	ConfigSnapshot *ConfigSnapshot

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// CanTransition validates a status edge. Monotone view/sent markers are
// handled separately because repeats are no-ops, not errors.
func (p *AssignmentProposal) CanTransition(to ProposalStatus) error {
	from := p.Status
	if from.Terminal() {
		return fmt.Errorf("proposal %s is %s: %w", p.ID, from, ErrConflict)
	}
	switch to {
	case ProposalStatusSent:
		if from != ProposalStatusPending {
			return fmt.Errorf("cannot send proposal in state %s: %w", from, ErrConflict)
		}
	case ProposalStatusViewed:
		if from != ProposalStatusPending && from != ProposalStatusSent {
			return fmt.Errorf("cannot view proposal in state %s: %w", from, ErrConflict)
		}
	case ProposalStatusAccepted, ProposalStatusRejected:
		if !from.Respondable() {
			return fmt.Errorf("proposal in state %s is not respondable: %w", from, ErrConflict)
		}
	case ProposalStatusExpired, ProposalStatusSuperseded, ProposalStatusWithdrawn:
		// Any non-terminal state may expire, be superseded, or be
		// withdrawn.
	default:
		return fmt.Errorf("unknown proposal status %q: %w", to, ErrValidation)
	}
	return nil
}

// Expired reports whether the TTL has elapsed.
func (p *AssignmentProposal) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// Copy returns a deep copy.
func (p *AssignmentProposal) Copy() *AssignmentProposal {
	if p == nil {
		return nil
	}
	np := *p
	np.Reasons = make([]*MatchReason, len(p.Reasons))
	for i, r := range p.Reasons {
		cr := *r
		np.Reasons[i] = &cr
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		c := *t
		return &c
	}
	np.SentAt = copyTime(p.SentAt)
	np.ViewedAt = copyTime(p.ViewedAt)
	np.RespondedAt = copyTime(p.RespondedAt)
	np.ExpiredAt = copyTime(p.ExpiredAt)
	if p.ConfigSnapshot != nil {
		cs := *p.ConfigSnapshot
		np.ConfigSnapshot = &cs
	}
	return &np
}

// Validate checks invariants on insert.
func (p *AssignmentProposal) Validate() error {
	if p.ShiftID == "" || p.CaregiverID == "" {
		return fmt.Errorf("proposal requires shift and caregiver ids: %w", ErrValidation)
	}
	if p.ExpiresAt.Before(p.ProposedAt) {
		return fmt.Errorf("proposal expiry %s precedes proposal time %s: %w",
			p.ExpiresAt, p.ProposedAt, ErrValidation)
	}
	if p.Score < 0 || p.Score > 100 {
		return fmt.Errorf("proposal score %d out of range: %w", p.Score, ErrValidation)
	}
	return nil
}
