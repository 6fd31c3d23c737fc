// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// MatchOutcome is the recorded result of one match attempt.
type MatchOutcome string

const (
	OutcomeProposed   MatchOutcome = "PROPOSED"
	OutcomeAccepted   MatchOutcome = "ACCEPTED"
	OutcomeRejected   MatchOutcome = "REJECTED"
	OutcomeExpired    MatchOutcome = "EXPIRED"
	OutcomeSuperseded MatchOutcome = "SUPERSEDED"
	OutcomeWithdrawn  MatchOutcome = "WITHDRAWN"
	OutcomeNoMatch    MatchOutcome = "NO_MATCH"
)

// MatchHistory is one append-only row per match attempt. Rows are the
// source for KPI aggregation and model training; ordering matches commit
// order, not wall-clock arrival.
type MatchHistory struct {
	ID          string
	ShiftID     string
	CaregiverID string
	ProposalID  string

	OrganizationID string

	// AttemptNumber counts evaluation rounds for the shift and
	// caregiver pair, starting at 1. The stores assign it on insert;
	// outcome rows share the attempt of the proposal they close.
	AttemptNumber int

	Score   int
	Quality MatchQuality
	Outcome MatchOutcome

	// ResponseTime is the elapsed time between proposal and response,
	// zero when the outcome was not a response.
	ResponseTime time.Duration

	RejectionCategory RejectionCategory

	// ConfigSnapshot records the configuration the attempt ran under.
	ConfigSnapshot *ConfigSnapshot

	CreateTime time.Time
}

// Copy returns a deep copy.
func (h *MatchHistory) Copy() *MatchHistory {
	if h == nil {
		return nil
	}
	nh := *h
	if h.ConfigSnapshot != nil {
		cs := *h.ConfigSnapshot
		nh.ConfigSnapshot = &cs
	}
	return &nh
}

// MatchingKPIs are the aggregate metrics served by the metrics surface,
// computed from match history.
type MatchingKPIs struct {
	OrganizationID string
	From           time.Time
	To             time.Time

	TotalAttempts      int
	ProposalsIssued    int
	Accepted           int
	Rejected           int
	Expired            int
	NoMatch            int

	// FillRate is accepted / shifts attempted.
	FillRate float64

	// AcceptanceRate is accepted / proposals issued.
	AcceptanceRate float64

	AverageMatchScore float64

	// AverageTimeToFill is the mean proposal-to-accept latency.
	AverageTimeToFill time.Duration

	CountsByQuality map[MatchQuality]int
}
