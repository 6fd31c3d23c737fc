// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// BulkMatchStatus tracks an optimizer job.
type BulkMatchStatus string

const (
	BulkMatchStatusPending   BulkMatchStatus = "PENDING"
	BulkMatchStatusRunning   BulkMatchStatus = "RUNNING"
	BulkMatchStatusComplete  BulkMatchStatus = "COMPLETE"
	BulkMatchStatusPartial   BulkMatchStatus = "PARTIAL"
	BulkMatchStatusFailed    BulkMatchStatus = "FAILED"
	BulkMatchStatusCancelled BulkMatchStatus = "CANCELLED"
)

// Terminal reports whether the job can no longer change state.
func (s BulkMatchStatus) Terminal() bool {
	switch s {
	case BulkMatchStatusComplete, BulkMatchStatusPartial,
		BulkMatchStatusFailed, BulkMatchStatusCancelled:
		return true
	}
	return false
}

// BulkMatchRequest is the durable job record for an optimizer run over a
// date window.
type BulkMatchRequest struct {
	ID             string
	OrganizationID string
	BranchID       string

	DateFrom time.Time
	DateTo   time.Time

	// ShiftIDs optionally restricts the run to a subset; empty means all
	// open shifts in the window.
	ShiftIDs []string

	Goal OptimizationGoal

	// UseGenetic requests the optional GA pass after the greedy baseline.
	UseGenetic         bool
	GAPopulationSize   int
	GAGenerations      int

	Status BulkMatchStatus

	// Counters reflect shift-level outcomes; partial completion is
	// allowed.
	TotalShifts        int
	MatchedShifts      int
	UnmatchedShifts    int
	ProposalsGenerated int

	Error string

	SubmittedBy string
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// Validate checks the job on submit.
func (b *BulkMatchRequest) Validate() error {
	if b.OrganizationID == "" {
		return fmt.Errorf("missing organization id: %w", ErrValidation)
	}
	if !b.DateTo.After(b.DateFrom) {
		return fmt.Errorf("date window is empty: %w", ErrValidation)
	}
	if b.Goal != "" && !ValidGoal(b.Goal) {
		return fmt.Errorf("unknown optimization goal %q: %w", b.Goal, ErrValidation)
	}
	if b.UseGenetic {
		if b.GAPopulationSize < 2 {
			return fmt.Errorf("genetic pass needs a population of at least 2: %w", ErrValidation)
		}
		if b.GAGenerations < 1 {
			return fmt.Errorf("genetic pass needs at least one generation: %w", ErrValidation)
		}
	}
	return nil
}

// Copy returns a deep copy.
func (b *BulkMatchRequest) Copy() *BulkMatchRequest {
	if b == nil {
		return nil
	}
	nb := *b
	nb.ShiftIDs = append([]string(nil), b.ShiftIDs...)
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		c := *t
		return &c
	}
	nb.StartedAt = copyTime(b.StartedAt)
	nb.CompletedAt = copyTime(b.CompletedAt)
	return &nb
}

// Assignment is one optimizer output tuple. Applying it creates a PENDING
// proposal through the proposal manager; the optimizer never writes
// shifts directly.
type Assignment struct {
	ShiftID     string
	CaregiverID string
	Score       int
	Rationale   string
}
