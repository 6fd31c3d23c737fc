// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// VisitStatus is the lifecycle of a committed visit.
type VisitStatus string

const (
	VisitStatusScheduled VisitStatus = "SCHEDULED"
	VisitStatusCompleted VisitStatus = "COMPLETED"
	VisitStatusCancelled VisitStatus = "CANCELLED"
	VisitStatusNoShow    VisitStatus = "NO_SHOW"
)

// ScheduledVisit is the engine's read model of a committed visit on a
// caregiver's calendar. It feeds the caregiver-context query: weekly
// minutes, schedule conflicts, and client history. Rows arrive from the
// upstream platform and from accepted proposals.
type ScheduledVisit struct {
	ID             string
	CaregiverID    string
	ClientID       string
	OrganizationID string

	StartTime time.Time
	EndTime   time.Time

	Status VisitStatus

	// ClientRating is the client's rating of the completed visit on a
	// 1..5 scale; nil when unrated.
	ClientRating *float64

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// Window returns the visit time window.
func (v *ScheduledVisit) Window() TimeRange {
	return TimeRange{Start: v.StartTime, End: v.EndTime}
}

// Minutes is the visit length in minutes.
func (v *ScheduledVisit) Minutes() int {
	return int(v.EndTime.Sub(v.StartTime) / time.Minute)
}

// Validate checks the row on upsert.
func (v *ScheduledVisit) Validate() error {
	if v.CaregiverID == "" || v.ClientID == "" {
		return fmt.Errorf("visit requires caregiver and client ids: %w", ErrValidation)
	}
	if !v.EndTime.After(v.StartTime) {
		return fmt.Errorf("visit window is empty: %w", ErrValidation)
	}
	return nil
}

// Copy returns a deep copy.
func (v *ScheduledVisit) Copy() *ScheduledVisit {
	if v == nil {
		return nil
	}
	nv := *v
	if v.ClientRating != nil {
		r := *v.ClientRating
		nv.ClientRating = &r
	}
	return &nv
}
