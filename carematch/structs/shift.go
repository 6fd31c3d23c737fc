// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// ShiftStatus is the matching lifecycle of an open shift.
type ShiftStatus string

const (
	// ShiftStatusNew is the initial state when an upstream visit becomes
	// unassigned.
	ShiftStatusNew ShiftStatus = "NEW"

	// ShiftStatusMatching means an evaluation may be re-run; set when the
	// last live proposal was rejected.
	ShiftStatusMatching ShiftStatus = "MATCHING"

	// ShiftStatusMatched means candidates were ranked but no proposals
	// were issued.
	ShiftStatusMatched ShiftStatus = "MATCHED"

	// ShiftStatusProposed means at least one live proposal exists.
	ShiftStatusProposed ShiftStatus = "PROPOSED"

	// ShiftStatusNoMatch means an evaluation ran and zero candidates
	// qualified for a proposal.
	ShiftStatusNoMatch ShiftStatus = "NO_MATCH"

	// ShiftStatusAssigned means a proposal was accepted. Terminal for
	// matching purposes.
	ShiftStatusAssigned ShiftStatus = "ASSIGNED"

	// ShiftStatusExpired means the shift passed its fill-by deadline
	// unfilled.
	ShiftStatusExpired ShiftStatus = "EXPIRED"

	// ShiftStatusCancelled means the upstream visit was cancelled.
	ShiftStatusCancelled ShiftStatus = "CANCELLED"
)

// Terminal reports whether no further matching activity is allowed.
func (s ShiftStatus) Terminal() bool {
	switch s {
	case ShiftStatusAssigned, ShiftStatusExpired, ShiftStatusCancelled:
		return true
	}
	return false
}

// Selectable reports whether the shift may appear in the caregiver
// self-select listing.
func (s ShiftStatus) Selectable() bool {
	switch s {
	case ShiftStatusNew, ShiftStatusMatched, ShiftStatusNoMatch:
		return true
	}
	return false
}

// ShiftPriority orders shifts for matching and bulk optimization.
type ShiftPriority string

const (
	ShiftPriorityLow    ShiftPriority = "LOW"
	ShiftPriorityNormal ShiftPriority = "NORMAL"
	ShiftPriorityHigh   ShiftPriority = "HIGH"
	ShiftPriorityUrgent ShiftPriority = "URGENT"
)

// Rank returns the numeric weight used in deterministic ordering; higher
// sorts first.
func (p ShiftPriority) Rank() int {
	switch p {
	case ShiftPriorityUrgent:
		return 3
	case ShiftPriorityHigh:
		return 2
	case ShiftPriorityNormal:
		return 1
	default:
		return 0
	}
}

// Gender is used for client gender preferences on a shift.
type Gender string

const (
	GenderFemale Gender = "FEMALE"
	GenderMale   Gender = "MALE"
	GenderOther  Gender = "OTHER"
)

// Location is a scalar service location. Distance computation is an
// upstream concern; the engine only consumes the resulting miles.
type Location struct {
	Address   string
	City      string
	State     string
	Zip       string
	Latitude  *float64
	Longitude *float64
}

// OpenShift is the unit of work: an unassigned visit waiting for a
// caregiver. Created when an upstream visit loses its assignee; terminal
// when assigned, expired past its fill-by deadline, or cancelled.
type OpenShift struct {
	ID             string
	VisitID        string
	ClientID       string
	OrganizationID string
	BranchID       string

	// ScheduledDate is the visit date in the shift's local timezone.
	ScheduledDate time.Time
	StartTime     time.Time
	EndTime       time.Time
	Timezone      string

	ServiceType            string
	RequiredSkills         []string
	RequiredCertifications []string

	PreferredCaregivers []string
	BlockedCaregivers   []string
	RequiredGender      *Gender
	RequiredLanguage    *string

	Location Location

	Priority ShiftPriority
	Urgent   bool

	// FillBy is the deadline after which the shift expires unfilled.
	FillBy *time.Time

	Status ShiftStatus

	// NeedsOperatorReview is set when a fatal invariant violation was
	// detected on this shift's proposals.
	NeedsOperatorReview bool

	// AssignedCaregiverID is set when Status is ASSIGNED.
	AssignedCaregiverID string

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// DurationMinutes is the scheduled length of the visit in minutes.
func (s *OpenShift) DurationMinutes() int {
	return int(s.EndTime.Sub(s.StartTime) / time.Minute)
}

// Window returns the scheduled time window.
func (s *OpenShift) Window() TimeRange {
	return TimeRange{Start: s.StartTime, End: s.EndTime}
}

// IsBlocked reports whether the caregiver is on the shift's block list.
func (s *OpenShift) IsBlocked(caregiverID string) bool {
	for _, id := range s.BlockedCaregivers {
		if id == caregiverID {
			return true
		}
	}
	return false
}

// IsPreferred reports whether the caregiver is on the shift's preferred
// list.
func (s *OpenShift) IsPreferred(caregiverID string) bool {
	for _, id := range s.PreferredCaregivers {
		if id == caregiverID {
			return true
		}
	}
	return false
}

// Copy returns a deep copy, used by the in-memory store to keep rows
// immutable once inserted.
func (s *OpenShift) Copy() *OpenShift {
	if s == nil {
		return nil
	}
	ns := *s
	ns.RequiredSkills = append([]string(nil), s.RequiredSkills...)
	ns.RequiredCertifications = append([]string(nil), s.RequiredCertifications...)
	ns.PreferredCaregivers = append([]string(nil), s.PreferredCaregivers...)
	ns.BlockedCaregivers = append([]string(nil), s.BlockedCaregivers...)
	if s.RequiredGender != nil {
		g := *s.RequiredGender
		ns.RequiredGender = &g
	}
	if s.RequiredLanguage != nil {
		l := *s.RequiredLanguage
		ns.RequiredLanguage = &l
	}
	if s.FillBy != nil {
		f := *s.FillBy
		ns.FillBy = &f
	}
	if s.Location.Latitude != nil {
		lat := *s.Location.Latitude
		ns.Location.Latitude = &lat
	}
	if s.Location.Longitude != nil {
		lon := *s.Location.Longitude
		ns.Location.Longitude = &lon
	}
	return &ns
}

// Validate checks domain rules on shift registration.
func (s *OpenShift) Validate() error {
	var mErr multierror.Error
	if s.VisitID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing visit id"))
	}
	if s.ClientID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing client id"))
	}
	if s.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing organization id"))
	}
	if !s.EndTime.After(s.StartTime) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("end time must be after start time"))
	}
	if s.Timezone == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing timezone"))
	} else if _, err := time.LoadLocation(s.Timezone); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid timezone %q", s.Timezone))
	}
	if s.FillBy != nil && s.FillBy.After(s.StartTime) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("fill-by deadline must not pass the shift start"))
	}
	switch s.Priority {
	case ShiftPriorityLow, ShiftPriorityNormal, ShiftPriorityHigh, ShiftPriorityUrgent:
	case "":
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing priority"))
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid priority %q", s.Priority))
	}
	for _, blocked := range s.BlockedCaregivers {
		if s.IsPreferred(blocked) {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("caregiver %s is both preferred and blocked", blocked))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ShiftListFilter narrows findOpenShifts results.
type ShiftListFilter struct {
	OrganizationID string
	BranchID       string
	Status         ShiftStatus
	DateFrom       *time.Time
	DateTo         *time.Time
	UrgentOnly     bool
}

// Match reports whether a shift passes the filter.
func (f *ShiftListFilter) Match(s *OpenShift) bool {
	if f.OrganizationID != "" && s.OrganizationID != f.OrganizationID {
		return false
	}
	if f.BranchID != "" && s.BranchID != f.BranchID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.DateFrom != nil && s.ScheduledDate.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && s.ScheduledDate.After(*f.DateTo) {
		return false
	}
	if f.UrgentOnly && !s.Urgent {
		return false
	}
	return true
}
