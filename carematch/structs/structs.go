// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared by the carematch engine,
// its state stores, and the agent adapter. Types here carry no behavior
// beyond validation and state transitions; anything that does I/O lives
// in the engine packages.
package structs

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultOrganization is used when a request does not scope itself
	// to an explicit organization.
	DefaultOrganization = "default"

	// MaxPageSize bounds a single page of list results.
	MaxPageSize = 500
)

// ErrorCode is the stable machine-readable code attached to every error
// the engine surfaces. User-facing messages are never load-bearing; the
// code is.
type ErrorCode string

const (
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeStaleVersion ErrorCode = "STALE_VERSION"
	ErrCodeEligibility  ErrorCode = "NOT_ELIGIBLE"
	ErrCodeTransient    ErrorCode = "TRANSIENT"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

var (
	// ErrNotFound indicates a referenced shift, proposal, caregiver, or
	// configuration does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation lost a race: a double accept,
	// a proposal no longer in a respondable state, or a shift already
	// assigned. Callers may retry after re-reading.
	ErrConflict = errors.New("conflict")

	// ErrStaleVersion indicates an optimistic-concurrency check failed.
	ErrStaleVersion = fmt.Errorf("stale version: %w", ErrConflict)

	// ErrValidation indicates the input failed schema or domain rules.
	// Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransient indicates a store or inference call failed for I/O
	// reasons. Retried with bounded backoff inside the adapters; if it
	// escapes, the caller sees it after retries were exhausted.
	ErrTransient = errors.New("transient failure")

	// ErrFatal indicates an engine invariant was violated. The affected
	// shift is flagged for operator review.
	ErrFatal = errors.New("internal invariant violated")
)

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsStaleVersion(err error) bool { return errors.Is(err, ErrStaleVersion) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsTransient(err error) bool    { return errors.Is(err, ErrTransient) }

// NewNotFoundError wraps ErrNotFound with the entity kind and id.
func NewNotFoundError(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// NewStaleVersionError reports an optimistic-concurrency failure.
func NewStaleVersionError(kind, id string, expected, actual uint64) error {
	return fmt.Errorf("%s %q: expected version %d, found %d: %w",
		kind, id, expected, actual, ErrStaleVersion)
}

// EligibilityError is returned when the domain rejects an action outright,
// such as a blocked caregiver self-selecting a shift. It carries the issue
// list so the adapter can surface it.
type EligibilityError struct {
	CaregiverID string
	ShiftID     string
	Issues      []*EligibilityIssue
}

func (e *EligibilityError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("caregiver %s is not eligible for shift %s", e.CaregiverID, e.ShiftID)
	}
	return fmt.Sprintf("caregiver %s is not eligible for shift %s: %s",
		e.CaregiverID, e.ShiftID, e.Issues[0].Type)
}

func (e *EligibilityError) Is(target error) bool { return target == ErrEligibility }

// ErrEligibility is the sentinel for errors.Is checks against
// *EligibilityError values.
var ErrEligibility = errors.New("not eligible")

func IsEligibility(err error) bool { return errors.Is(err, ErrEligibility) }

// CodeForError maps any engine error onto its stable code.
func CodeForError(err error) ErrorCode {
	switch {
	case IsValidation(err):
		return ErrCodeValidation
	case IsNotFound(err):
		return ErrCodeNotFound
	case IsStaleVersion(err):
		return ErrCodeStaleVersion
	case IsConflict(err):
		return ErrCodeConflict
	case IsEligibility(err):
		return ErrCodeEligibility
	case IsTransient(err):
		return ErrCodeTransient
	default:
		return ErrCodeInternal
	}
}

// UserContext identifies the authenticated caller. Authentication itself
// happens upstream; the engine only checks scoping at component entry.
type UserContext struct {
	UserID         string
	OrganizationID string
	Roles          []string
	Permissions    []string
	BranchIDs      []string
}

// AllowOrganization reports whether the caller may act on the given
// organization's data.
func (u *UserContext) AllowOrganization(orgID string) bool {
	if u == nil {
		return false
	}
	return u.OrganizationID == orgID
}

// HasRole reports whether the caller carries the named role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// QueryOptions carries paging parameters for list queries.
type QueryOptions struct {
	// PerPage limits results per page; zero means the store default.
	PerPage int32

	// NextToken resumes a paginated listing. Tokens are the last-seen
	// sort key, so pagination is stable under concurrent writes.
	NextToken string
}

// QueryMeta is returned alongside list results.
type QueryMeta struct {
	NextToken string
	Total     int
}

// WriteMeta is returned alongside writes.
type WriteMeta struct {
	// Version is the entity version after the write.
	Version uint64
}

// TimeRange is a half-open [Start, End) window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two windows intersect.
func (t TimeRange) Overlaps(o TimeRange) bool {
	return t.Start.Before(o.End) && o.Start.Before(t.End)
}

// Duration returns the window length.
func (t TimeRange) Duration() time.Duration {
	return t.End.Sub(t.Start)
}
