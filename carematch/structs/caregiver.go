// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// EmploymentStatus gates whether a caregiver may receive work.
type EmploymentStatus string

const (
	EmploymentStatusActive     EmploymentStatus = "ACTIVE"
	EmploymentStatusOnLeave    EmploymentStatus = "ON_LEAVE"
	EmploymentStatusTerminated EmploymentStatus = "TERMINATED"
)

// ComplianceStatus is the aggregated credential validity for a caregiver.
type ComplianceStatus string

const (
	ComplianceStatusCompliant           ComplianceStatus = "COMPLIANT"
	ComplianceStatusExpiringSoon        ComplianceStatus = "EXPIRING_SOON"
	ComplianceStatusPendingVerification ComplianceStatus = "PENDING_VERIFICATION"
	ComplianceStatusExpired             ComplianceStatus = "EXPIRED"
	ComplianceStatusNonCompliant        ComplianceStatus = "NON_COMPLIANT"
)

// Blocking reports whether the compliance status alone disqualifies the
// caregiver from new work.
func (c ComplianceStatus) Blocking() bool {
	return c == ComplianceStatusExpired || c == ComplianceStatusNonCompliant
}

// CertificationStatus tracks a single credential.
type CertificationStatus string

const (
	CertificationStatusActive   CertificationStatus = "ACTIVE"
	CertificationStatusPending  CertificationStatus = "PENDING"
	CertificationStatusExpired  CertificationStatus = "EXPIRED"
	CertificationStatusRevoked  CertificationStatus = "REVOKED"
	CertificationStatusInactive CertificationStatus = "INACTIVE"
)

// Certification is one credential held by a caregiver.
type Certification struct {
	Name      string
	Status    CertificationStatus
	ExpiresAt *time.Time
}

// Caregiver is the engine's read model of a care professional. The
// upstream platform is the system of record; the engine only needs the
// attributes that feed eligibility and scoring.
type Caregiver struct {
	ID             string
	OrganizationID string
	BranchIDs      []string

	FirstName string
	LastName  string
	Gender    Gender
	Languages []string

	Skills         []string
	Certifications []*Certification

	ComplianceStatus ComplianceStatus
	EmploymentStatus EmploymentStatus
	Active           bool

	// HireDate feeds the tenure feature of the learned model.
	HireDate time.Time

	MaxHoursPerWeek      int
	MaxConsecutiveShifts int

	// ReliabilityScore is 0..100, maintained upstream from attendance
	// and punctuality.
	ReliabilityScore float64

	HomeLatitude  *float64
	HomeLongitude *float64

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// SkillSet returns the caregiver's skills as a set for containment
// checks.
func (c *Caregiver) SkillSet() *set.Set[string] {
	return set.From(c.Skills)
}

// HasActiveCertification reports whether the named certification is held
// and currently ACTIVE.
func (c *Caregiver) HasActiveCertification(name string) bool {
	for _, cert := range c.Certifications {
		if cert.Name == name && cert.Status == CertificationStatusActive {
			return true
		}
	}
	return false
}

// HasCertification reports whether the named certification is held in any
// status.
func (c *Caregiver) HasCertification(name string) bool {
	for _, cert := range c.Certifications {
		if cert.Name == name {
			return true
		}
	}
	return false
}

// SpeaksLanguage reports whether the caregiver lists the language.
func (c *Caregiver) SpeaksLanguage(lang string) bool {
	for _, l := range c.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// InBranch reports whether the caregiver works the given branch.
func (c *Caregiver) InBranch(branchID string) bool {
	if branchID == "" || len(c.BranchIDs) == 0 {
		return true
	}
	for _, b := range c.BranchIDs {
		if b == branchID {
			return true
		}
	}
	return false
}

// Schedulable is the coarse filter applied before scoring: same org,
// active, employed, branch overlap.
func (c *Caregiver) Schedulable(shift *OpenShift) bool {
	return c.Active &&
		c.EmploymentStatus == EmploymentStatusActive &&
		c.OrganizationID == shift.OrganizationID &&
		c.InBranch(shift.BranchID)
}

// TenureYears returns full years since hire at the given instant.
func (c *Caregiver) TenureYears(now time.Time) float64 {
	if c.HireDate.IsZero() || c.HireDate.After(now) {
		return 0
	}
	return now.Sub(c.HireDate).Hours() / (24 * 365)
}

// Copy returns a deep copy.
func (c *Caregiver) Copy() *Caregiver {
	if c == nil {
		return nil
	}
	nc := *c
	nc.BranchIDs = append([]string(nil), c.BranchIDs...)
	nc.Languages = append([]string(nil), c.Languages...)
	nc.Skills = append([]string(nil), c.Skills...)
	nc.Certifications = make([]*Certification, len(c.Certifications))
	for i, cert := range c.Certifications {
		cp := *cert
		if cert.ExpiresAt != nil {
			e := *cert.ExpiresAt
			cp.ExpiresAt = &e
		}
		nc.Certifications[i] = &cp
	}
	if c.HomeLatitude != nil {
		lat := *c.HomeLatitude
		nc.HomeLatitude = &lat
	}
	if c.HomeLongitude != nil {
		lon := *c.HomeLongitude
		nc.HomeLongitude = &lon
	}
	return &nc
}
