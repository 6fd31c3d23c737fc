// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// IssueSeverity distinguishes disqualifying findings from advisory ones.
type IssueSeverity string

const (
	IssueSeverityBlocking IssueSeverity = "BLOCKING"
	IssueSeverityWarning  IssueSeverity = "WARNING"
)

// IssueType enumerates the eligibility findings the scoring kernel can
// produce, in the order they are checked.
type IssueType string

const (
	IssueBlockedByClient       IssueType = "BLOCKED_BY_CLIENT"
	IssueMissingSkill          IssueType = "MISSING_SKILL"
	IssueMissingCertification  IssueType = "MISSING_CERTIFICATION"
	IssueScheduleConflict      IssueType = "SCHEDULE_CONFLICT"
	IssueNotCompliant          IssueType = "NOT_COMPLIANT"
	IssueDistanceTooFar        IssueType = "DISTANCE_TOO_FAR"
	IssueOverHourLimit         IssueType = "OVER_HOUR_LIMIT"
	IssueExpiredCredential     IssueType = "EXPIRED_CREDENTIAL"
	IssueGenderMismatch        IssueType = "GENDER_MISMATCH"
	IssueLanguageMismatch      IssueType = "LANGUAGE_MISMATCH"
)

// EligibilityIssue is one finding from the eligibility check.
type EligibilityIssue struct {
	Type     IssueType
	Severity IssueSeverity
	Detail   string
}

// Blocking reports whether the issue disqualifies the candidate.
func (e *EligibilityIssue) Blocking() bool {
	return e.Severity == IssueSeverityBlocking
}

// ReasonImpact records the direction a match reason pushed the score.
type ReasonImpact string

const (
	ReasonImpactPositive ReasonImpact = "POSITIVE"
	ReasonImpactNegative ReasonImpact = "NEGATIVE"
	ReasonImpactNeutral  ReasonImpact = "NEUTRAL"
)

// MatchReason is a compact justification record attached to a candidate,
// indicating which dimension drove the score and by how much. Ordering is
// insertion order and significant.
type MatchReason struct {
	Category    string
	Description string
	Impact      ReasonImpact
	Weight      int
}

// ConflictingVisit is an already-committed visit overlapping the shift
// window plus travel buffer.
type ConflictingVisit struct {
	VisitID   string
	ClientID  string
	StartTime time.Time
	EndTime   time.Time
}

// CaregiverContext is everything the scoring kernel needs to know about
// one caregiver relative to one shift. Assembled by the match evaluator
// from store queries; the kernel itself never touches the store.
type CaregiverContext struct {
	Caregiver *Caregiver

	// CurrentWeekMinutes is minutes already committed this week.
	CurrentWeekMinutes int

	// ConflictingVisits overlap the shift window ±travel buffer.
	ConflictingVisits []*ConflictingVisit

	// DistanceMiles is nil when no distance could be computed.
	DistanceMiles *float64

	// EstimatedTravelMinutes is nil when unknown.
	EstimatedTravelMinutes *int

	// PreviousVisitsWithClient counts completed visits with this shift's
	// client.
	PreviousVisitsWithClient int

	// LatestClientRating is the client's most recent rating of this
	// caregiver on a 1..5 scale; zero when unrated.
	LatestClientRating float64

	// ReliabilityScore is 0..100, maintained upstream from attendance.
	ReliabilityScore float64

	// RecentRejections counts proposals this caregiver rejected in the
	// trailing 30 days.
	RecentRejections int

	// AcceptanceRate30d and NoShowRate30d feed the learned model.
	AcceptanceRate30d float64
	NoShowRate30d     float64

	// ClientTotalVisits is the total completed visit count for the
	// shift's client across all caregivers.
	ClientTotalVisits int
}

// MatchQuality is the quality band derived from overall score and
// eligibility.
type MatchQuality string

const (
	MatchQualityExcellent  MatchQuality = "EXCELLENT"
	MatchQualityGood       MatchQuality = "GOOD"
	MatchQualityFair       MatchQuality = "FAIR"
	MatchQualityPoor       MatchQuality = "POOR"
	MatchQualityIneligible MatchQuality = "INELIGIBLE"
)

// QualityForScore maps an overall score onto its band for an eligible
// candidate.
func QualityForScore(score int) MatchQuality {
	switch {
	case score >= 85:
		return MatchQualityExcellent
	case score >= 70:
		return MatchQualityGood
	case score >= 50:
		return MatchQualityFair
	default:
		return MatchQualityPoor
	}
}

// DimensionScores are the eight 0..100 component scores.
type DimensionScores struct {
	SkillMatch        int
	AvailabilityMatch int
	ProximityMatch    int
	PreferenceMatch   int
	ExperienceMatch   int
	ReliabilityMatch  int
	ComplianceMatch   int
	CapacityMatch     int
}

// MatchCandidate is the transient result of evaluating one caregiver for
// one shift. Never persisted; always recomputed.
type MatchCandidate struct {
	ShiftID     string
	CaregiverID string

	OverallScore int
	Dimensions   DimensionScores
	Quality      MatchQuality

	Eligible bool
	Issues   []*EligibilityIssue

	DistanceMiles          *float64
	EstimatedTravelMinutes *int
	ConflictingVisits      []*ConflictingVisit
	RemainingWeekMinutes   int
	PreviousVisitsWithClient int
	ReliabilityScore       float64

	Reasons []*MatchReason

	// MLAdjusted is set when the blender replaced the rule-based score.
	MLAdjusted   bool
	RuleScore    int
	MLConfidence float64

	ComputedAt time.Time
}

// BlockingIssues returns only the disqualifying findings.
func (m *MatchCandidate) BlockingIssues() []*EligibilityIssue {
	var out []*EligibilityIssue
	for _, iss := range m.Issues {
		if iss.Blocking() {
			out = append(out, iss)
		}
	}
	return out
}
