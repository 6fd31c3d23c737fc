// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// FeatureVectorVersion tags the feature layout sent to the inference
// service. Bump on any change to the field set so training rows stay
// interpretable.
const FeatureVectorVersion = 2

// FeatureVector is the stable, versioned input to the learned model. All
// fields are plain numbers or flags; the kernel's dimensional scores come
// first.
type FeatureVector struct {
	Version int

	SkillMatch        float64
	AvailabilityMatch float64
	ProximityMatch    float64
	PreferenceMatch   float64
	ExperienceMatch   float64
	ReliabilityMatch  float64
	ComplianceMatch   float64
	CapacityMatch     float64

	DistanceMiles          float64
	EstimatedTravelMinutes float64

	PreviousVisitsWithClient float64
	ReliabilityScore         float64
	RemainingWeekMinutes     float64
	ShiftDurationMinutes     float64

	DayOfWeek float64
	HourOfDay float64
	IsWeekend bool
	IsEvening bool
	IsNight   bool

	CaregiverTenureYears float64
	AcceptanceRate30d    float64
	NoShowRate30d        float64
	AverageClientRating  float64
	ClientTotalVisits    float64

	HasRequiredSpecialization bool
	HasGenderPreference       bool
	HasLanguagePreference     bool

	TimeToShiftHours    float64
	CompetingCaregivers float64
	PriorityNumber      float64
	RecentRejections    float64
}

// Prediction is the inference service's answer for one feature vector.
type Prediction struct {
	// PredictedScore is the model's match probability in [0,1].
	PredictedScore float64

	// Confidence is the model's own confidence in [0,1].
	Confidence float64

	// FeatureImportance optionally explains the prediction.
	FeatureImportance map[string]float64
}

// Validate rejects out-of-range model outputs; a misbehaving model must
// not poison scores.
func (p *Prediction) Validate() error {
	if p.PredictedScore < 0 || p.PredictedScore > 1 {
		return fmt.Errorf("predicted score %f out of [0,1]: %w", p.PredictedScore, ErrValidation)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]: %w", p.Confidence, ErrValidation)
	}
	return nil
}

// ModelRegistryEntry identifies a deployed model. Training and deployment
// happen offline; the engine treats predict as an opaque RPC against the
// entry's endpoint.
type ModelRegistryEntry struct {
	ID             string
	OrganizationID string
	ModelID        string
	ModelVersion   string
	Endpoint       string
	Active         bool

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// Validate checks the registry row, including that the model version
// parses as semver.
func (m *ModelRegistryEntry) Validate() error {
	if m.OrganizationID == "" || m.ModelID == "" {
		return fmt.Errorf("model registry entry requires organization and model ids: %w", ErrValidation)
	}
	if m.Endpoint == "" {
		return fmt.Errorf("model registry entry requires an endpoint: %w", ErrValidation)
	}
	if _, err := goversion.NewVersion(m.ModelVersion); err != nil {
		return fmt.Errorf("invalid model version %q: %w", m.ModelVersion, ErrValidation)
	}
	return nil
}

// Copy returns a copy.
func (m *ModelRegistryEntry) Copy() *ModelRegistryEntry {
	if m == nil {
		return nil
	}
	nm := *m
	return &nm
}

// NewerThan compares registry entries by semver.
func (m *ModelRegistryEntry) NewerThan(other *ModelRegistryEntry) bool {
	mv, err1 := goversion.NewVersion(m.ModelVersion)
	ov, err2 := goversion.NewVersion(other.ModelVersion)
	if err1 != nil || err2 != nil {
		return false
	}
	return mv.GreaterThan(ov)
}

// ExperimentVariant is one arm of an A/B test. Its overrides replace the
// matching configuration's ML settings for shifts assigned to it.
type ExperimentVariant struct {
	Name string

	// TrafficShare is the fraction of shifts routed here when assignment
	// is random; ignored for hash-based assignment, where arms split
	// evenly.
	TrafficShare float64

	MLEnabled       bool
	MLWeight        float64
	ModelPreference string
	MinMLConfidence float64
}

// ExperimentAssignmentMethod selects how shifts map to variants.
type ExperimentAssignmentMethod string

const (
	// AssignByHash routes by hash of the shift id modulo arm count;
	// deterministic and stateless.
	AssignByHash ExperimentAssignmentMethod = "HASH"

	// AssignByRandom routes by the configured traffic distribution.
	AssignByRandom ExperimentAssignmentMethod = "RANDOM"
)

// Experiment is an A/B test over the ML blend settings.
type Experiment struct {
	ID             string
	OrganizationID string
	Name           string
	Method         ExperimentAssignmentMethod
	Variants       []*ExperimentVariant
	Active         bool

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// Validate checks arm structure and traffic shares.
func (e *Experiment) Validate() error {
	if len(e.Variants) < 2 {
		return fmt.Errorf("experiment needs at least two variants: %w", ErrValidation)
	}
	seen := map[string]bool{}
	var share float64
	for _, v := range e.Variants {
		if v.Name == "" {
			return fmt.Errorf("experiment variant missing name: %w", ErrValidation)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variant %q: %w", v.Name, ErrValidation)
		}
		seen[v.Name] = true
		share += v.TrafficShare
	}
	if e.Method == AssignByRandom && (share < 0.999 || share > 1.001) {
		return fmt.Errorf("variant traffic shares must sum to 1, got %f: %w", share, ErrValidation)
	}
	return nil
}

// Copy returns a deep copy.
func (e *Experiment) Copy() *Experiment {
	if e == nil {
		return nil
	}
	ne := *e
	ne.Variants = make([]*ExperimentVariant, len(e.Variants))
	for i, v := range e.Variants {
		cv := *v
		ne.Variants[i] = &cv
	}
	return &ne
}

// Variant returns the named arm, or nil.
func (e *Experiment) Variant(name string) *ExperimentVariant {
	for _, v := range e.Variants {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// ExperimentAssignment pins one shift to one variant. Written once and
// immutable; outcome fields are attached later as they become known.
type ExperimentAssignment struct {
	ExperimentID string
	ShiftID      string
	Variant      string
	AssignedAt   time.Time

	// Outcomes, attached when known.
	Matched      *bool
	Accepted     *bool
	Completed    *bool
	Satisfaction *float64

	MatchScore *int
}

// Copy returns a deep copy.
func (a *ExperimentAssignment) Copy() *ExperimentAssignment {
	if a == nil {
		return nil
	}
	na := *a
	copyBool := func(b *bool) *bool {
		if b == nil {
			return nil
		}
		c := *b
		return &c
	}
	na.Matched = copyBool(a.Matched)
	na.Accepted = copyBool(a.Accepted)
	na.Completed = copyBool(a.Completed)
	if a.Satisfaction != nil {
		c := *a.Satisfaction
		na.Satisfaction = &c
	}
	if a.MatchScore != nil {
		c := *a.MatchScore
		na.MatchScore = &c
	}
	return &na
}

// VariantStats aggregates outcomes for one arm.
type VariantStats struct {
	Variant string

	Assigned  int
	Matched   int
	Accepted  int
	Completed int

	MatchRate      float64
	AcceptanceRate float64
	CompletionRate float64

	AverageMatchScore float64
}
