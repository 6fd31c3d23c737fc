// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// OptimizationGoal names the objective of a matching or bulk run.
type OptimizationGoal string

const (
	GoalBestMatch             OptimizationGoal = "BEST_MATCH"
	GoalFastestFill           OptimizationGoal = "FASTEST_FILL"
	GoalCostEfficient         OptimizationGoal = "COST_EFFICIENT"
	GoalBalancedWorkload      OptimizationGoal = "BALANCED_WORKLOAD"
	GoalContinuity            OptimizationGoal = "CONTINUITY"
	GoalCaregiverSatisfaction OptimizationGoal = "CAREGIVER_SATISFACTION"
)

// ValidGoal reports whether the goal is one the optimizer implements.
func ValidGoal(g OptimizationGoal) bool {
	switch g {
	case GoalBestMatch, GoalFastestFill, GoalCostEfficient,
		GoalBalancedWorkload, GoalContinuity, GoalCaregiverSatisfaction:
		return true
	}
	return false
}

// MatchWeights are the per-dimension weights of the overall score. They
// must sum to exactly 100.
type MatchWeights struct {
	Skill        int
	Availability int
	Proximity    int
	Preference   int
	Experience   int
	Reliability  int
	Compliance   int
	Capacity     int
}

// Sum returns the weight total.
func (w MatchWeights) Sum() int {
	return w.Skill + w.Availability + w.Proximity + w.Preference +
		w.Experience + w.Reliability + w.Compliance + w.Capacity
}

// DefaultMatchWeights favor hard capability and availability over soft
// preference signals.
func DefaultMatchWeights() MatchWeights {
	return MatchWeights{
		Skill:        20,
		Availability: 15,
		Proximity:    10,
		Preference:   15,
		Experience:   15,
		Reliability:  10,
		Compliance:   10,
		Capacity:     5,
	}
}

// MatchingConfiguration is the tunable matching policy. One default per
// organization, optionally overridden per branch.
type MatchingConfiguration struct {
	ID             string
	OrganizationID string

	// BranchID is empty on the organization default.
	BranchID string

	Weights MatchWeights

	// Hard constraints.
	MaxTravelDistanceMiles      float64
	MaxTravelTimeMinutes        int
	RequireExactSkillMatch      bool
	RequireActiveCertifications bool
	RespectGenderPreference     bool
	RespectLanguagePreference   bool

	// Thresholds.
	AutoAssignThreshold       int
	MinScoreForProposal       int
	MaxProposalsPerShift      int
	ProposalExpirationMinutes int

	// Optimization flags.
	OptimizeFor                OptimizationGoal
	PreferContinuityOfCare     bool
	BalanceWorkload            bool
	PenalizeFrequentRejections bool
	BoostReliablePerformers    bool

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// DefaultMatchingConfiguration returns the engine defaults for an
// organization.
func DefaultMatchingConfiguration(orgID string) *MatchingConfiguration {
	return &MatchingConfiguration{
		OrganizationID:              orgID,
		Weights:                     DefaultMatchWeights(),
		MaxTravelDistanceMiles:      25,
		MaxTravelTimeMinutes:        60,
		RequireExactSkillMatch:      true,
		RequireActiveCertifications: true,
		RespectGenderPreference:     true,
		RespectLanguagePreference:   true,
		AutoAssignThreshold:         90,
		MinScoreForProposal:         60,
		MaxProposalsPerShift:        5,
		ProposalExpirationMinutes:   120,
		OptimizeFor:                 GoalBestMatch,
		PreferContinuityOfCare:      true,
		BalanceWorkload:             false,
		PenalizeFrequentRejections:  true,
		BoostReliablePerformers:     true,
	}
}

// Validate enforces the weight-sum and threshold invariants.
func (c *MatchingConfiguration) Validate() error {
	var mErr multierror.Error
	if c.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing organization id"))
	}
	if sum := c.Weights.Sum(); sum != 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("weights must sum to 100, got %d", sum))
	}
	for _, w := range []struct {
		name  string
		value int
	}{
		{"skill", c.Weights.Skill},
		{"availability", c.Weights.Availability},
		{"proximity", c.Weights.Proximity},
		{"preference", c.Weights.Preference},
		{"experience", c.Weights.Experience},
		{"reliability", c.Weights.Reliability},
		{"compliance", c.Weights.Compliance},
		{"capacity", c.Weights.Capacity},
	} {
		if w.value < 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s weight is negative", w.name))
		}
	}
	if c.MaxTravelDistanceMiles <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max travel distance must be positive"))
	}
	if c.MinScoreForProposal < 0 || c.MinScoreForProposal > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("min score for proposal out of range"))
	}
	if c.AutoAssignThreshold < c.MinScoreForProposal {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("auto-assign threshold below proposal floor"))
	}
	if c.MaxProposalsPerShift < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max proposals per shift must be at least 1"))
	}
	if c.ProposalExpirationMinutes < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("proposal expiration must be at least one minute"))
	}
	if c.OptimizeFor != "" && !ValidGoal(c.OptimizeFor) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown optimization goal %q", c.OptimizeFor))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ProposalTTL returns the configured TTL as a duration.
func (c *MatchingConfiguration) ProposalTTL() time.Duration {
	return time.Duration(c.ProposalExpirationMinutes) * time.Minute
}

// Copy returns a shallow copy; the struct holds no reference fields
// beyond value types.
func (c *MatchingConfiguration) Copy() *MatchingConfiguration {
	if c == nil {
		return nil
	}
	nc := *c
	return &nc
}

// ConfigSnapshotVersion tags the snapshot layout stored on proposals and
// history rows, so old rows remain interpretable as the configuration
// evolves.
const ConfigSnapshotVersion = 1

// ConfigSnapshot is the explicit, versioned record of the configuration
// an evaluation ran under. Stored on proposals and match history; never
// an opaque bag.
type ConfigSnapshot struct {
	SnapshotVersion int

	ConfigID                  string
	Weights                   MatchWeights
	MaxTravelDistanceMiles    float64
	MinScoreForProposal       int
	MaxProposalsPerShift      int
	ProposalExpirationMinutes int
	AutoAssignThreshold       int
	OptimizeFor               OptimizationGoal
	MLEnabled                 bool
	MLWeight                  float64
}

// Snapshot captures the configuration for storage on a proposal.
func (c *MatchingConfiguration) Snapshot() *ConfigSnapshot {
	return &ConfigSnapshot{
		SnapshotVersion:           ConfigSnapshotVersion,
		ConfigID:                  c.ID,
		Weights:                   c.Weights,
		MaxTravelDistanceMiles:    c.MaxTravelDistanceMiles,
		MinScoreForProposal:       c.MinScoreForProposal,
		MaxProposalsPerShift:      c.MaxProposalsPerShift,
		ProposalExpirationMinutes: c.ProposalExpirationMinutes,
		AutoAssignThreshold:       c.AutoAssignThreshold,
		OptimizeFor:               c.OptimizeFor,
	}
}
