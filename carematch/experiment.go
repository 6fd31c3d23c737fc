// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure"
	"github.com/samber/lo"

	"github.com/carematch/carematch/carematch/structs"
)

// Experiments routes shifts to A/B variants and aggregates outcomes.
type Experiments struct {
	logger hclog.Logger
	store  Store
}

// NewExperiments constructs the experiment service.
func NewExperiments(logger hclog.Logger, store Store) *Experiments {
	return &Experiments{
		logger: logger.Named("experiments"),
		store:  store,
	}
}

// VariantFor resolves the variant a shift belongs to under the
// organization's active experiment, assigning and persisting one if this
// is the shift's first evaluation. Returns (nil, nil) when no experiment
// is running.
func (e *Experiments) VariantFor(shift *structs.OpenShift) (*structs.ExperimentVariant, error) {
	exp, err := e.store.ActiveExperiment(shift.OrganizationID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, nil
	}

	name, err := e.pickVariant(exp, shift.ID)
	if err != nil {
		return nil, err
	}

	// Write-once: a prior assignment wins over the fresh pick, keeping
	// re-evaluations of the same shift in their original arm.
	recorded, err := e.store.RecordExperimentAssignment(&structs.ExperimentAssignment{
		ExperimentID: exp.ID,
		ShiftID:      shift.ID,
		Variant:      name,
		AssignedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	variant := exp.Variant(recorded.Variant)
	if variant == nil {
		return nil, fmt.Errorf("experiment %s has no variant %q: %w",
			exp.ID, recorded.Variant, structs.ErrFatal)
	}
	return variant, nil
}

// pickVariant maps a shift to an arm: deterministic hash modulo arm
// count, or weighted random per the configured traffic shares.
func (e *Experiments) pickVariant(exp *structs.Experiment, shiftID string) (string, error) {
	switch exp.Method {
	case structs.AssignByRandom:
		r := rand.Float64()
		var cum float64
		for _, v := range exp.Variants {
			cum += v.TrafficShare
			if r < cum {
				return v.Name, nil
			}
		}
		return exp.Variants[len(exp.Variants)-1].Name, nil
	default: // HASH
		h, err := hashstructure.Hash(shiftID, nil)
		if err != nil {
			return "", fmt.Errorf("variant hashing failed: %v", err)
		}
		return exp.Variants[h%uint64(len(exp.Variants))].Name, nil
	}
}

// AttachResponse records an accept or reject outcome against the shift's
// experiment assignment, if one exists.
func (e *Experiments) AttachResponse(proposal *structs.AssignmentProposal, accepted bool) error {
	shift, err := e.store.ShiftByID(proposal.ShiftID)
	if err != nil {
		return err
	}
	exp, err := e.store.ActiveExperiment(shift.OrganizationID)
	if err != nil || exp == nil {
		return err
	}

	err = e.store.UpdateExperimentOutcome(exp.ID, proposal.ShiftID, func(a *structs.ExperimentAssignment) {
		matched := true
		a.Matched = &matched
		a.Accepted = &accepted
		score := proposal.Score
		a.MatchScore = &score
	})
	if structs.IsNotFound(err) {
		// The shift was matched before the experiment started.
		return nil
	}
	return err
}

// ExperimentReport summarizes an experiment: per-variant stats and the
// significance of the acceptance-rate difference between the first two
// arms.
type ExperimentReport struct {
	ExperimentID string
	Variants     []*structs.VariantStats

	// ZScore and Significant compare acceptance rates of the first two
	// variants with a two-sample z-test at p < 0.05.
	ZScore      float64
	Significant bool
}

// Report aggregates assignment outcomes into per-variant statistics.
func (e *Experiments) Report(experimentID string) (*ExperimentReport, error) {
	exp, err := e.store.ExperimentByID(experimentID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.store.ExperimentAssignments(experimentID)
	if err != nil {
		return nil, err
	}

	grouped := lo.GroupBy(assignments, func(a *structs.ExperimentAssignment) string {
		return a.Variant
	})

	report := &ExperimentReport{ExperimentID: experimentID}
	for _, variant := range exp.Variants {
		stats := &structs.VariantStats{Variant: variant.Name}
		var scoreSum, scored int
		for _, a := range grouped[variant.Name] {
			stats.Assigned++
			if a.Matched != nil && *a.Matched {
				stats.Matched++
			}
			if a.Accepted != nil && *a.Accepted {
				stats.Accepted++
			}
			if a.Completed != nil && *a.Completed {
				stats.Completed++
			}
			if a.MatchScore != nil {
				scoreSum += *a.MatchScore
				scored++
			}
		}
		if stats.Assigned > 0 {
			stats.MatchRate = float64(stats.Matched) / float64(stats.Assigned)
			stats.AcceptanceRate = float64(stats.Accepted) / float64(stats.Assigned)
			stats.CompletionRate = float64(stats.Completed) / float64(stats.Assigned)
		}
		if scored > 0 {
			stats.AverageMatchScore = float64(scoreSum) / float64(scored)
		}
		report.Variants = append(report.Variants, stats)
	}

	if len(report.Variants) >= 2 {
		report.ZScore = twoSampleZ(report.Variants[0], report.Variants[1])
		report.Significant = math.Abs(report.ZScore) > 1.96
	}
	return report, nil
}

// twoSampleZ is the two-proportion z-test on acceptance rates.
func twoSampleZ(a, b *structs.VariantStats) float64 {
	n1, n2 := float64(a.Assigned), float64(b.Assigned)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1, p2 := a.AcceptanceRate, b.AcceptanceRate
	pooled := (float64(a.Accepted) + float64(b.Accepted)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	return (p1 - p2) / se
}
