// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/carematch/carematch/carematch/structs"
)

// Optimizer plans coherent assignments over a set of open shifts,
// optimizing a named goal while honoring per-caregiver constraints.
type Optimizer struct {
	logger    hclog.Logger
	state     State
	evaluator *Evaluator
}

// NewOptimizer constructs an optimizer on top of an evaluator.
func NewOptimizer(logger hclog.Logger, state State, evaluator *Evaluator) *Optimizer {
	return &Optimizer{
		logger:    logger.Named("optimizer"),
		state:     state,
		evaluator: evaluator,
	}
}

// planState tracks per-caregiver commitments accumulated while planning,
// so later shifts see the load earlier ones added.
type planState struct {
	addedMinutes map[string]int
	shiftCount   map[string]int
	windows      map[string][]structs.TimeRange
	caregivers   map[string]*structs.Caregiver
}

func newPlanState() *planState {
	return &planState{
		addedMinutes: map[string]int{},
		shiftCount:   map[string]int{},
		windows:      map[string][]structs.TimeRange{},
		caregivers:   map[string]*structs.Caregiver{},
	}
}

// overlapsPlanned reports whether the caregiver already took an
// overlapping shift in this plan.
func (p *planState) overlapsPlanned(caregiverID string, w structs.TimeRange) bool {
	for _, existing := range p.windows[caregiverID] {
		if existing.Overlaps(w) {
			return true
		}
	}
	return false
}

func (p *planState) caregiver(state State, id string) (*structs.Caregiver, error) {
	if c, ok := p.caregivers[id]; ok {
		return c, nil
	}
	c, err := state.CaregiverByID(id)
	if err != nil {
		return nil, err
	}
	p.caregivers[id] = c
	return c, nil
}

// feasible checks the constraints every algorithm must honor: weekly-hour
// cap including minutes already planned, and the consecutive-shift cap.
func (p *planState) feasible(cand *structs.MatchCandidate, caregiver *structs.Caregiver, shiftMinutes int) bool {
	if !cand.Eligible {
		return false
	}
	if caregiver.MaxHoursPerWeek > 0 {
		if cand.RemainingWeekMinutes-p.addedMinutes[caregiver.ID] < shiftMinutes {
			return false
		}
	}
	if caregiver.MaxConsecutiveShifts > 0 &&
		p.shiftCount[caregiver.ID] >= caregiver.MaxConsecutiveShifts {
		return false
	}
	return true
}

func (p *planState) commit(caregiverID string, w structs.TimeRange, shiftMinutes int) {
	p.addedMinutes[caregiverID] += shiftMinutes
	p.shiftCount[caregiverID]++
	p.windows[caregiverID] = append(p.windows[caregiverID], w)
}

// utilization returns planned utilization for balance scoring; zero when
// the caregiver has no cap.
func (p *planState) utilization(cand *structs.MatchCandidate, caregiver *structs.Caregiver) float64 {
	if caregiver.MaxHoursPerWeek <= 0 {
		return 0
	}
	capMinutes := caregiver.MaxHoursPerWeek * 60
	used := capMinutes - cand.RemainingWeekMinutes + p.addedMinutes[caregiver.ID]
	return float64(used) / float64(capMinutes)
}

// goalScore adjusts a candidate's overall score toward the optimization
// goal. All goals stay on the 0..100 scale.
func (p *planState) goalScore(cand *structs.MatchCandidate, caregiver *structs.Caregiver, goal structs.OptimizationGoal) float64 {
	base := float64(cand.OverallScore)
	switch goal {
	case structs.GoalFastestFill:
		// Reliable caregivers respond fastest.
		return 0.6*base + 0.4*cand.ReliabilityScore
	case structs.GoalCostEfficient:
		// Staying under caps avoids premium hours.
		return 0.7*base + 0.3*float64(cand.Dimensions.CapacityMatch)
	case structs.GoalBalancedWorkload:
		return base - 30*p.utilization(cand, caregiver)
	case structs.GoalContinuity:
		continuity := float64(cand.PreviousVisitsWithClient * 20)
		if continuity > 100 {
			continuity = 100
		}
		return 0.7*base + 0.3*continuity
	case structs.GoalCaregiverSatisfaction:
		return 0.7*base + 0.3*float64(cand.Dimensions.PreferenceMatch)
	default: // BEST_MATCH
		return base
	}
}

// PlanResult carries the assignments plus the shifts nothing could serve.
type PlanResult struct {
	Assignments []*structs.Assignment
	Unassigned  []string
}

// Plan produces assignments for the given shifts using the greedy
// baseline: shifts in priority-then-start-time order, each taking the
// feasible caregiver that maximizes the goal-weighted score. Candidate
// rankings are fetched once per shift; planning itself is O(S*C).
func (o *Optimizer) Plan(ctx context.Context, shifts []*structs.OpenShift, goal structs.OptimizationGoal, cfg *structs.MatchingConfiguration) (*PlanResult, error) {
	defer metrics.MeasureSince([]string{"carematch", "optimizer", "plan"}, time.Now())

	ranked, err := o.rankAll(ctx, shifts, cfg)
	if err != nil {
		return nil, err
	}

	plan := newPlanState()
	result := &PlanResult{}

	for _, shift := range orderForPlanning(shifts) {
		best, score, err := o.pickBest(plan, shift, ranked[shift.ID], goal)
		if err != nil {
			return nil, err
		}
		if best == nil {
			result.Unassigned = append(result.Unassigned, shift.ID)
			continue
		}
		plan.commit(best.CaregiverID, shift.Window(), shift.DurationMinutes())
		result.Assignments = append(result.Assignments, &structs.Assignment{
			ShiftID:     shift.ID,
			CaregiverID: best.CaregiverID,
			Score:       best.OverallScore,
			Rationale:   fmt.Sprintf("%s: goal-weighted score %.1f", goal, score),
		})
	}

	metrics.IncrCounter([]string{"carematch", "optimizer", "planned"}, float32(len(result.Assignments)))
	return result, nil
}

func (o *Optimizer) rankAll(ctx context.Context, shifts []*structs.OpenShift, cfg *structs.MatchingConfiguration) (map[string][]*structs.MatchCandidate, error) {
	ranked := make(map[string][]*structs.MatchCandidate, len(shifts))
	for _, shift := range shifts {
		cands, err := o.evaluator.RankShift(ctx, shift, cfg, 0)
		if err != nil {
			return nil, err
		}
		ranked[shift.ID] = cands
	}
	return ranked, nil
}

func (o *Optimizer) pickBest(plan *planState, shift *structs.OpenShift, cands []*structs.MatchCandidate, goal structs.OptimizationGoal) (*structs.MatchCandidate, float64, error) {
	var best *structs.MatchCandidate
	var bestScore float64
	for _, cand := range cands {
		caregiver, err := plan.caregiver(o.state, cand.CaregiverID)
		if err != nil {
			return nil, 0, err
		}
		if !plan.feasible(cand, caregiver, shift.DurationMinutes()) {
			continue
		}
		if plan.overlapsPlanned(cand.CaregiverID, shift.Window()) {
			continue
		}
		score := plan.goalScore(cand, caregiver, goal)
		if best == nil || score > bestScore ||
			(score == bestScore && cand.CaregiverID < best.CaregiverID) {
			best, bestScore = cand, score
		}
	}
	return best, bestScore, nil
}

// orderForPlanning sorts a copy by priority desc then start time asc
// then id, the order greedy consumes shifts in.
func orderForPlanning(shifts []*structs.OpenShift) []*structs.OpenShift {
	out := make([]*structs.OpenShift, len(shifts))
	copy(out, shifts)
	sort.SliceStable(out, func(i, j int) bool { return planLess(out[i], out[j]) })
	return out
}

func planLess(a, b *structs.OpenShift) bool {
	if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
		return ar > br
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}
