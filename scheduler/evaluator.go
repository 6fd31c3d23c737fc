// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/carematch/carematch/carematch/structs"
)

// State is the subset of store capabilities the evaluator needs.
type State interface {
	ShiftByID(id string) (*structs.OpenShift, error)
	ListShifts(filter *structs.ShiftListFilter, opts *structs.QueryOptions) ([]*structs.OpenShift, *structs.QueryMeta, error)
	CaregiverByID(id string) (*structs.Caregiver, error)
	CandidatesForShift(shift *structs.OpenShift) ([]*structs.Caregiver, error)
	CaregiverContext(caregiverID string, shift *structs.OpenShift, now time.Time) (*structs.CaregiverContext, error)
	MatchingConfigFor(orgID, branchID string) (*structs.MatchingConfiguration, error)
}

// Blender post-processes a scored candidate; the ML path implements it.
type Blender interface {
	Blend(ctx context.Context, shift *structs.OpenShift, cctx *structs.CaregiverContext, cand *structs.MatchCandidate, cfg *structs.MatchingConfiguration) *structs.MatchCandidate
}

// maxFanOut bounds concurrent per-candidate context fetches.
const maxFanOut = 64

// Evaluator ranks caregivers for shifts. It pulls the coarse candidate
// set from the store, assembles a context per candidate with bounded
// fan-out, runs the scoring kernel, optionally blends, and sorts.
type Evaluator struct {
	logger  hclog.Logger
	state   State
	blender Blender
	fanOut  int
}

// NewEvaluator constructs an evaluator; blender may be nil. A fanOut of
// zero or less picks a default from the CPU count; either way the value
// is capped at maxFanOut.
func NewEvaluator(logger hclog.Logger, state State, blender Blender, fanOut int) *Evaluator {
	if fanOut <= 0 {
		fanOut = runtime.NumCPU() * 4
	}
	if fanOut > maxFanOut {
		fanOut = maxFanOut
	}
	return &Evaluator{
		logger:  logger.Named("evaluator"),
		state:   state,
		blender: blender,
		fanOut:  fanOut,
	}
}

// RankShift evaluates every coarse-filtered caregiver for the shift and
// returns up to maxCandidates results, ranked eligible-first, then score
// descending, then distance ascending, then caregiver id.
func (e *Evaluator) RankShift(ctx context.Context, shift *structs.OpenShift, cfg *structs.MatchingConfiguration, maxCandidates int) ([]*structs.MatchCandidate, error) {
	defer metrics.MeasureSince([]string{"carematch", "evaluator", "rank_shift"}, time.Now())

	candidates, err := e.state.CandidatesForShift(shift)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]*structs.MatchCandidate, len(candidates))

	sem := make(chan struct{}, e.fanOut)
	var wg sync.WaitGroup
	for i, caregiver := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, caregiver *structs.Caregiver) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.scoreOne(ctx, shift, caregiver, cfg, now)
		}(i, caregiver)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	RankCandidates(results)

	if maxCandidates > 0 && len(results) > maxCandidates {
		results = results[:maxCandidates]
	}
	metrics.IncrCounter([]string{"carematch", "evaluator", "candidates_scored"}, float32(len(candidates)))
	return results, nil
}

// scoreOne builds one candidate. A context-fetch failure does not abort
// the shift: the caregiver is scored with defensive defaults instead.
func (e *Evaluator) scoreOne(ctx context.Context, shift *structs.OpenShift, caregiver *structs.Caregiver, cfg *structs.MatchingConfiguration, now time.Time) *structs.MatchCandidate {
	cctx, err := e.state.CaregiverContext(caregiver.ID, shift, now)
	if err != nil {
		e.logger.Warn("context fetch failed, scoring with defaults",
			"caregiver_id", caregiver.ID, "shift_id", shift.ID, "error", err)
		cctx = &structs.CaregiverContext{
			Caregiver:        caregiver,
			ReliabilityScore: 50,
		}
	}

	cand := Score(shift, cctx, cfg, now)
	if e.blender != nil {
		cand = e.blender.Blend(ctx, shift, cctx, cand, cfg)
	}
	return cand
}

// EligibleShiftsForCaregiver is the inverse query behind the self-select
// surface: which open shifts could this caregiver take. Only shifts in a
// selectable status are considered; minScore filters out weak matches.
func (e *Evaluator) EligibleShiftsForCaregiver(ctx context.Context, caregiverID string, minScore int) ([]*structs.MatchCandidate, error) {
	defer metrics.MeasureSince([]string{"carematch", "evaluator", "eligible_shifts"}, time.Now())

	caregiver, err := e.state.CaregiverByID(caregiverID)
	if err != nil {
		return nil, err
	}

	shifts, _, err := e.state.ListShifts(
		&structs.ShiftListFilter{OrganizationID: caregiver.OrganizationID}, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []*structs.MatchCandidate
	for _, shift := range shifts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !shift.Status.Selectable() {
			continue
		}
		if !caregiver.Schedulable(shift) {
			continue
		}

		cfg, err := e.state.MatchingConfigFor(shift.OrganizationID, shift.BranchID)
		if err != nil {
			return nil, err
		}
		cand := e.scoreOne(ctx, shift, caregiver, cfg, now)
		if !cand.Eligible || cand.OverallScore < minScore {
			continue
		}
		out = append(out, cand)
	}

	RankCandidates(out)
	return out, nil
}

// RankCandidates sorts in place: eligible before ineligible, then score
// descending, then distance ascending with unknown distances last, then
// caregiver id, then shift id. The ordering is total, so repeated runs
// over the same inputs agree.
func RankCandidates(cands []*structs.MatchCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Eligible != b.Eligible {
			return a.Eligible
		}
		if a.OverallScore != b.OverallScore {
			return a.OverallScore > b.OverallScore
		}
		switch {
		case a.DistanceMiles != nil && b.DistanceMiles == nil:
			return true
		case a.DistanceMiles == nil && b.DistanceMiles != nil:
			return false
		case a.DistanceMiles != nil && b.DistanceMiles != nil &&
			*a.DistanceMiles != *b.DistanceMiles:
			return *a.DistanceMiles < *b.DistanceMiles
		}
		if a.CaregiverID != b.CaregiverID {
			return a.CaregiverID < b.CaregiverID
		}
		return a.ShiftID < b.ShiftID
	})
}
