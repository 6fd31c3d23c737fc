// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/carematch/carematch/carematch/structs"
)

const (
	defaultPopulation  = 50
	defaultGenerations = 100
	tournamentSize     = 3
	mutationRate       = 0.05
	eliteCount         = 2

	// infeasiblePenalty dominates any achievable score so constraint
	// violations always lose to feasible plans.
	infeasiblePenalty = 1000
)

// genome is one assignment vector: genome[i] indexes into the candidate
// list of shift i, or -1 for unassigned.
type genome []int

// gaProblem is the immutable input shared by the whole population.
type gaProblem struct {
	shifts []*structs.OpenShift
	cands  [][]*structs.MatchCandidate
	goal   structs.OptimizationGoal
	state  *planState
}

// PlanGenetic refines assignments with a genetic pass: tournament
// selection, single-point crossover, per-gene mutation, bounded by the
// supplied population size and generation count. The greedy plan seeds
// the population so the result never regresses below the baseline.
func (o *Optimizer) PlanGenetic(ctx context.Context, shifts []*structs.OpenShift, goal structs.OptimizationGoal, cfg *structs.MatchingConfiguration, population, generations int, seed int64) (*PlanResult, error) {
	defer metrics.MeasureSince([]string{"carematch", "optimizer", "plan_genetic"}, time.Now())

	if population <= 0 {
		population = defaultPopulation
	}
	if generations <= 0 {
		generations = defaultGenerations
	}

	ordered := orderForPlanning(shifts)
	if len(ordered) == 0 {
		return &PlanResult{}, nil
	}
	ranked, err := o.rankAll(ctx, ordered, cfg)
	if err != nil {
		return nil, err
	}

	problem := &gaProblem{
		shifts: ordered,
		goal:   goal,
		state:  newPlanState(),
	}
	problem.cands = make([][]*structs.MatchCandidate, len(ordered))
	for i, shift := range ordered {
		problem.cands[i] = ranked[shift.ID]
		for _, cand := range ranked[shift.ID] {
			if _, err := problem.state.caregiver(o.state, cand.CaregiverID); err != nil {
				return nil, err
			}
		}
	}

	rng := rand.New(rand.NewSource(seed))

	pop := make([]genome, population)
	pop[0] = o.seedFromGreedy(problem)
	for i := 1; i < population; i++ {
		pop[i] = randomGenome(problem, rng)
	}

	for gen := 0; gen < generations; gen++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pop = o.evolve(problem, pop, rng)
	}

	best := pop[0]
	bestFit := fitness(problem, best)
	for _, g := range pop[1:] {
		if f := fitness(problem, g); f > bestFit {
			best, bestFit = g, f
		}
	}

	return o.genomeToPlan(problem, best), nil
}

// seedFromGreedy replays the greedy choice as a genome.
func (o *Optimizer) seedFromGreedy(problem *gaProblem) genome {
	g := make(genome, len(problem.shifts))
	plan := newPlanState()
	plan.caregivers = problem.state.caregivers
	for i, shift := range problem.shifts {
		g[i] = -1
		var bestScore float64
		for ci, cand := range problem.cands[i] {
			caregiver := plan.caregivers[cand.CaregiverID]
			if !plan.feasible(cand, caregiver, shift.DurationMinutes()) {
				continue
			}
			if plan.overlapsPlanned(cand.CaregiverID, shift.Window()) {
				continue
			}
			score := plan.goalScore(cand, caregiver, problem.goal)
			if g[i] == -1 || score > bestScore {
				g[i], bestScore = ci, score
			}
		}
		if g[i] >= 0 {
			plan.commit(problem.cands[i][g[i]].CaregiverID, shift.Window(), shift.DurationMinutes())
		}
	}
	return g
}

func randomGenome(problem *gaProblem, rng *rand.Rand) genome {
	g := make(genome, len(problem.shifts))
	for i := range g {
		n := len(problem.cands[i])
		if n == 0 {
			g[i] = -1
			continue
		}
		// Leave a fraction unassigned so the search can trade coverage
		// for feasibility.
		if rng.Float64() < 0.1 {
			g[i] = -1
		} else {
			g[i] = rng.Intn(n)
		}
	}
	return g
}

func (o *Optimizer) evolve(problem *gaProblem, pop []genome, rng *rand.Rand) []genome {
	fits := make([]float64, len(pop))
	for i, g := range pop {
		fits[i] = fitness(problem, g)
	}

	next := make([]genome, 0, len(pop))

	// Elitism: carry the best individuals unchanged.
	elite := bestIndices(fits, eliteCount)
	for _, i := range elite {
		next = append(next, append(genome(nil), pop[i]...))
	}

	for len(next) < len(pop) {
		a := tournament(pop, fits, rng)
		b := tournament(pop, fits, rng)
		child := crossover(a, b, rng)
		mutate(problem, child, rng)
		next = append(next, child)
	}
	return next
}

func tournament(pop []genome, fits []float64, rng *rand.Rand) genome {
	best := rng.Intn(len(pop))
	for i := 1; i < tournamentSize; i++ {
		c := rng.Intn(len(pop))
		if fits[c] > fits[best] {
			best = c
		}
	}
	return pop[best]
}

func crossover(a, b genome, rng *rand.Rand) genome {
	child := make(genome, len(a))
	if len(a) == 0 {
		return child
	}
	point := rng.Intn(len(a))
	copy(child, a[:point])
	copy(child[point:], b[point:])
	return child
}

func mutate(problem *gaProblem, g genome, rng *rand.Rand) {
	for i := range g {
		if rng.Float64() >= mutationRate {
			continue
		}
		n := len(problem.cands[i])
		if n == 0 {
			continue
		}
		if rng.Float64() < 0.1 {
			g[i] = -1
		} else {
			g[i] = rng.Intn(n)
		}
	}
}

// fitness sums the goal-weighted score of every assigned gene, with hard
// penalties for constraint violations: ineligible candidates, weekly-hour
// overruns, consecutive-shift overruns, double-booking a caregiver onto
// overlapping shifts.
func fitness(problem *gaProblem, g genome) float64 {
	plan := newPlanState()
	plan.caregivers = problem.state.caregivers

	var total float64
	for i, ci := range g {
		if ci < 0 {
			continue
		}
		shift := problem.shifts[i]
		cand := problem.cands[i][ci]
		caregiver := plan.caregivers[cand.CaregiverID]

		if !plan.feasible(cand, caregiver, shift.DurationMinutes()) {
			total -= infeasiblePenalty
			continue
		}
		if plan.overlapsPlanned(cand.CaregiverID, shift.Window()) {
			total -= infeasiblePenalty
			continue
		}

		plan.commit(cand.CaregiverID, shift.Window(), shift.DurationMinutes())
		total += plan.goalScore(cand, caregiver, problem.goal)
	}
	return total
}

func bestIndices(fits []float64, n int) []int {
	idx := make([]int, len(fits))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < n && i < len(idx); i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if fits[idx[j]] > fits[idx[best]] {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}

func (o *Optimizer) genomeToPlan(problem *gaProblem, g genome) *PlanResult {
	plan := newPlanState()
	plan.caregivers = problem.state.caregivers

	result := &PlanResult{}
	for i, ci := range g {
		shift := problem.shifts[i]
		if ci < 0 {
			result.Unassigned = append(result.Unassigned, shift.ID)
			continue
		}
		cand := problem.cands[i][ci]
		caregiver := plan.caregivers[cand.CaregiverID]
		if !plan.feasible(cand, caregiver, shift.DurationMinutes()) {
			result.Unassigned = append(result.Unassigned, shift.ID)
			continue
		}
		if plan.overlapsPlanned(cand.CaregiverID, shift.Window()) {
			result.Unassigned = append(result.Unassigned, shift.ID)
			continue
		}
		plan.commit(cand.CaregiverID, shift.Window(), shift.DurationMinutes())
		result.Assignments = append(result.Assignments, &structs.Assignment{
			ShiftID:     shift.ID,
			CaregiverID: cand.CaregiverID,
			Score:       cand.OverallScore,
			Rationale:   fmt.Sprintf("%s: genetic pass", problem.goal),
		})
	}
	return result
}
