// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hibiken/asynq"

	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/scheduler"
)

// TaskTypeBulkMatch is the asynq task type for bulk optimizer runs.
const TaskTypeBulkMatch = "carematch:bulk_match"

// BulkMatchPayload is the asynq task payload.
type BulkMatchPayload struct {
	RequestID string `json:"request_id"`
}

// NewBulkMatchTask builds the queue task for a submitted bulk request.
func NewBulkMatchTask(requestID string) (*asynq.Task, error) {
	payload, err := json.Marshal(&BulkMatchPayload{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBulkMatch, payload, asynq.MaxRetry(3)), nil
}

// BulkRunner executes bulk match jobs: it plans assignments over the
// request's shift window and applies them as proposals. The job record
// is the source of truth for progress; the runner never assigns shifts
// directly.
type BulkRunner struct {
	logger    hclog.Logger
	store     Store
	evaluator *scheduler.Evaluator
	optimizer *scheduler.Optimizer
	manager   *ProposalManager
}

// NewBulkRunner constructs a runner.
func NewBulkRunner(logger hclog.Logger, store Store, evaluator *scheduler.Evaluator, optimizer *scheduler.Optimizer, manager *ProposalManager) *BulkRunner {
	return &BulkRunner{
		logger:    logger.Named("bulk"),
		store:     store,
		evaluator: evaluator,
		optimizer: optimizer,
		manager:   manager,
	}
}

// HandleBulkMatchTask adapts Run to the asynq handler contract.
func (r *BulkRunner) HandleBulkMatchTask(ctx context.Context, task *asynq.Task) error {
	var payload BulkMatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("bulk task payload: %v: %w", err, asynq.SkipRetry)
	}
	err := r.Run(ctx, payload.RequestID)
	if err != nil && !structs.IsTransient(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run executes one bulk request end to end. Partial failure is not
// fatal: shifts that cannot be planned or proposed are counted as
// unmatched and the job completes as PARTIAL.
func (r *BulkRunner) Run(ctx context.Context, requestID string) error {
	defer metrics.MeasureSince([]string{"carematch", "bulk", "run"}, time.Now())

	req, err := r.store.BulkRequestByID(requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		r.logger.Debug("bulk request already finished", "request_id", requestID, "status", req.Status)
		return nil
	}

	started := time.Now().UTC()
	if _, err := r.store.UpdateBulkRequest(requestID, func(b *structs.BulkMatchRequest) error {
		b.Status = structs.BulkMatchStatusRunning
		b.StartedAt = &started
		return nil
	}); err != nil {
		return err
	}

	shifts, err := r.collectShifts(req)
	if err != nil {
		return r.fail(requestID, err)
	}

	cfg, err := r.store.MatchingConfigFor(req.OrganizationID, req.BranchID)
	if err != nil {
		return r.fail(requestID, err)
	}

	goal := req.Goal
	if goal == "" {
		goal = cfg.OptimizeFor
	}

	var plan *scheduler.PlanResult
	if req.UseGenetic {
		plan, err = r.optimizer.PlanGenetic(ctx, shifts, goal, cfg,
			req.GAPopulationSize, req.GAGenerations, started.UnixNano())
	} else {
		plan, err = r.optimizer.Plan(ctx, shifts, goal, cfg)
	}
	if err != nil {
		return r.fail(requestID, err)
	}

	matched, proposals := r.apply(ctx, plan, cfg)

	status := structs.BulkMatchStatusComplete
	if matched < len(shifts) {
		status = structs.BulkMatchStatusPartial
	}
	completed := time.Now().UTC()
	_, err = r.store.UpdateBulkRequest(requestID, func(b *structs.BulkMatchRequest) error {
		b.Status = status
		b.TotalShifts = len(shifts)
		b.MatchedShifts = matched
		b.UnmatchedShifts = len(shifts) - matched
		b.ProposalsGenerated = proposals
		b.CompletedAt = &completed
		return nil
	})
	if err != nil {
		return err
	}

	metrics.IncrCounter([]string{"carematch", "bulk", "completed"}, 1)
	r.logger.Info("bulk match run finished", "request_id", requestID,
		"status", status, "total", len(shifts), "matched", matched,
		"proposals", proposals, "elapsed", completed.Sub(started))
	return nil
}

// collectShifts resolves the request's shift set: the explicit ID list
// when given, otherwise every matchable shift in the date window.
func (r *BulkRunner) collectShifts(req *structs.BulkMatchRequest) ([]*structs.OpenShift, error) {
	if len(req.ShiftIDs) > 0 {
		shifts := make([]*structs.OpenShift, 0, len(req.ShiftIDs))
		for _, id := range req.ShiftIDs {
			shift, err := r.store.ShiftByID(id)
			if err != nil {
				if structs.IsNotFound(err) {
					r.logger.Warn("bulk request references unknown shift", "shift_id", id)
					continue
				}
				return nil, err
			}
			if shift.OrganizationID == req.OrganizationID && shift.Status.Selectable() {
				shifts = append(shifts, shift)
			}
		}
		return shifts, nil
	}

	from, to := req.DateFrom, req.DateTo
	filter := &structs.ShiftListFilter{
		OrganizationID: req.OrganizationID,
		BranchID:       req.BranchID,
		DateFrom:       &from,
		DateTo:         &to,
	}
	shifts, _, err := r.store.ListShifts(filter, nil)
	if err != nil {
		return nil, err
	}
	open := shifts[:0]
	for _, s := range shifts {
		if s.Status.Selectable() {
			open = append(open, s)
		}
	}
	return open, nil
}

// apply turns planned assignments into proposals, one per shift.
func (r *BulkRunner) apply(ctx context.Context, plan *scheduler.PlanResult, cfg *structs.MatchingConfiguration) (matched, proposals int) {
	for _, a := range plan.Assignments {
		shift, err := r.store.ShiftByID(a.ShiftID)
		if err != nil {
			r.logger.Warn("planned shift vanished", "shift_id", a.ShiftID, "error", err)
			continue
		}
		cand, err := r.scoreAssignment(ctx, shift, a.CaregiverID, cfg)
		if err != nil {
			r.logger.Warn("scoring planned assignment failed",
				"shift_id", a.ShiftID, "caregiver_id", a.CaregiverID, "error", err)
			continue
		}

		created, err := r.manager.Propose(ctx, a.ShiftID, []*structs.MatchCandidate{cand}, cfg, ProposeOptions{MaxProposals: 1})
		if err != nil {
			r.logger.Warn("proposing planned assignment failed",
				"shift_id", a.ShiftID, "caregiver_id", a.CaregiverID, "error", err)
			continue
		}
		if len(created) > 0 {
			matched++
			proposals += len(created)
		}
	}
	return matched, proposals
}

// scoreAssignment rebuilds the full candidate record for the planned
// caregiver, so the resulting proposal carries current scores and
// reasons rather than the plan-time snapshot.
func (r *BulkRunner) scoreAssignment(ctx context.Context, shift *structs.OpenShift, caregiverID string, cfg *structs.MatchingConfiguration) (*structs.MatchCandidate, error) {
	ranked, err := r.evaluator.RankShift(ctx, shift, cfg, 0)
	if err != nil {
		return nil, err
	}
	for _, cand := range ranked {
		if cand.CaregiverID == caregiverID {
			return cand, nil
		}
	}
	return nil, fmt.Errorf("caregiver %s no longer ranks for shift %s: %w",
		caregiverID, shift.ID, structs.ErrConflict)
}

// fail marks the job FAILED with the cause, then returns the original
// error so queue retries can decide what to do with it.
func (r *BulkRunner) fail(requestID string, cause error) error {
	completed := time.Now().UTC()
	_, err := r.store.UpdateBulkRequest(requestID, func(b *structs.BulkMatchRequest) error {
		b.Status = structs.BulkMatchStatusFailed
		b.Error = cause.Error()
		b.CompletedAt = &completed
		return nil
	})
	if err != nil {
		r.logger.Error("recording bulk failure failed", "request_id", requestID, "error", err)
	}
	metrics.IncrCounter([]string{"carematch", "bulk", "failed"}, 1)
	return cause
}
