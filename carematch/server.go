// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/scheduler"
)

// Server wires the engine together: store, evaluator, optimizer,
// proposal manager, blender, experiments, bulk runner, and the expiry
// sweeper. The HTTP layer in command/agent talks to this type only.
type Server struct {
	logger hclog.Logger
	config *Config
	store  Store

	Evaluator   *scheduler.Evaluator
	Optimizer   *scheduler.Optimizer
	Proposals   *ProposalManager
	Experiments *Experiments
	Bulk        *BulkRunner

	sweeper *Sweeper

	// configCache holds resolved matching configurations keyed by
	// org/branch. Entries expire on TTL; config writes purge the whole
	// cache since they are rare.
	configCache *expirable.LRU[string, *structs.MatchingConfiguration]
}

// cachedState adapts the store to the scheduler's state interface with
// a read-through cache in front of configuration resolution, which is
// on the hot path of every ranking call.
type cachedState struct {
	Store
	server *Server
}

func (c *cachedState) MatchingConfigFor(orgID, branchID string) (*structs.MatchingConfiguration, error) {
	return c.server.resolveConfig(orgID, branchID)
}

// NewServer builds a fully wired engine on top of the given store.
func NewServer(config *Config, store Store) *Server {
	config = DefaultConfig().Merge(config)
	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("carematch")

	s := &Server{
		logger: logger,
		config: config,
		store:  store,
		configCache: expirable.NewLRU[string, *structs.MatchingConfiguration](
			config.ConfigCacheSize, nil, config.ConfigCacheTTL),
	}

	s.Experiments = NewExperiments(logger, store)

	var blender scheduler.Blender
	if config.MLEnabled {
		predictor := NewInferenceClient(logger, config.InferenceTimeout)
		blender = NewMLBlender(config, store, predictor, s.Experiments)
	}

	state := &cachedState{Store: store, server: s}
	s.Evaluator = scheduler.NewEvaluator(logger, state, blender, config.EvaluatorFanOut)
	s.Optimizer = scheduler.NewOptimizer(logger, state, s.Evaluator)
	s.Proposals = NewProposalManager(logger, store, s.Evaluator, s.Experiments, config.Notifier)
	s.Bulk = NewBulkRunner(logger, store, s.Evaluator, s.Optimizer, s.Proposals)
	s.sweeper = NewSweeper(logger, s.Proposals, config.ExpirySweepInterval)

	return s
}

// Start launches background work: currently just the expiry sweeper.
func (s *Server) Start() {
	go s.sweeper.Run()
}

// Shutdown stops background work and waits for it to drain.
func (s *Server) Shutdown() {
	s.sweeper.Stop()
	s.logger.Info("engine shut down")
}

// Store exposes the underlying persistence for the HTTP layer's plain
// reads and writes.
func (s *Server) Store() Store {
	return s.store
}

func (s *Server) resolveConfig(orgID, branchID string) (*structs.MatchingConfiguration, error) {
	key := orgID + "/" + branchID
	if cfg, ok := s.configCache.Get(key); ok {
		metrics.IncrCounter([]string{"carematch", "config_cache", "hit"}, 1)
		return cfg, nil
	}
	cfg, err := s.store.MatchingConfigFor(orgID, branchID)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"carematch", "config_cache", "miss"}, 1)
	s.configCache.Add(key, cfg)
	return cfg, nil
}

// UpsertMatchingConfig writes a configuration and invalidates the cache
// so the next ranking sees it.
func (s *Server) UpsertMatchingConfig(cfg *structs.MatchingConfiguration) error {
	if err := s.store.UpsertMatchingConfig(cfg); err != nil {
		return err
	}
	s.configCache.Purge()
	return nil
}

// MatchResult is the outcome of a single-shift match run.
type MatchResult struct {
	Shift      *structs.OpenShift
	Candidates []*structs.MatchCandidate
	Proposals  []*structs.AssignmentProposal
}

// MatchOptions tunes MatchShift.
type MatchOptions struct {
	// EvaluateOnly ranks candidates without issuing proposals.
	EvaluateOnly bool

	// MaxCandidates caps the returned ranking; zero means no cap.
	MaxCandidates int

	// MaxProposals overrides the configured per-shift proposal cap.
	MaxProposals int
}

// MatchShift runs the full match pipeline for one shift: resolve
// configuration, rank candidates, and issue proposals to the qualifying
// top of the ranking.
func (s *Server) MatchShift(ctx context.Context, shiftID string, opts MatchOptions) (*MatchResult, error) {
	defer metrics.MeasureSince([]string{"carematch", "server", "match_shift"}, time.Now())

	shift, err := s.store.ShiftByID(shiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status == structs.ShiftStatusAssigned {
		return nil, fmt.Errorf("shift %s is already assigned: %w", shiftID, structs.ErrConflict)
	}
	if shift.Status.Terminal() {
		return nil, fmt.Errorf("shift %s is %s: %w", shiftID, shift.Status, structs.ErrConflict)
	}

	cfg, err := s.resolveConfig(shift.OrganizationID, shift.BranchID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.Evaluator.RankShift(ctx, shift, cfg, opts.MaxCandidates)
	if err != nil {
		return nil, err
	}

	proposals, err := s.Proposals.Propose(ctx, shiftID, candidates, cfg, ProposeOptions{
		EvaluateOnly: opts.EvaluateOnly,
		MaxProposals: opts.MaxProposals,
	})
	if err != nil {
		return nil, err
	}

	shift, err = s.store.ShiftByID(shiftID)
	if err != nil {
		return nil, err
	}
	return &MatchResult{Shift: shift, Candidates: candidates, Proposals: proposals}, nil
}

// SubmitBulkRequest validates and persists a bulk job. The caller is
// responsible for enqueueing the worker task; in-process deployments can
// run it directly via Bulk.Run.
func (s *Server) SubmitBulkRequest(req *structs.BulkMatchRequest) (*structs.BulkMatchRequest, error) {
	if err := s.store.CreateBulkRequest(req); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"carematch", "bulk", "submitted"}, 1)
	return s.store.BulkRequestByID(req.ID)
}

// KPIs aggregates matching outcomes for an organization over [from, to).
func (s *Server) KPIs(orgID string, from, to time.Time) (*structs.MatchingKPIs, error) {
	return ComputeKPIs(s.store, orgID, from, to)
}
