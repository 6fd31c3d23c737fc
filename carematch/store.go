// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package carematch is the engine core: proposal lifecycle, background
// expiry sweep, ML blending with A/B experiments, bulk matching, and KPI
// aggregation. It sits between the store and the HTTP surface in
// command/agent and never imports server types itself.
package carematch

import (
	"time"

	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
)

// Store is the persistence capability set the engine needs. The memdb
// state store implements it for tests and single-node deployments; the
// pgstore variant implements it for production. Multi-row invariants
// (accept, supersede, sweep) are atomic domain methods rather than an
// exposed transaction handle so both backends can honor them natively.
type Store interface {
	// Shifts.
	UpsertShift(shift *structs.OpenShift) error
	ShiftByID(id string) (*structs.OpenShift, error)
	ListShifts(filter *structs.ShiftListFilter, opts *structs.QueryOptions) ([]*structs.OpenShift, *structs.QueryMeta, error)
	UpdateShiftStatus(id string, expectedVersion uint64, status structs.ShiftStatus, assignedCaregiverID string) (*structs.OpenShift, error)
	MarkShiftForReview(id string) error
	DeleteShift(id string, expectedVersion uint64, now time.Time) error

	// Caregivers and visits.
	UpsertCaregiver(c *structs.Caregiver) error
	CaregiverByID(id string) (*structs.Caregiver, error)
	CandidatesForShift(shift *structs.OpenShift) ([]*structs.Caregiver, error)
	UpsertVisit(v *structs.ScheduledVisit) error
	CaregiverContext(caregiverID string, shift *structs.OpenShift, now time.Time) (*structs.CaregiverContext, error)

	// Proposals.
	CreateProposals(shiftID string, proposals []*structs.AssignmentProposal, shiftStatus structs.ShiftStatus, history []*structs.MatchHistory) error
	ProposalByID(id string) (*structs.AssignmentProposal, error)
	ProposalsByShift(shiftID string) ([]*structs.AssignmentProposal, error)
	NonTerminalProposals(shiftID string) ([]*structs.AssignmentProposal, error)
	ProposalsByCaregiver(caregiverID string, respondableOnly bool) ([]*structs.AssignmentProposal, error)
	ExpiredProposals(now time.Time) ([]*structs.AssignmentProposal, error)
	MarkProposalSent(id string, now time.Time) (*structs.AssignmentProposal, error)
	MarkProposalViewed(id string, now time.Time) (*structs.AssignmentProposal, error)
	AcceptProposal(id string, expectedVersion uint64, actor string, now time.Time) (*state.RespondResult, error)
	RejectProposal(id string, expectedVersion uint64, actor, reason string, category structs.RejectionCategory, now time.Time) (*state.RespondResult, error)
	ExpireProposals(now time.Time) ([]*structs.AssignmentProposal, error)
	WithdrawProposalsForShift(shiftID string, now time.Time) (int, error)

	// Configuration and preferences.
	UpsertMatchingConfig(cfg *structs.MatchingConfiguration) error
	MatchingConfigByID(id string) (*structs.MatchingConfiguration, error)
	MatchingConfigFor(orgID, branchID string) (*structs.MatchingConfiguration, error)
	UpsertPreferenceProfile(p *structs.CaregiverPreferenceProfile) error
	PreferenceProfile(caregiverID string) (*structs.CaregiverPreferenceProfile, error)

	// Experiments and models.
	UpsertExperiment(exp *structs.Experiment) error
	ExperimentByID(id string) (*structs.Experiment, error)
	ActiveExperiment(orgID string) (*structs.Experiment, error)
	RecordExperimentAssignment(a *structs.ExperimentAssignment) (*structs.ExperimentAssignment, error)
	UpdateExperimentOutcome(experimentID, shiftID string, fn func(*structs.ExperimentAssignment)) error
	ExperimentAssignments(experimentID string) ([]*structs.ExperimentAssignment, error)
	UpsertModelEntry(m *structs.ModelRegistryEntry) error
	ModelByID(id string) (*structs.ModelRegistryEntry, error)
	ActiveModel(orgID string) (*structs.ModelRegistryEntry, error)

	// Bulk jobs and history.
	CreateBulkRequest(req *structs.BulkMatchRequest) error
	BulkRequestByID(id string) (*structs.BulkMatchRequest, error)
	BulkRequestsByOrg(orgID string) ([]*structs.BulkMatchRequest, error)
	UpdateBulkRequest(id string, fn func(*structs.BulkMatchRequest) error) (*structs.BulkMatchRequest, error)
	AppendHistory(rows []*structs.MatchHistory) error
	HistoryByShift(shiftID string) ([]*structs.MatchHistory, error)
	HistoryInRange(orgID string, from, to time.Time) ([]*structs.MatchHistory, error)
}

var _ Store = (*state.StateStore)(nil)
