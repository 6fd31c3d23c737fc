// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/pointer"
)

func TestStateStore_MatchingConfigFor_Resolution(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	// No stored config: built-in defaults.
	cfg, err := store.MatchingConfigFor("org-1", "branch-1")
	must.NoError(t, err)
	must.Eq(t, structs.DefaultMatchWeights(), cfg.Weights)

	// Organization default.
	orgCfg := mock.MatchingConfig()
	orgCfg.MinScoreForProposal = 65
	must.NoError(t, store.UpsertMatchingConfig(orgCfg))

	cfg, err = store.MatchingConfigFor("org-1", "branch-1")
	must.NoError(t, err)
	must.Eq(t, 65, cfg.MinScoreForProposal)

	// Branch override wins over the org default.
	branchCfg := mock.MatchingConfig()
	branchCfg.BranchID = "branch-1"
	branchCfg.MinScoreForProposal = 75
	must.NoError(t, store.UpsertMatchingConfig(branchCfg))

	cfg, err = store.MatchingConfigFor("org-1", "branch-1")
	must.NoError(t, err)
	must.Eq(t, 75, cfg.MinScoreForProposal)

	// Other branches still resolve to the org default.
	cfg, err = store.MatchingConfigFor("org-1", "branch-2")
	must.NoError(t, err)
	must.Eq(t, 65, cfg.MinScoreForProposal)
}

func TestStateStore_UpsertMatchingConfig_Invalid(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	cfg := mock.MatchingConfig()
	cfg.Weights.Skill += 10 // sum no longer 100
	err := store.UpsertMatchingConfig(cfg)
	must.ErrorIs(t, err, structs.ErrValidation)
}

func TestStateStore_PreferenceProfile(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	caregiver := mock.Caregiver()
	must.NoError(t, store.UpsertCaregiver(caregiver))

	// Absence is nil, not an error.
	p, err := store.PreferenceProfile(caregiver.ID)
	must.NoError(t, err)
	must.Nil(t, p)

	profile := mock.PreferenceProfile(caregiver.ID)
	must.NoError(t, store.UpsertPreferenceProfile(profile))

	p, err = store.PreferenceProfile(caregiver.ID)
	must.NoError(t, err)
	must.Eq(t, 40, p.MaxHoursPerWeek)

	// Profiles for unknown caregivers are rejected.
	orphan := mock.PreferenceProfile("nope")
	err = store.UpsertPreferenceProfile(orphan)
	must.ErrorIs(t, err, structs.ErrNotFound)
}

func TestStateStore_ExperimentAssignment_WriteOnce(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	exp := mock.Experiment()
	must.NoError(t, store.UpsertExperiment(exp))

	active, err := store.ActiveExperiment("org-1")
	must.NoError(t, err)
	must.Eq(t, exp.ID, active.ID)

	first := &structs.ExperimentAssignment{
		ExperimentID: exp.ID,
		ShiftID:      "shift-1",
		Variant:      "treatment",
		AssignedAt:   time.Now().UTC(),
	}
	out, err := store.RecordExperimentAssignment(first)
	must.NoError(t, err)
	must.Eq(t, "treatment", out.Variant)

	// A second write for the same pair returns the original variant.
	second := &structs.ExperimentAssignment{
		ExperimentID: exp.ID,
		ShiftID:      "shift-1",
		Variant:      "control",
		AssignedAt:   time.Now().UTC(),
	}
	out, err = store.RecordExperimentAssignment(second)
	must.NoError(t, err)
	must.Eq(t, "treatment", out.Variant)

	// Outcome updates never change the variant.
	err = store.UpdateExperimentOutcome(exp.ID, "shift-1", func(a *structs.ExperimentAssignment) {
		a.Variant = "control"
		a.Matched = pointer.Of(true)
		a.MatchScore = pointer.Of(88)
	})
	must.NoError(t, err)

	assignments, err := store.ExperimentAssignments(exp.ID)
	must.NoError(t, err)
	must.Len(t, 1, assignments)
	must.Eq(t, "treatment", assignments[0].Variant)
	must.True(t, *assignments[0].Matched)
	must.Eq(t, 88, *assignments[0].MatchScore)
}

func TestStateStore_ModelRegistry_SingleActive(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, err := store.ActiveModel("org-1")
	must.ErrorIs(t, err, structs.ErrNotFound)

	v1 := mock.ModelEntry("http://models.internal/v1")
	must.NoError(t, store.UpsertModelEntry(v1))

	active, err := store.ActiveModel("org-1")
	must.NoError(t, err)
	must.Eq(t, v1.ID, active.ID)

	// Activating a newer model demotes the old one atomically.
	v2 := mock.ModelEntry("http://models.internal/v2")
	v2.ModelVersion = "1.5.0"
	must.NoError(t, store.UpsertModelEntry(v2))

	active, err = store.ActiveModel("org-1")
	must.NoError(t, err)
	must.Eq(t, v2.ID, active.ID)

	old, err := store.ModelByID(v1.ID)
	must.NoError(t, err)
	must.False(t, old.Active)
}

func TestStateStore_BulkRequest_Lifecycle(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	req := mock.BulkRequest()
	must.NoError(t, store.CreateBulkRequest(req))

	err := store.CreateBulkRequest(req)
	must.ErrorIs(t, err, structs.ErrConflict)

	started := time.Now().UTC()
	_, err = store.UpdateBulkRequest(req.ID, func(r *structs.BulkMatchRequest) error {
		r.Status = structs.BulkMatchStatusRunning
		r.StartedAt = &started
		return nil
	})
	must.NoError(t, err)

	done, err := store.UpdateBulkRequest(req.ID, func(r *structs.BulkMatchRequest) error {
		r.Status = structs.BulkMatchStatusComplete
		r.TotalShifts = 10
		r.MatchedShifts = 8
		r.UnmatchedShifts = 2
		return nil
	})
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusComplete, done.Status)

	// Terminal requests refuse further mutation.
	_, err = store.UpdateBulkRequest(req.ID, func(r *structs.BulkMatchRequest) error {
		r.Status = structs.BulkMatchStatusRunning
		return nil
	})
	must.ErrorIs(t, err, structs.ErrConflict)

	list, err := store.BulkRequestsByOrg("org-1")
	must.NoError(t, err)
	must.Len(t, 1, list)
}
