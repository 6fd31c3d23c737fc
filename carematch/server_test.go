// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/helper/testlog"
)

func testServer(t *testing.T, config *Config) *Server {
	t.Helper()
	store, err := state.NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	base := &Config{Logger: testlog.HCLogger(t)}
	return NewServer(base.Merge(config), store)
}

func TestServer_MatchShift(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	for i := 0; i < 3; i++ {
		must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))
	}

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 3, res.Candidates)
	must.Len(t, 3, res.Proposals)
	must.Eq(t, structs.ShiftStatusProposed, res.Shift.Status)

	for _, p := range res.Proposals {
		must.Eq(t, structs.ProposalStatusPending, p.Status)
		must.GreaterEq(t, 60, p.Score)
	}

	// Rows were appended for every proposal issued.
	rows, err := srv.Store().HistoryByShift(shift.ID)
	must.NoError(t, err)
	must.Len(t, 3, rows)
	for _, row := range rows {
		must.Eq(t, structs.OutcomeProposed, row.Outcome)
	}
}

func TestServer_MatchShift_EvaluateOnly(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{EvaluateOnly: true})
	must.NoError(t, err)
	must.Len(t, 1, res.Candidates)
	must.Len(t, 0, res.Proposals)
	must.Eq(t, structs.ShiftStatusMatched, res.Shift.Status)

	live, err := srv.Store().NonTerminalProposals(shift.ID)
	must.NoError(t, err)
	must.Len(t, 0, live)
}

func TestServer_MatchShift_NoMatch(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	shift.RequiredSkills = []string{"Ventilator Care"}
	must.NoError(t, srv.Store().UpsertShift(shift))
	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.NoError(t, err)
	must.Len(t, 0, res.Proposals)
	must.Eq(t, structs.ShiftStatusNoMatch, res.Shift.Status)

	rows, err := srv.Store().HistoryByShift(shift.ID)
	must.NoError(t, err)
	must.Len(t, 1, rows)
	must.Eq(t, structs.OutcomeNoMatch, rows[0].Outcome)
}

func TestServer_MatchShift_AssignedShift(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	shift.Status = structs.ShiftStatusAssigned
	must.NoError(t, srv.Store().UpsertShift(shift))

	_, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{})
	must.ErrorIs(t, err, structs.ErrConflict)
}

func TestServer_MatchShift_MaxProposals(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shift := mock.Shift()
	must.NoError(t, srv.Store().UpsertShift(shift))
	for i := 0; i < 4; i++ {
		must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))
	}

	res, err := srv.MatchShift(context.Background(), shift.ID, MatchOptions{MaxProposals: 2})
	must.NoError(t, err)
	must.Len(t, 4, res.Candidates)
	must.Len(t, 2, res.Proposals)
}

func TestServer_ConfigCache_Invalidation(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	// First resolution caches the org default.
	cfg, err := srv.resolveConfig("org-1", "branch-1")
	must.NoError(t, err)
	must.Eq(t, 60, cfg.MinScoreForProposal)

	// A write through the server purges the cache.
	custom := mock.MatchingConfig()
	custom.MinScoreForProposal = 75
	must.NoError(t, srv.UpsertMatchingConfig(custom))

	cfg, err = srv.resolveConfig("org-1", "branch-1")
	must.NoError(t, err)
	must.Eq(t, 75, cfg.MinScoreForProposal)
}

func TestServer_SubmitBulkRequest(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	req := mock.BulkRequest()
	out, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusPending, out.Status)

	// Duplicate submission conflicts.
	_, err = srv.SubmitBulkRequest(req)
	must.ErrorIs(t, err, structs.ErrConflict)
}
