// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
)

func bulkShifts(t *testing.T, srv *Server, n int) []*structs.OpenShift {
	t.Helper()
	shifts := make([]*structs.OpenShift, n)
	for i := range shifts {
		shift := mock.Shift()
		shift.StartTime = shift.StartTime.Add(time.Duration(i) * 24 * time.Hour)
		shift.EndTime = shift.EndTime.Add(time.Duration(i) * 24 * time.Hour)
		shift.ScheduledDate = shift.StartTime.Truncate(24 * time.Hour)
		must.NoError(t, srv.Store().UpsertShift(shift))
		shifts[i] = shift
	}
	return shifts
}

func TestBulkRunner_Run(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shifts := bulkShifts(t, srv, 3)
	for i := 0; i < 2; i++ {
		must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))
	}

	req := mock.BulkRequest()
	out, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusPending, out.Status)

	must.NoError(t, srv.Bulk.Run(context.Background(), req.ID))

	done, err := srv.Store().BulkRequestByID(req.ID)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusComplete, done.Status)
	must.Eq(t, 3, done.TotalShifts)
	must.Eq(t, 3, done.MatchedShifts)
	must.Eq(t, 0, done.UnmatchedShifts)
	must.Eq(t, 3, done.ProposalsGenerated)
	must.NotNil(t, done.StartedAt)
	must.NotNil(t, done.CompletedAt)

	// Each shift got exactly one live proposal.
	for _, shift := range shifts {
		live, err := srv.Store().NonTerminalProposals(shift.ID)
		must.NoError(t, err)
		must.Len(t, 1, live)

		updated, err := srv.Store().ShiftByID(shift.ID)
		must.NoError(t, err)
		must.Eq(t, structs.ShiftStatusProposed, updated.Status)
	}
}

func TestBulkRunner_Run_Partial(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	bulkShifts(t, srv, 2)

	// A shift nobody can serve.
	hard := mock.Shift()
	hard.StartTime = hard.StartTime.Add(4 * 24 * time.Hour)
	hard.EndTime = hard.EndTime.Add(4 * 24 * time.Hour)
	hard.ScheduledDate = hard.StartTime.Truncate(24 * time.Hour)
	hard.RequiredSkills = []string{"Ventilator Care"}
	must.NoError(t, srv.Store().UpsertShift(hard))

	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	req := mock.BulkRequest()
	_, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	must.NoError(t, srv.Bulk.Run(context.Background(), req.ID))

	done, err := srv.Store().BulkRequestByID(req.ID)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusPartial, done.Status)
	must.Eq(t, 3, done.TotalShifts)
	must.Eq(t, 2, done.MatchedShifts)
	must.Eq(t, 1, done.UnmatchedShifts)
}

func TestBulkRunner_Run_ShiftSubset(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	shifts := bulkShifts(t, srv, 3)
	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	req := mock.BulkRequest()
	req.ShiftIDs = []string{shifts[0].ID, "does-not-exist"}
	_, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	must.NoError(t, srv.Bulk.Run(context.Background(), req.ID))

	done, err := srv.Store().BulkRequestByID(req.ID)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusComplete, done.Status)
	must.Eq(t, 1, done.TotalShifts)
	must.Eq(t, 1, done.MatchedShifts)

	// Untargeted shifts were left alone.
	untouched, err := srv.Store().ShiftByID(shifts[1].ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftStatusNew, untouched.Status)
}

func TestBulkRunner_Run_Genetic(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	bulkShifts(t, srv, 2)
	must.NoError(t, srv.Store().UpsertCaregiver(mock.Caregiver()))

	req := mock.BulkRequest()
	req.UseGenetic = true
	req.GAPopulationSize = 10
	req.GAGenerations = 5
	_, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	must.NoError(t, srv.Bulk.Run(context.Background(), req.ID))

	done, err := srv.Store().BulkRequestByID(req.ID)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusComplete, done.Status)
	must.Eq(t, 2, done.MatchedShifts)
}

func TestBulkRunner_Run_AlreadyFinished(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	req := mock.BulkRequest()
	_, err := srv.SubmitBulkRequest(req)
	must.NoError(t, err)
	_, err = srv.Store().UpdateBulkRequest(req.ID, func(b *structs.BulkMatchRequest) error {
		b.Status = structs.BulkMatchStatusCancelled
		return nil
	})
	must.NoError(t, err)

	// Running a cancelled job is a no-op.
	must.NoError(t, srv.Bulk.Run(context.Background(), req.ID))
	done, err := srv.Store().BulkRequestByID(req.ID)
	must.NoError(t, err)
	must.Eq(t, structs.BulkMatchStatusCancelled, done.Status)
}

func TestBulkMatchTask_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	task, err := NewBulkMatchTask("req-1")
	must.NoError(t, err)
	must.Eq(t, TaskTypeBulkMatch, task.Type())

	var payload BulkMatchPayload
	must.NoError(t, json.Unmarshal(task.Payload(), &payload))
	must.Eq(t, "req-1", payload.RequestID)
}
