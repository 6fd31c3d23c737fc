// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/carematch/mock"
	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/ci"
	"github.com/carematch/carematch/testutil"
)

// apiResponse is the decoded response envelope, success or error.
type apiResponse struct {
	Data    json.RawMessage   `json:"data"`
	Meta    json.RawMessage   `json:"meta"`
	Error   string            `json:"error"`
	Code    structs.ErrorCode `json:"code"`
	Context json.RawMessage   `json:"context"`
}

func httpDo(t *testing.T, method, url string, body any, headers map[string]string) (int, *apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		must.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	must.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()

	out := &apiResponse{}
	if resp.StatusCode != http.StatusNoContent {
		must.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, resp *apiResponse) *T {
	t.Helper()
	out := new(T)
	must.NoError(t, json.Unmarshal(resp.Data, out))
	return out
}

func TestHTTP_Health(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/agent/health", nil, nil)
	must.Eq(t, http.StatusOK, code)

	health := decodeData[healthResponse](t, resp)
	must.Eq(t, "ok", health.Status)
	must.Eq(t, "memory", health.Storage)
}

func TestHTTP_ShiftLifecycle(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	for i := 0; i < 2; i++ {
		must.NoError(t, a.Engine().Store().UpsertCaregiver(mock.Caregiver()))
	}

	// Create.
	shift := mock.Shift()
	code, resp := httpDo(t, http.MethodPost, a.URL+"/v1/shifts", shift, nil)
	must.Eq(t, http.StatusCreated, code)
	created := decodeData[structs.OpenShift](t, resp)
	must.Eq(t, structs.ShiftStatusNew, created.Status)

	// Read back.
	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID, nil, nil)
	must.Eq(t, http.StatusOK, code)

	// Match: two candidates, two proposals.
	code, resp = httpDo(t, http.MethodPost, a.URL+"/v1/shift/"+shift.ID+"/match", nil, nil)
	must.Eq(t, http.StatusOK, code)

	var result struct {
		Shift     *structs.OpenShift
		Proposals []*structs.AssignmentProposal
	}
	must.NoError(t, json.Unmarshal(resp.Data, &result))
	must.Eq(t, structs.ShiftStatusProposed, result.Shift.Status)
	must.Len(t, 2, result.Proposals)

	// Accept the top proposal.
	top := result.Proposals[0]
	code, resp = httpDo(t, http.MethodPost, a.URL+"/v1/proposal/"+top.ID+"/accept",
		&respondRequest{Version: top.Version, Actor: top.CaregiverID}, nil)
	must.Eq(t, http.StatusOK, code)
	accepted := decodeData[structs.AssignmentProposal](t, resp)
	must.Eq(t, structs.ProposalStatusAccepted, accepted.Status)

	// The shift is assigned, no proposals remain live, and the sibling
	// is superseded.
	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID, nil, nil)
	must.Eq(t, http.StatusOK, code)
	detail := decodeData[shiftReadResponse](t, resp)
	must.Eq(t, structs.ShiftStatusAssigned, detail.Shift.Status)
	must.Eq(t, top.CaregiverID, detail.Shift.AssignedCaregiverID)
	must.SliceEmpty(t, detail.Proposals)

	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID+"/proposals", nil, nil)
	must.Eq(t, http.StatusOK, code)
	proposals := decodeData[[]*structs.AssignmentProposal](t, resp)
	statuses := map[structs.ProposalStatus]int{}
	for _, p := range *proposals {
		statuses[p.Status]++
	}
	must.Eq(t, 1, statuses[structs.ProposalStatusAccepted])
	must.Eq(t, 1, statuses[structs.ProposalStatusSuperseded])
}

func TestHTTP_ErrorEnvelope(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/shift/nope", nil, nil)
	must.Eq(t, http.StatusNotFound, code)
	must.Eq(t, structs.ErrCodeNotFound, resp.Code)
	must.StrContains(t, resp.Error, "nope")

	// Double-accept surfaces as a conflict.
	must.NoError(t, a.Engine().Store().UpsertCaregiver(mock.Caregiver()))
	shift := mock.Shift()
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	code, resp = httpDo(t, http.MethodPost, a.URL+"/v1/shift/"+shift.ID+"/match", nil, nil)
	must.Eq(t, http.StatusOK, code)
	var result struct{ Proposals []*structs.AssignmentProposal }
	must.NoError(t, json.Unmarshal(resp.Data, &result))
	must.Len(t, 1, result.Proposals)

	top := result.Proposals[0]
	code, _ = httpDo(t, http.MethodPost, a.URL+"/v1/proposal/"+top.ID+"/accept",
		&respondRequest{Version: top.Version}, nil)
	must.Eq(t, http.StatusOK, code)

	code, resp = httpDo(t, http.MethodPost, a.URL+"/v1/proposal/"+top.ID+"/accept",
		&respondRequest{Version: top.Version}, nil)
	must.Eq(t, http.StatusConflict, code)
	must.Eq(t, structs.ErrCodeStaleVersion, resp.Code)
}

func TestHTTP_ManualProposal(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	caregiver := mock.Caregiver()
	must.NoError(t, a.Engine().Store().UpsertCaregiver(caregiver))
	shift := mock.Shift()
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	code, resp := httpDo(t, http.MethodPost, a.URL+"/v1/proposals",
		&manualProposalRequest{ShiftID: shift.ID, CaregiverID: caregiver.ID}, nil)
	must.Eq(t, http.StatusCreated, code)
	proposal := decodeData[structs.AssignmentProposal](t, resp)
	must.Eq(t, structs.ProposalStatusPending, proposal.Status)
	must.Eq(t, caregiver.ID, proposal.CaregiverID)

	// The shift moved to PROPOSED and shows the live proposal.
	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID, nil, nil)
	must.Eq(t, http.StatusOK, code)
	detail := decodeData[shiftReadResponse](t, resp)
	must.Eq(t, structs.ShiftStatusProposed, detail.Shift.Status)
	must.Len(t, 1, detail.Proposals)

	// A body without a caregiver is rejected.
	code, _ = httpDo(t, http.MethodPost, a.URL+"/v1/proposals",
		&manualProposalRequest{ShiftID: shift.ID}, nil)
	must.Eq(t, http.StatusBadRequest, code)

	// Proposing the same caregiver again conflicts with the live
	// proposal.
	code, resp = httpDo(t, http.MethodPost, a.URL+"/v1/proposals",
		&manualProposalRequest{ShiftID: shift.ID, CaregiverID: caregiver.ID}, nil)
	must.Eq(t, http.StatusConflict, code)
	must.Eq(t, structs.ErrCodeConflict, resp.Code)
}

func TestHTTP_MetricsDisplay(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	code, _ := httpDo(t, http.MethodGet, a.URL+"/v1/metrics", nil, nil)
	must.Eq(t, http.StatusOK, code)
}

func TestHTTP_OrgScoping(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	shift := mock.Shift()
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	// A caller from another organization cannot see the shift exists.
	headers := map[string]string{
		"X-CareMatch-User": "coordinator-9",
		"X-CareMatch-Org":  "org-other",
	}
	code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID, nil, headers)
	must.Eq(t, http.StatusNotFound, code)
	must.Eq(t, structs.ErrCodeNotFound, resp.Code)

	// A same-org caller can.
	headers["X-CareMatch-Org"] = shift.OrganizationID
	code, _ = httpDo(t, http.MethodGet, a.URL+"/v1/shift/"+shift.ID, nil, headers)
	must.Eq(t, http.StatusOK, code)

	// Writes for another organization are refused outright.
	other := mock.Shift()
	other.OrganizationID = "org-other"
	code, _ = httpDo(t, http.MethodPost, a.URL+"/v1/shifts", other, headers)
	must.Eq(t, http.StatusForbidden, code)
}

func TestHTTP_CaregiverSelect_Ineligible(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	caregiver := mock.Caregiver()
	must.NoError(t, a.Engine().Store().UpsertCaregiver(caregiver))

	shift := mock.Shift()
	shift.RequiredSkills = []string{"Wound Care"}
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	code, resp := httpDo(t, http.MethodPost, a.URL+"/v1/caregiver/"+caregiver.ID+"/select",
		&selectRequest{ShiftID: shift.ID}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, code)
	must.Eq(t, structs.ErrCodeEligibility, resp.Code)

	var issues []*structs.EligibilityIssue
	must.NoError(t, json.Unmarshal(resp.Context, &issues))
	must.SliceNotEmpty(t, issues)
}

func TestHTTP_BulkSubmit(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	must.NoError(t, a.Engine().Store().UpsertCaregiver(mock.Caregiver()))
	shift := mock.Shift()
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	req := mock.BulkRequest()
	code, resp := httpDo(t, http.MethodPost, a.URL+"/v1/bulk", req, nil)
	must.Eq(t, http.StatusAccepted, code)
	submitted := decodeData[structs.BulkMatchRequest](t, resp)
	must.Eq(t, structs.BulkMatchStatusPending, submitted.Status)

	// With no Redis configured the job runs in-process; poll for the
	// terminal status.
	testutil.WaitForResult(func() (bool, error) {
		code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/bulk/"+req.ID, nil, nil)
		if code != http.StatusOK {
			return false, fmt.Errorf("unexpected status %d", code)
		}
		got := decodeData[structs.BulkMatchRequest](t, resp)
		if got.Status != structs.BulkMatchStatusComplete {
			return false, fmt.Errorf("bulk request is %s", got.Status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("bulk request never completed: %v", err)
	})

	// The in-window shift got its proposal.
	live, err := a.Engine().Store().NonTerminalProposals(shift.ID)
	must.NoError(t, err)
	must.Len(t, 1, live)
}

func TestHTTP_MatchingMetrics(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	must.NoError(t, a.Engine().Store().UpsertCaregiver(mock.Caregiver()))
	shift := mock.Shift()
	must.NoError(t, a.Engine().Store().UpsertShift(shift))

	code, resp := httpDo(t, http.MethodPost, a.URL+"/v1/shift/"+shift.ID+"/match", nil, nil)
	must.Eq(t, http.StatusOK, code)
	var result struct{ Proposals []*structs.AssignmentProposal }
	must.NoError(t, json.Unmarshal(resp.Data, &result))
	top := result.Proposals[0]

	code, _ = httpDo(t, http.MethodPost, a.URL+"/v1/proposal/"+top.ID+"/accept",
		&respondRequest{Version: top.Version}, nil)
	must.Eq(t, http.StatusOK, code)

	url := fmt.Sprintf("%s/v1/metrics/matching?org=%s", a.URL, shift.OrganizationID)
	code, resp = httpDo(t, http.MethodGet, url, nil, nil)
	must.Eq(t, http.StatusOK, code)

	kpis := decodeData[structs.MatchingKPIs](t, resp)
	must.Eq(t, 1, kpis.Accepted)
	must.Eq(t, float64(1), kpis.FillRate)

	// A backwards window is rejected.
	url = fmt.Sprintf("%s/v1/metrics/matching?org=%s&from=%s&to=%s", a.URL, shift.OrganizationID,
		time.Now().UTC().Format(time.RFC3339),
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339))
	code, _ = httpDo(t, http.MethodGet, url, nil, nil)
	must.Eq(t, http.StatusBadRequest, code)
}

func TestHTTP_Preferences(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	caregiver := mock.Caregiver()
	must.NoError(t, a.Engine().Store().UpsertCaregiver(caregiver))

	// No profile yet.
	code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/caregiver/"+caregiver.ID+"/preferences", nil, nil)
	must.Eq(t, http.StatusNotFound, code)
	must.Eq(t, structs.ErrCodeNotFound, resp.Code)

	profile := mock.PreferenceProfile(caregiver.ID)
	code, resp = httpDo(t, http.MethodPut, a.URL+"/v1/caregiver/"+caregiver.ID+"/preferences", profile, nil)
	must.Eq(t, http.StatusOK, code)
	stored := decodeData[structs.CaregiverPreferenceProfile](t, resp)
	must.Eq(t, caregiver.ID, stored.CaregiverID)
	must.Eq(t, uint64(1), stored.Version)
}

func TestHTTP_ConfigResolution(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	// Defaults come back when nothing is stored.
	code, resp := httpDo(t, http.MethodGet, a.URL+"/v1/configurations?org=org-1", nil, nil)
	must.Eq(t, http.StatusOK, code)
	cfg := decodeData[structs.MatchingConfiguration](t, resp)
	must.Eq(t, 60, cfg.MinScoreForProposal)

	// An org default overrides them.
	custom := mock.MatchingConfig()
	custom.MinScoreForProposal = 75
	custom.Version = 0
	code, _ = httpDo(t, http.MethodPost, a.URL+"/v1/configurations", custom, nil)
	must.Eq(t, http.StatusCreated, code)

	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/configurations?org=org-1", nil, nil)
	must.Eq(t, http.StatusOK, code)
	cfg = decodeData[structs.MatchingConfiguration](t, resp)
	must.Eq(t, 75, cfg.MinScoreForProposal)

	// Read and update the stored row by id.
	code, resp = httpDo(t, http.MethodGet, a.URL+"/v1/configuration/"+custom.ID, nil, nil)
	must.Eq(t, http.StatusOK, code)
	stored := decodeData[structs.MatchingConfiguration](t, resp)
	must.Eq(t, uint64(1), stored.Version)

	stored.MinScoreForProposal = 80
	code, resp = httpDo(t, http.MethodPut, a.URL+"/v1/configuration/"+stored.ID, stored, nil)
	must.Eq(t, http.StatusOK, code)
	updated := decodeData[structs.MatchingConfiguration](t, resp)
	must.Eq(t, uint64(2), updated.Version)

	// A write carrying a stale version is refused.
	stored.Version = 1
	code, resp = httpDo(t, http.MethodPut, a.URL+"/v1/configuration/"+stored.ID, stored, nil)
	must.Eq(t, http.StatusConflict, code)
	must.Eq(t, structs.ErrCodeStaleVersion, resp.Code)
}
