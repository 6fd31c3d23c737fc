// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carematch/carematch/carematch"
	"github.com/carematch/carematch/carematch/structs"
)

// ShiftsRequest serves the shift collection: listing and creation.
func (s *HTTPServer) ShiftsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	switch req.Method {
	case http.MethodGet:
		return s.shiftList(req)
	case http.MethodPost:
		return s.shiftUpsert(req, "")
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// ShiftSpecificRequest routes /v1/shift/<id> and its sub-resources.
func (s *HTTPServer) ShiftSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/shift/")
	switch {
	case strings.HasSuffix(path, "/match"):
		return s.shiftMatch(req, strings.TrimSuffix(path, "/match"))
	case strings.HasSuffix(path, "/candidates"):
		return s.shiftCandidates(req, strings.TrimSuffix(path, "/candidates"))
	case strings.HasSuffix(path, "/proposals"):
		return s.shiftProposals(req, strings.TrimSuffix(path, "/proposals"))
	case strings.HasSuffix(path, "/history"):
		return s.shiftHistory(req, strings.TrimSuffix(path, "/history"))
	case strings.HasSuffix(path, "/withdraw"):
		return s.shiftWithdraw(req, strings.TrimSuffix(path, "/withdraw"))
	default:
		return s.shiftCRUD(req, path)
	}
}

func (s *HTTPServer) shiftCRUD(req *http.Request, id string) (any, error) {
	switch req.Method {
	case http.MethodGet:
		return s.shiftRead(req, id)
	case http.MethodPut:
		return s.shiftUpsert(req, id)
	case http.MethodDelete:
		return s.shiftDelete(req, id)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// shiftQuery fetches one shift. A caller scoped to another organization
// sees not-found rather than a confirmation the id exists.
func (s *HTTPServer) shiftQuery(req *http.Request, id string) (*structs.OpenShift, error) {
	shift, err := s.agent.Engine().Store().ShiftByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(shift.OrganizationID) {
		return nil, structs.NewNotFoundError("shift", id)
	}
	return shift, nil
}

// shiftReadResponse pairs a shift with its live proposals for the
// coordinator detail view.
type shiftReadResponse struct {
	Shift     *structs.OpenShift            `json:"shift"`
	Proposals []*structs.AssignmentProposal `json:"proposals"`
}

func (s *HTTPServer) shiftRead(req *http.Request, id string) (any, error) {
	shift, err := s.shiftQuery(req, id)
	if err != nil {
		return nil, err
	}
	proposals, err := s.agent.Engine().Store().NonTerminalProposals(id)
	if err != nil {
		return nil, err
	}
	return &shiftReadResponse{Shift: shift, Proposals: proposals}, nil
}

func (s *HTTPServer) shiftList(req *http.Request) (any, error) {
	org, err := requireOrg(req)
	if err != nil {
		return nil, err
	}
	opts, err := parsePagination(req)
	if err != nil {
		return nil, err
	}

	filter := &structs.ShiftListFilter{
		OrganizationID: org,
		BranchID:       req.URL.Query().Get("branch"),
		Status:         structs.ShiftStatus(req.URL.Query().Get("status")),
		UrgentOnly:     req.URL.Query().Get("urgent") == "true",
	}
	if filter.DateFrom, err = parseTime(req, "date_from"); err != nil {
		return nil, err
	}
	if filter.DateTo, err = parseTime(req, "date_to"); err != nil {
		return nil, err
	}

	shifts, meta, err := s.agent.Engine().Store().ListShifts(filter, opts)
	if err != nil {
		return nil, err
	}
	return &listResponse{items: shifts, meta: meta}, nil
}

func (s *HTTPServer) shiftUpsert(req *http.Request, id string) (any, error) {
	var shift structs.OpenShift
	if err := decodeBody(req, &shift); err != nil {
		return nil, err
	}
	if id != "" && shift.ID != id {
		return nil, CodedError(http.StatusBadRequest, "shift id does not match request path")
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(shift.OrganizationID) {
		return nil, CodedError(http.StatusForbidden, "organization not permitted")
	}

	if err := s.agent.Engine().Store().UpsertShift(&shift); err != nil {
		return nil, err
	}
	stored, err := s.agent.Engine().Store().ShiftByID(shift.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version == 1 {
		return &codedResponse{code: http.StatusCreated, obj: stored}, nil
	}
	return stored, nil
}

func (s *HTTPServer) shiftDelete(req *http.Request, id string) (any, error) {
	version, err := parseVersion(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}
	return nil, s.agent.Engine().Store().DeleteShift(id, version, time.Now().UTC())
}

// matchRequest is the optional body of POST /v1/shift/<id>/match.
type matchRequest struct {
	MaxCandidates int `json:"max_candidates"`
	MaxProposals  int `json:"max_proposals"`
}

func (s *HTTPServer) shiftMatch(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}

	var body matchRequest
	if req.ContentLength > 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
	}

	result, err := s.agent.Engine().MatchShift(req.Context(), id, carematch.MatchOptions{
		MaxCandidates: body.MaxCandidates,
		MaxProposals:  body.MaxProposals,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// shiftCandidates ranks without issuing proposals, for coordinator
// preview.
func (s *HTTPServer) shiftCandidates(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}

	maxCandidates := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, CodedError(http.StatusBadRequest, "invalid limit")
		}
		maxCandidates = n
	}

	result, err := s.agent.Engine().MatchShift(req.Context(), id, carematch.MatchOptions{
		EvaluateOnly:  true,
		MaxCandidates: maxCandidates,
	})
	if err != nil {
		return nil, err
	}
	return result.Candidates, nil
}

func (s *HTTPServer) shiftProposals(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}
	return s.agent.Engine().Store().ProposalsByShift(id)
}

func (s *HTTPServer) shiftHistory(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}
	return s.agent.Engine().Store().HistoryByShift(id)
}

// shiftWithdraw cancels every live proposal for a shift, returning it to
// MATCHING.
func (s *HTTPServer) shiftWithdraw(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.shiftQuery(req, id); err != nil {
		return nil, err
	}
	n, err := s.agent.Engine().Store().WithdrawProposalsForShift(id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return map[string]int{"withdrawn": n}, nil
}
