// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// manualProposalRequest is the body of POST /v1/proposals: a
// coordinator proposing a specific caregiver for a shift directly.
type manualProposalRequest struct {
	ShiftID        string `json:"shift_id"`
	CaregiverID    string `json:"caregiver_id"`
	ExpiresMinutes int    `json:"expires_minutes"`
}

// ProposalsRequest serves the proposal collection. Creation is the
// coordinator override path: it skips the score floor but not the
// eligibility checks.
func (s *HTTPServer) ProposalsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var body manualProposalRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.ShiftID == "" || body.CaregiverID == "" {
		return nil, CodedError(http.StatusBadRequest, "shift_id and caregiver_id are required")
	}

	if uc := parseUserContext(req); uc != nil {
		shift, err := s.agent.Engine().Store().ShiftByID(body.ShiftID)
		if err != nil {
			return nil, err
		}
		if !uc.AllowOrganization(shift.OrganizationID) {
			return nil, CodedError(http.StatusForbidden, "organization not permitted")
		}
	}

	ttl := time.Duration(body.ExpiresMinutes) * time.Minute
	proposal, err := s.agent.Engine().Proposals.ProposeManual(req.Context(), body.ShiftID, body.CaregiverID, ttl)
	if err != nil {
		return nil, err
	}
	return &codedResponse{code: http.StatusCreated, obj: proposal}, nil
}

// ProposalSpecificRequest routes /v1/proposal/<id> and its lifecycle
// actions.
func (s *HTTPServer) ProposalSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/proposal/")
	switch {
	case strings.HasSuffix(path, "/accept"):
		return s.proposalRespond(req, strings.TrimSuffix(path, "/accept"), true)
	case strings.HasSuffix(path, "/reject"):
		return s.proposalRespond(req, strings.TrimSuffix(path, "/reject"), false)
	case strings.HasSuffix(path, "/sent"):
		return s.proposalMark(req, strings.TrimSuffix(path, "/sent"), true)
	case strings.HasSuffix(path, "/viewed"):
		return s.proposalMark(req, strings.TrimSuffix(path, "/viewed"), false)
	default:
		if req.Method != http.MethodGet {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		return s.proposalQuery(req, path)
	}
}

// proposalQuery fetches one proposal, scoped through its shift's
// organization.
func (s *HTTPServer) proposalQuery(req *http.Request, id string) (*structs.AssignmentProposal, error) {
	proposal, err := s.agent.Engine().Store().ProposalByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil {
		shift, err := s.agent.Engine().Store().ShiftByID(proposal.ShiftID)
		if err != nil {
			return nil, err
		}
		if !uc.AllowOrganization(shift.OrganizationID) {
			return nil, structs.NewNotFoundError("proposal", id)
		}
	}
	return proposal, nil
}

// respondRequest is the body of accept and reject calls. Version guards
// against responding to a proposal that changed since it was read.
type respondRequest struct {
	Version  uint64                    `json:"version"`
	Actor    string                    `json:"actor"`
	Reason   string                    `json:"reason"`
	Category structs.RejectionCategory `json:"category"`
}

func (s *HTTPServer) proposalRespond(req *http.Request, id string, accept bool) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.proposalQuery(req, id); err != nil {
		return nil, err
	}

	var body respondRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	actor := body.Actor
	if uc := parseUserContext(req); actor == "" && uc != nil {
		actor = uc.UserID
	}

	return s.agent.Engine().Proposals.Respond(req.Context(), id, body.Version, accept,
		actor, body.Reason, body.Category)
}

// proposalMark advances delivery state: PENDING to SENT to VIEWED.
func (s *HTTPServer) proposalMark(req *http.Request, id string, sent bool) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.proposalQuery(req, id); err != nil {
		return nil, err
	}
	if sent {
		return s.agent.Engine().Proposals.MarkSent(id)
	}
	return s.agent.Engine().Proposals.MarkViewed(id)
}
