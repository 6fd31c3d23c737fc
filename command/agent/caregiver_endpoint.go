// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/carematch/carematch/carematch/structs"
)

// CaregiversRequest serves caregiver creation and replacement.
func (s *HTTPServer) CaregiversRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var caregiver structs.Caregiver
	if err := decodeBody(req, &caregiver); err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(caregiver.OrganizationID) {
		return nil, CodedError(http.StatusForbidden, "organization not permitted")
	}

	if err := s.agent.Engine().Store().UpsertCaregiver(&caregiver); err != nil {
		return nil, err
	}
	stored, err := s.agent.Engine().Store().CaregiverByID(caregiver.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version == 1 {
		return &codedResponse{code: http.StatusCreated, obj: stored}, nil
	}
	return stored, nil
}

// CaregiverSpecificRequest routes /v1/caregiver/<id> and its
// sub-resources, including the self-service surface the mobile app uses.
func (s *HTTPServer) CaregiverSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/caregiver/")
	switch {
	case strings.HasSuffix(path, "/proposals"):
		return s.caregiverProposals(req, strings.TrimSuffix(path, "/proposals"))
	case strings.HasSuffix(path, "/select"):
		return s.caregiverSelect(req, strings.TrimSuffix(path, "/select"))
	case strings.HasSuffix(path, "/preferences"):
		return s.caregiverPreferences(req, strings.TrimSuffix(path, "/preferences"))
	default:
		if req.Method != http.MethodGet {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		return s.caregiverQuery(req, path)
	}
}

func (s *HTTPServer) caregiverQuery(req *http.Request, id string) (*structs.Caregiver, error) {
	caregiver, err := s.agent.Engine().Store().CaregiverByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(caregiver.OrganizationID) {
		return nil, structs.NewNotFoundError("caregiver", id)
	}
	return caregiver, nil
}

// caregiverProposals lists a caregiver's proposals; respondable=true
// narrows to the ones still awaiting an answer.
func (s *HTTPServer) caregiverProposals(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.caregiverQuery(req, id); err != nil {
		return nil, err
	}
	respondable := req.URL.Query().Get("respondable") == "true"
	return s.agent.Engine().Store().ProposalsByCaregiver(id, respondable)
}

// selectRequest is the body of the caregiver self-select call.
type selectRequest struct {
	ShiftID string `json:"shift_id"`
}

// caregiverSelect lets a caregiver claim an open shift directly. The
// engine re-checks eligibility and either issues a proposal or
// auto-assigns above the configured threshold.
func (s *HTTPServer) caregiverSelect(req *http.Request, id string) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.caregiverQuery(req, id); err != nil {
		return nil, err
	}

	var body selectRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.ShiftID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing shift_id")
	}

	proposal, err := s.agent.Engine().Proposals.CaregiverSelectShift(req.Context(), id, body.ShiftID)
	if err != nil {
		return nil, err
	}
	return &codedResponse{code: http.StatusCreated, obj: proposal}, nil
}

func (s *HTTPServer) caregiverPreferences(req *http.Request, id string) (any, error) {
	if _, err := s.caregiverQuery(req, id); err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodGet:
		profile, err := s.agent.Engine().Store().PreferenceProfile(id)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, structs.NewNotFoundError("preference profile", id)
		}
		return profile, nil
	case http.MethodPut:
		var profile structs.CaregiverPreferenceProfile
		if err := decodeBody(req, &profile); err != nil {
			return nil, err
		}
		if profile.CaregiverID != id {
			return nil, CodedError(http.StatusBadRequest, "caregiver id does not match request path")
		}
		if err := s.agent.Engine().Store().UpsertPreferenceProfile(&profile); err != nil {
			return nil, err
		}
		return s.agent.Engine().Store().PreferenceProfile(id)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// VisitsRequest records committed visits, which feed availability and
// history scoring.
func (s *HTTPServer) VisitsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var visit structs.ScheduledVisit
	if err := decodeBody(req, &visit); err != nil {
		return nil, err
	}
	if err := s.agent.Engine().Store().UpsertVisit(&visit); err != nil {
		return nil, err
	}
	return &codedResponse{code: http.StatusCreated, obj: &visit}, nil
}
