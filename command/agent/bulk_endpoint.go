// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/carematch/carematch/carematch/structs"
)

// BulkRequest serves the bulk-match collection: submission and listing.
func (s *HTTPServer) BulkRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	switch req.Method {
	case http.MethodGet:
		org, err := requireOrg(req)
		if err != nil {
			return nil, err
		}
		return s.agent.Engine().Store().BulkRequestsByOrg(org)
	case http.MethodPost:
		return s.bulkSubmit(req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// bulkSubmit validates, persists, and schedules a bulk job. The response
// is 202: the job runs on the worker, and progress is read back from
// GET /v1/bulk/<id>.
func (s *HTTPServer) bulkSubmit(req *http.Request) (any, error) {
	var body structs.BulkMatchRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing bulk request id")
	}
	if uc := parseUserContext(req); uc != nil {
		if !uc.AllowOrganization(body.OrganizationID) {
			return nil, CodedError(http.StatusForbidden, "organization not permitted")
		}
		if body.SubmittedBy == "" {
			body.SubmittedBy = uc.UserID
		}
	}

	stored, err := s.agent.Engine().SubmitBulkRequest(&body)
	if err != nil {
		return nil, err
	}
	if err := s.agent.EnqueueBulk(stored.ID); err != nil {
		return nil, err
	}
	return &codedResponse{code: http.StatusAccepted, obj: stored}, nil
}

// BulkSpecificRequest serves GET /v1/bulk/<id>.
func (s *HTTPServer) BulkSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	id := strings.TrimPrefix(req.URL.Path, "/v1/bulk/")

	bulkReq, err := s.agent.Engine().Store().BulkRequestByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(bulkReq.OrganizationID) {
		return nil, structs.NewNotFoundError("bulk request", id)
	}
	return bulkReq, nil
}
