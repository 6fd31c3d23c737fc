// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/carematch/carematch/carematch/structs"
)

// ConfigsRequest serves matching-configuration reads and writes. Reads
// resolve the effective policy for an org and branch, falling back
// through the org default to the engine defaults.
func (s *HTTPServer) ConfigsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	switch req.Method {
	case http.MethodGet:
		org, err := requireOrg(req)
		if err != nil {
			return nil, err
		}
		return s.agent.Engine().Store().MatchingConfigFor(org, req.URL.Query().Get("branch"))
	case http.MethodPost:
		return s.configUpsert(req, "")
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// ConfigSpecificRequest serves one stored configuration by id: GET reads
// it, PUT replaces it under the usual version guard.
func (s *HTTPServer) ConfigSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	id := strings.TrimPrefix(req.URL.Path, "/v1/configuration/")
	switch req.Method {
	case http.MethodGet:
		return s.configQuery(req, id)
	case http.MethodPut:
		return s.configUpsert(req, id)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) configQuery(req *http.Request, id string) (*structs.MatchingConfiguration, error) {
	cfg, err := s.agent.Engine().Store().MatchingConfigByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(cfg.OrganizationID) {
		return nil, structs.NewNotFoundError("matching configuration", id)
	}
	return cfg, nil
}

func (s *HTTPServer) configUpsert(req *http.Request, id string) (any, error) {
	var cfg structs.MatchingConfiguration
	if err := decodeBody(req, &cfg); err != nil {
		return nil, err
	}
	if id != "" && cfg.ID != id {
		return nil, CodedError(http.StatusBadRequest, "configuration id does not match request path")
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(cfg.OrganizationID) {
		return nil, CodedError(http.StatusForbidden, "organization not permitted")
	}

	// Writes go through the engine so the resolution cache is purged.
	if err := s.agent.Engine().UpsertMatchingConfig(&cfg); err != nil {
		return nil, err
	}
	stored, err := s.agent.Engine().Store().MatchingConfigByID(cfg.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version == 1 {
		return &codedResponse{code: http.StatusCreated, obj: stored}, nil
	}
	return stored, nil
}

// ExperimentsRequest serves experiment definition writes.
func (s *HTTPServer) ExperimentsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var exp structs.Experiment
	if err := decodeBody(req, &exp); err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(exp.OrganizationID) {
		return nil, CodedError(http.StatusForbidden, "organization not permitted")
	}

	if err := s.agent.Engine().Store().UpsertExperiment(&exp); err != nil {
		return nil, err
	}
	stored, err := s.agent.Engine().Store().ExperimentByID(exp.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version == 1 {
		return &codedResponse{code: http.StatusCreated, obj: stored}, nil
	}
	return stored, nil
}

// ExperimentSpecificRequest routes /v1/experiment/<id> and its report.
func (s *HTTPServer) ExperimentSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	path := strings.TrimPrefix(req.URL.Path, "/v1/experiment/")
	if id, ok := strings.CutSuffix(path, "/report"); ok {
		if _, err := s.experimentQuery(req, id); err != nil {
			return nil, err
		}
		return s.agent.Engine().Experiments.Report(id)
	}
	return s.experimentQuery(req, path)
}

func (s *HTTPServer) experimentQuery(req *http.Request, id string) (*structs.Experiment, error) {
	exp, err := s.agent.Engine().Store().ExperimentByID(id)
	if err != nil {
		return nil, err
	}
	if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(exp.OrganizationID) {
		return nil, structs.NewNotFoundError("experiment", id)
	}
	return exp, nil
}

// ModelsRequest serves the model registry: GET resolves the active model
// for an organization, POST registers or updates an entry. Activating an
// entry demotes the previous active model atomically.
func (s *HTTPServer) ModelsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	switch req.Method {
	case http.MethodGet:
		org, err := requireOrg(req)
		if err != nil {
			return nil, err
		}
		return s.agent.Engine().Store().ActiveModel(org)
	case http.MethodPost:
		var entry structs.ModelRegistryEntry
		if err := decodeBody(req, &entry); err != nil {
			return nil, err
		}
		if uc := parseUserContext(req); uc != nil && !uc.AllowOrganization(entry.OrganizationID) {
			return nil, CodedError(http.StatusForbidden, "organization not permitted")
		}
		if err := s.agent.Engine().Store().UpsertModelEntry(&entry); err != nil {
			return nil, err
		}
		stored, err := s.agent.Engine().Store().ModelByID(entry.ID)
		if err != nil {
			return nil, err
		}
		if stored.Version == 1 {
			return &codedResponse{code: http.StatusCreated, obj: stored}, nil
		}
		return stored, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}
