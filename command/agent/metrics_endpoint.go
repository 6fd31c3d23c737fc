// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"time"
)

// MatchingMetricsRequest aggregates matching KPIs for an organization
// over [from, to); the window defaults to the trailing 30 days.
func (s *HTTPServer) MatchingMetricsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	org, err := requireOrg(req)
	if err != nil {
		return nil, err
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if t, err := parseTime(req, "from"); err != nil {
		return nil, err
	} else if t != nil {
		from = *t
	}
	if t, err := parseTime(req, "to"); err != nil {
		return nil, err
	} else if t != nil {
		to = *t
	}
	if !from.Before(to) {
		return nil, CodedError(http.StatusBadRequest, "from must precede to")
	}

	return s.agent.Engine().KPIs(org, from, to)
}

// MetricsRequest renders the process telemetry sink: every counter,
// gauge, and timer the engine has emitted in the retained window.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return s.agent.InmemSink().DisplayMetrics(resp, req)
}

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
}

// HealthRequest reports liveness; orchestrators probe it.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return &healthResponse{
		Status:  "ok",
		Version: s.agent.config.Version.VersionNumber(),
		Storage: s.agent.config.Storage.Backend,
	}, nil
}
