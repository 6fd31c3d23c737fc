// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/carematch/carematch/carematch/structs"
)

// ErrInvalidMethod is used if the HTTP method is not supported.
const ErrInvalidMethod = "Invalid method"

// allowCORS sets permissive CORS headers for the caregiver-facing
// endpoints, which browsers hit cross-origin from the mobile web app.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST", "PUT"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over HTTP.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts the HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		return nil, err
	}
	handler := handlers.ProxyHeaders(gzip(mux))

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, handler)
	}()

	return srv, nil
}

// Shutdown closes the listener and waits for the serve loop to return.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/shifts", s.wrap(s.ShiftsRequest))
	s.mux.HandleFunc("/v1/shift/", s.wrap(s.ShiftSpecificRequest))

	s.mux.HandleFunc("/v1/caregivers", s.wrap(s.CaregiversRequest))
	s.mux.Handle("/v1/caregiver/", wrapCORS(s.wrap(s.CaregiverSpecificRequest)))
	s.mux.HandleFunc("/v1/visits", s.wrap(s.VisitsRequest))

	s.mux.HandleFunc("/v1/proposals", s.wrap(s.ProposalsRequest))
	s.mux.Handle("/v1/proposal/", wrapCORS(s.wrap(s.ProposalSpecificRequest)))

	s.mux.HandleFunc("/v1/bulk", s.wrap(s.BulkRequest))
	s.mux.HandleFunc("/v1/bulk/", s.wrap(s.BulkSpecificRequest))

	s.mux.HandleFunc("/v1/configurations", s.wrap(s.ConfigsRequest))
	s.mux.HandleFunc("/v1/configuration/", s.wrap(s.ConfigSpecificRequest))
	s.mux.HandleFunc("/v1/experiments", s.wrap(s.ExperimentsRequest))
	s.mux.HandleFunc("/v1/experiment/", s.wrap(s.ExperimentSpecificRequest))
	s.mux.HandleFunc("/v1/models", s.wrap(s.ModelsRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))
	s.mux.HandleFunc("/v1/metrics/matching", s.wrap(s.MatchingMetricsRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}

// successEnvelope is the body of every 2xx response.
type successEnvelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

// errorEnvelope is the body of every error response. Code is the stable
// machine-readable field; the message is informational only.
type errorEnvelope struct {
	Error   string            `json:"error"`
	Code    structs.ErrorCode `json:"code"`
	Context any               `json:"context,omitempty"`
}

// codedResponse lets a handler override the 200 default, e.g. 201 on
// resource creation or 207 on partially applied bulk work.
type codedResponse struct {
	code int
	obj  any
}

// listResponse carries a page of results plus its pagination meta.
type listResponse struct {
	items any
	meta  *structs.QueryMeta
}

// HTTPCodedError carries an explicit HTTP status code.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError builds an HTTPCodedError.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// statusForError maps engine error codes onto HTTP statuses.
func statusForError(err error) int {
	if coded, ok := err.(HTTPCodedError); ok {
		return coded.Code()
	}
	switch structs.CodeForError(err) {
	case structs.ErrCodeValidation:
		return http.StatusBadRequest
	case structs.ErrCodeNotFound:
		return http.StatusNotFound
	case structs.ErrCodeConflict, structs.ErrCodeStaleVersion:
		return http.StatusConflict
	case structs.ErrCodeEligibility:
		return http.StatusUnprocessableEntity
	case structs.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// wrap turns a handler returning (obj, error) into an http.HandlerFunc
// that writes the response envelopes.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (any, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			s.writeError(resp, req, err)
			return
		}
		if obj == nil {
			resp.WriteHeader(http.StatusNoContent)
			return
		}

		code := http.StatusOK
		if coded, ok := obj.(*codedResponse); ok {
			code = coded.code
			obj = coded.obj
		}

		env := successEnvelope{Data: obj}
		if list, ok := obj.(*listResponse); ok {
			env.Data = list.items
			env.Meta = list.meta
		}

		buf, err := json.Marshal(env)
		if err != nil {
			s.writeError(resp, req, err)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.WriteHeader(code)
		resp.Write(buf)
	}
}

func (s *HTTPServer) writeError(resp http.ResponseWriter, req *http.Request, err error) {
	code := statusForError(err)
	if code >= 500 {
		s.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", req.Method, "path", req.URL.Path, "error", err)
	}

	env := errorEnvelope{Error: err.Error(), Code: structs.CodeForError(err)}
	var elig *structs.EligibilityError
	if errors.As(err, &elig) {
		env.Context = elig.Issues
	}

	buf, _ := json.Marshal(env)
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	resp.Write(buf)
}

// decodeBody decodes a JSON request body, rejecting unknown garbage as a
// validation error.
func decodeBody(req *http.Request, out any) error {
	if req.Body == nil || req.ContentLength == 0 {
		return fmt.Errorf("request body required: %w", structs.ErrValidation)
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode request body: %v: %w", err, structs.ErrValidation)
	}
	return nil
}

// parseUserContext lifts the caller identity out of the gateway headers.
// Authentication happens upstream at the API gateway; the agent trusts
// these headers and enforces scoping only.
func parseUserContext(req *http.Request) *structs.UserContext {
	userID := req.Header.Get("X-CareMatch-User")
	if userID == "" {
		return nil
	}
	uc := &structs.UserContext{
		UserID:         userID,
		OrganizationID: req.Header.Get("X-CareMatch-Org"),
	}
	if roles := req.Header.Get("X-CareMatch-Roles"); roles != "" {
		uc.Roles = strings.Split(roles, ",")
	}
	if branches := req.Header.Get("X-CareMatch-Branches"); branches != "" {
		uc.BranchIDs = strings.Split(branches, ",")
	}
	return uc
}

// requireOrg resolves the acting organization: the caller's own org, or
// the explicit query parameter when it matches.
func requireOrg(req *http.Request) (string, error) {
	uc := parseUserContext(req)
	queryOrg := req.URL.Query().Get("org")

	switch {
	case uc == nil && queryOrg == "":
		return "", fmt.Errorf("missing organization: %w", structs.ErrValidation)
	case uc == nil:
		return queryOrg, nil
	case queryOrg != "" && !uc.AllowOrganization(queryOrg):
		return "", CodedError(http.StatusForbidden, "organization not permitted")
	case queryOrg != "":
		return queryOrg, nil
	default:
		return uc.OrganizationID, nil
	}
}

// parsePagination reads per_page and next_token.
func parsePagination(req *http.Request) (*structs.QueryOptions, error) {
	opts := &structs.QueryOptions{
		NextToken: req.URL.Query().Get("next_token"),
	}
	if raw := req.URL.Query().Get("per_page"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid per_page %q: %w", raw, structs.ErrValidation)
		}
		opts.PerPage = int32(n)
	}
	return opts, nil
}

// parseTime reads an RFC3339 query parameter.
func parseTime(req *http.Request, name string) (*time.Time, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, raw, structs.ErrValidation)
	}
	t = t.UTC()
	return &t, nil
}

// parseVersion reads the expected entity version for guarded writes.
func parseVersion(req *http.Request) (uint64, error) {
	raw := req.URL.Query().Get("version")
	if raw == "" {
		return 0, fmt.Errorf("missing version parameter: %w", structs.ErrValidation)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", raw, structs.ErrValidation)
	}
	return v, nil
}
