// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/carematch/carematch/helper/testlog"
)

// TestAgent wraps a fully started agent and HTTP server bound to an
// ephemeral port.
type TestAgent struct {
	*Agent
	Server *HTTPServer

	// URL is the base address of the HTTP API, e.g. http://127.0.0.1:4121.
	URL string
}

// NewTestAgent starts an agent on the memory backend. cb mutates the
// config before startup; pass nil for the defaults.
func NewTestAgent(t *testing.T, cb func(*Config)) *TestAgent {
	t.Helper()

	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.Port = 0
	if cb != nil {
		cb(config)
	}
	must.NoError(t, config.Finalize())

	agent, err := NewAgent(config, testlog.HCLogger(t))
	must.NoError(t, err)

	srv, err := NewHTTPServer(agent, config)
	must.NoError(t, err)

	a := &TestAgent{
		Agent:  agent,
		Server: srv,
		URL:    "http://" + srv.Addr,
	}
	t.Cleanup(func() {
		srv.Shutdown()
		_ = agent.Shutdown()
	})
	return a
}
