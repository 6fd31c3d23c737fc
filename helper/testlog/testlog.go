// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so test
// output stays attached to the test that produced it.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the subset of testing.T needed by the test logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a trace-level hclog.Logger for t. Set CM_TEST_STDOUT
// to write to stdout instead, which survives test panics.
func HCLogger(t LogPrinter) hclog.Logger {
	var out io.Writer = NewWriter(t)
	if os.Getenv("CM_TEST_STDOUT") != "" {
		out = os.Stdout
	}
	return hclog.New(&hclog.LoggerOptions{
		Level:           hclog.Trace,
		Output:          out,
		IncludeLocation: true,
	})
}
