// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ci holds small helpers for annotating tests.
package ci

import (
	"os"
	"testing"
)

// Parallel marks the test to run in parallel with other parallel tests.
func Parallel(t *testing.T) {
	t.Parallel()
}

// SkipSlow skips slow tests unless CI or the named environment variable
// requests them.
func SkipSlow(t *testing.T, envVar string) {
	if os.Getenv(envVar) == "" && os.Getenv("CI") == "" {
		t.Skipf("skipping slow test; set %s or CI to run", envVar)
	}
}
