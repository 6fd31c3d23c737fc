// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWait_WaitForResult(t *testing.T) {
	polls := 0
	WaitForResult(func() (bool, error) {
		polls++
		if polls < 3 {
			return false, errors.New("not yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	require.Equal(t, 3, polls)
}

func TestWait_WaitForResultRetries_Exhausted(t *testing.T) {
	polls := 0
	var last error
	WaitForResultRetries(5, func() (bool, error) {
		polls++
		return false, errors.New("still waiting")
	}, func(err error) {
		last = err
	})

	// The error callback receives the final poll's error once the
	// retry budget runs out.
	require.Equal(t, 5, polls)
	require.EqualError(t, last, "still waiting")
}
