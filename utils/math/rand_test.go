// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package math

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomizedTimeoutBounds(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 1000; i++ {
		d := RandomizedTimeout(base)
		require.GreaterOrEqual(t, d, base/2)
		require.Less(t, d, 3*base/2)
	}
}

func TestRandomizedTimeoutZeroBase(t *testing.T) {
	require.Zero(t, RandomizedTimeout(0))
}
