// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package math

import (
	"math/rand"
	"time"
)

// RandomizedTimeout returns a duration drawn uniformly from
// [0.5*base, 1.5*base). Keepalive and reconnect intervals are jittered
// this way so that a cluster restarted at once does not fire its timers
// in lockstep.
func RandomizedTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}
