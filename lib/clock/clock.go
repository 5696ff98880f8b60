// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into services. Real returns the
// system clock; Fake returns a manually advanced clock for tests.
type Clock interface {
	// Now reports the current time.
	Now() time.Time

	// After returns a channel that delivers the clock's time once d
	// has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns the system Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
