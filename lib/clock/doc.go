// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for code that waits: long-poll
// timeouts, delivery backoff, media retention, signing key validity.
// Services take a Clock in their Config and default to Real; tests
// substitute Fake and move time by hand, so a ten-second sync timeout
// fires in microseconds and an eight-day retention sweep needs no
// sleeping.
//
// The interface is deliberately small. Periodic work belongs to the
// scheduler rather than to tickers handed out here, so Clock covers
// exactly two operations: reading the current time and waiting for a
// deadline.
//
// A FakeClock never advances on its own. A test that starts a
// goroutine which will block on After must call WaitForTimers before
// Advance, otherwise the advance can race the registration and the
// waiter sleeps forever:
//
//	fake := clock.Fake(time.Unix(1_700_000_000, 0))
//	go poll(fake) // blocks on fake.After(10 * time.Second)
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock
