// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets time-dependent code run against a controllable
// clock in tests.
//
// Code that stamps events or waits between retries takes a [Clock]
// instead of calling the time package. Production passes [Real]; tests
// pass [Fake] and move time forward with [FakeClock.Advance]:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go loop(ctx, c)
//	c.WaitForTimers(1)
//	c.Advance(2 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering its
// timer and the test advancing past it.
package clock
