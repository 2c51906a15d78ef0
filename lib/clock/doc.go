// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The agent's scheduler multiplexes five periodic activities over
// tickers; testing that loop against the wall clock would be slow and
// flaky. Production code therefore accepts a Clock and tests inject
// Fake(), which advances only when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	agent := New(Config{Clock: c, ...})
//	go agent.Run(ctx)
//	c.WaitForTimers(5)          // all five tickers registered
//	c.Advance(10 * time.Second) // fire the sample ticker
//
// WaitForTimers closes the race between a goroutine registering its
// tickers and the test advancing time.
package clock
