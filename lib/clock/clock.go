// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() with deterministic time control.
//
// The encryption engine is full of time-sensitive decisions — pairwise
// session selection by last-use timestamp, outbound group session
// rotation by age, verification transaction expiry — and all of them
// must be reproducible in tests. Every production function that would
// call time.Now or time.After accepts a Clock instead (or is a method
// on a struct holding one).
package clock

import "time"

// Clock provides the time operations the engine needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}
