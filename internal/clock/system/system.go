// Package system provides the wall clock used for run and crawl timestamps.
package system

import "time"

// Precision is the resolution of timestamps handed out. Every library
// backend round-trips millisecond times exactly.
const Precision = time.Millisecond

// Clock returns UTC wall time truncated to Precision.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
