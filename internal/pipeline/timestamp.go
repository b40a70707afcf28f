// Package pipeline provides the modification clock and stage scheduling that
// data objects use to tell producers and consumers apart in time.
package pipeline

import "sync/atomic"

// clock is shared by every TimeStamp in the process, so stamps taken on
// different objects are totally ordered
var clock atomic.Uint64

// TimeStamp records when an object was last modified. The zero value has
// never been modified and compares older than any stamped value.
type TimeStamp struct {
	t atomic.Uint64
}

// Modified advances the stamp to a new, unique clock value
func (s *TimeStamp) Modified() {
	s.t.Store(clock.Add(1))
}

// Time returns the clock value of the last Modified call
func (s *TimeStamp) Time() uint64 {
	return s.t.Load()
}

// Now returns the most recent clock value handed out by any stamp
func Now() uint64 {
	return clock.Load()
}
