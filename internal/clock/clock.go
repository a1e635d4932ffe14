// Package clock abstracts wall-clock reads so timer-driven logic can be
// exercised deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System reads the host clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Millis returns the clock reading as unix milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Fake is a manually advanced clock. The zero value reads time.Time{}.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Skewed reads Base shifted by By. It stands in for a device whose clock
// runs ahead (positive By) or behind the host's.
type Skewed struct {
	Base Clock
	By   time.Duration
}

// Now returns Base.Now() + By.
func (s Skewed) Now() time.Time {
	base := s.Base
	if base == nil {
		base = System{}
	}
	return base.Now().Add(s.By)
}
