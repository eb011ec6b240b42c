package clock

import (
	"sync"
	"time"
)

// Clock provides time.Now() access.
type Clock struct{}

// Now returns the current wall clock time.
func (Clock) Now() time.Time {
	return time.Now()
}

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu sync.Mutex
	T  time.Time
}

// Now returns the fixed instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.T
}

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.T = f.T.Add(d)
	f.mu.Unlock()
}
