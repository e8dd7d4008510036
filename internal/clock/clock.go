package clock

import (
	"sync"
	"time"
)

// Clock returns the current wall time in epoch millis.
type Clock interface {
	Now() int64
}

// System reads the real wall clock.
type System struct{}

func (System) Now() int64 {
	return time.Now().UnixMilli()
}

// Fake is a settable clock for tests. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now int64
}

func NewFake(now int64) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(now int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d.Milliseconds()
	return f.now
}
