// Package ratelimit provides a simple window-based rate limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple rate limiter with one or more fixed windows, e.g. the
// last minute/hour/day, counting per identity. An identity is typically an
// account name for authenticated sessions or a remote IP otherwise.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

// WindowLimit holds counters for one window, with a limit for each identity.
type WindowLimit struct {
	Window time.Duration
	Limit  int64
	Time   uint32 // Time/Window.
	Counts map[string]int64
}

// Add attempts to consume "n" items from the rate limiter for identity. If
// the total for this identity and this interval would exceed the limit, "n"
// is not counted and false is returned. If tm represents a different time
// interval, all counts are reset. Negative "n" gives back consumed items,
// e.g. for a connection that went away.
func (l *Limiter) Add(identity string, tm time.Time, n int64) bool {
	return l.checkAdd(true, identity, tm, n)
}

// CanAdd returns if n could be added to the limiter for identity.
func (l *Limiter) CanAdd(identity string, tm time.Time, n int64) bool {
	return l.checkAdd(false, identity, tm, n)
}

func (l *Limiter) checkAdd(add bool, identity string, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	// First check all windows.
	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))

		if t > wl.Time || wl.Counts == nil {
			l.WindowLimits[i].Time = t
			wl.Counts = map[string]int64{} // Used below.
			l.WindowLimits[i].Counts = wl.Counts
		}

		if wl.Counts[identity]+n > wl.Limit {
			return false
		}
	}
	if !add {
		return true
	}
	// Finally record.
	for _, wl := range l.WindowLimits {
		wl.Counts[identity] += n
	}
	return true
}

// Reset sets the counters for identity to 0 in windows that cover tm.
func (l *Limiter) Reset(identity string, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			continue
		}
		delete(wl.Counts, identity)
	}
}

// RetryAfter returns how long identity has to wait before adding n can
// succeed again: the time until the last blocking window rolls over. Callers
// use it for a hint in temporary error replies. Returns 0 when nothing
// blocks.
func (l *Limiter) RetryAfter(identity string, tm time.Time, n int64) time.Duration {
	l.Lock()
	defer l.Unlock()

	var d time.Duration
	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			// Window rolled over, not blocking.
			continue
		}
		if wl.Counts[identity]+n <= wl.Limit {
			continue
		}
		reset := (int64(t)+1)*int64(wl.Window) - tm.UnixNano()
		if time.Duration(reset) > d {
			d = time.Duration(reset)
		}
	}
	return d
}
