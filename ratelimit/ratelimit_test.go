package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		WindowLimits: []WindowLimit{
			{
				Window: time.Minute,
				Limit:  2,
			},
		},
	}

	now := time.Now()
	check := func(exp bool, identity string, tm time.Time, n int64) {
		t.Helper()
		ok := l.CanAdd(identity, tm, n)
		if ok != exp {
			t.Fatalf("canadd, got %v, expected %v", ok, exp)
		}
		ok = l.Add(identity, tm, n)
		if ok != exp {
			t.Fatalf("add, got %v, expected %v", ok, exp)
		}
	}
	check(false, "10.0.0.1", now, 3) // past limit
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 2) // now past limit
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 1) // now past limit
	check(true, "10.0.0.2", now, 2)  // other identity, independent count

	next := now.Add(time.Minute)
	check(true, "10.0.0.1", next, 2) // next minute, should have reset

	l.Reset("10.0.0.1", next)
	if !l.CanAdd("10.0.0.1", next, 2) {
		t.Fatalf("reset did not free up count for identity")
	}

	l = &Limiter{
		WindowLimits: []WindowLimit{
			{
				Window: time.Minute,
				Limit:  1,
			},
			{
				Window: time.Hour,
				Limit:  2,
			},
		},
	}

	min1 := time.UnixMilli((time.Now().UnixNano() / int64(time.Hour)) * int64(time.Hour) / int64(time.Millisecond))
	min2 := min1.Add(time.Minute)
	min3 := min1.Add(2 * time.Minute)
	check(true, "mjl", min1, 1)
	check(true, "mjl", min2, 1)
	check(false, "mjl", min3, 1) // hour window full
}

func TestRetryAfter(t *testing.T) {
	l := &Limiter{
		WindowLimits: []WindowLimit{
			{
				Window: time.Minute,
				Limit:  1,
			},
		},
	}

	// Start of a minute window, so the retry hint covers the remainder.
	now := time.UnixMilli((time.Now().UnixNano() / int64(time.Minute)) * int64(time.Minute) / int64(time.Millisecond))

	if d := l.RetryAfter("mjl", now, 1); d != 0 {
		t.Fatalf("retryafter on empty limiter, got %v, expected 0", d)
	}
	if !l.Add("mjl", now, 1) {
		t.Fatalf("add failed on empty limiter")
	}
	tm := now.Add(10 * time.Second)
	d := l.RetryAfter("mjl", tm, 1)
	if d <= 0 || d > 50*time.Second {
		t.Fatalf("retryafter for full window, got %v, expected in (0, 50s]", d)
	}
	if d2 := l.RetryAfter("other", tm, 1); d2 != 0 {
		t.Fatalf("retryafter for other identity, got %v, expected 0", d2)
	}
	if d3 := l.RetryAfter("mjl", now.Add(time.Minute), 1); d3 != 0 {
		t.Fatalf("retryafter after window rolled over, got %v, expected 0", d3)
	}
}
