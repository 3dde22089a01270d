// Package ratelimit throttles outbound sends to a packets-per-second
// ceiling shared by every sender on one socket.
//
// The limiter is deliberately gentler than a strict token bucket: isolated
// sends pass through immediately, and only sustained bursts above the
// ceiling are smoothed down to the configured rate. Waits shorter than a
// minimum floor are skipped entirely to avoid pointless rescheduling on
// near-instant sends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultPacketsPerSecond is the send ceiling applied when none is
// configured.
const DefaultPacketsPerSecond = 10000

// minWait is the floor below which the limiter never sleeps.
const minWait = time.Millisecond

// Limiter is a smoothed-burst send gate. The zero value is not usable;
// construct with New.
//
// Concurrent callers contend for the internal lock in arrival order, but no
// strict FIFO hand-off is promised.
type Limiter struct {
	mu      sync.Mutex
	last    time.Time
	pending int // sends owed against the ceiling, decays with elapsed time
	pps     int
}

// New returns a limiter capped at pps packets per second. Non-positive pps
// selects DefaultPacketsPerSecond.
func New(pps int) *Limiter {
	if pps <= 0 {
		pps = DefaultPacketsPerSecond
	}
	return &Limiter{pps: pps}
}

// Limit returns the configured ceiling in packets per second.
func (l *Limiter) Limit() int {
	return l.pps
}

// Wait accounts for one send, suspending the caller when the accumulated
// send count exceeds what the ceiling allows for the elapsed time. The lock
// is held across the compute-and-maybe-sleep sequence so that sends on one
// socket are serialized through the gate.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.last.IsZero() {
		l.last = now
		l.pending = 1
		return nil
	}

	// Elapsed time earns back allowance at the configured rate.
	allowance := int(float64(l.pps) * now.Sub(l.last).Seconds())
	if allowance < 0 {
		allowance = 0
	}
	if l.pending <= allowance {
		l.pending = 0
	} else {
		l.pending -= allowance
	}

	if l.pending > 0 {
		wait := time.Duration(float64(l.pending) / float64(l.pps) * float64(time.Second))
		if wait >= minWait {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			l.pending = 0
			now = time.Now()
		}
	}

	l.pending++
	l.last = now
	return nil
}
