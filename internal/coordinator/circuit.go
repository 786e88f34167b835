package coordinator

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker guards calls to the embedder/extractor collaborators.
// After failureThreshold consecutive failures it trips open and rejects
// calls outright for cooldown; the first Allow() call after cooldown
// elapses gets a single half-open probe, which closes the breaker again
// on success or reopens it (restarting the cooldown) on failure.
type circuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	cooldown         time.Duration
	state            circuitState
	consecutiveFails int
	openedAt         time.Time
	probing          bool
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	return &circuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown, state: circuitClosed}
}

// Allow reports whether a call may proceed right now.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = circuitHalfOpen
		b.probing = true
		return true
	case circuitHalfOpen:
		if b.probing {
			return false // a probe is already in flight
		}
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitClosed
	b.consecutiveFails = 0
	b.probing = false
}

// RecordFailure increments the failure count, tripping the breaker open
// once failureThreshold is reached, or immediately reopening it (with a
// fresh cooldown) if the failure was the half-open probe itself.
func (b *circuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = now
		b.probing = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.state = circuitOpen
		b.openedAt = now
	}
}

// State reports the breaker's current state, for stats().
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
