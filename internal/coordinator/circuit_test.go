package coordinator

import (
	"testing"
	"time"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(3, 50*time.Millisecond)
	now := time.Now()

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected breaker to allow call %d before threshold", i)
		}
		b.RecordFailure(now)
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed before threshold, got %q", b.State())
	}

	b.RecordFailure(now)
	if b.State() != "open" {
		t.Fatalf("expected open after threshold failures, got %q", b.State())
	}
	if b.Allow() {
		t.Fatal("expected breaker to reject calls while open and within cooldown")
	}
}

func TestCircuitBreakerHalfOpenProbeRecovers(t *testing.T) {
	b := newCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure(time.Now())
	if b.State() != "open" {
		t.Fatalf("expected open after 1 failure with threshold 1, got %q", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected a half-open probe to be allowed after cooldown")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent probe to be rejected while one is in flight")
	}

	b.RecordSuccess()
	if b.State() != "closed" {
		t.Fatalf("expected closed after a successful probe, got %q", b.State())
	}
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := newCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure(time.Now())
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure(time.Now())
	if b.State() != "open" {
		t.Fatalf("expected reopened after failed probe, got %q", b.State())
	}
}
