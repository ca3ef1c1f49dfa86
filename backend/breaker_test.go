package backend

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(3))

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if !b.Allow() {
		t.Fatal("breaker opened before threshold")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker still closed after threshold failures")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(3))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("non-consecutive failures tripped the breaker")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should allow a probe in half-open")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after half-open success", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)

	b.RecordFailure()
	now = now.Add(11 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open after half-open failure", b.State())
	}
}
