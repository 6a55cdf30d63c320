package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestAcquireGrantsWithinBurst(t *testing.T) {
	l := New(5, 10)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		if _, err := l.Acquire(ctx, "example.test"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
}

func TestAcquireRespectsContextDeadline(t *testing.T) {
	l := New(1, 1)
	ctx := context.Background()
	if _, err := l.Acquire(ctx, "example.test"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	tight, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(tight, "example.test"); err == nil {
		t.Fatal("expected a deadline error when the bucket is empty and the deadline is tight")
	}
}

func TestReportOutcomePushbackHalvesRate(t *testing.T) {
	l := New(4, 10)
	l.ReportOutcome("example.test", true)
	if got := l.CurrentRate("example.test"); got != 2.0 {
		t.Fatalf("got rate %v, want 2.0", got)
	}
}

func TestReportOutcomePushbackRespectsFloor(t *testing.T) {
	l := New(0.15, 10)
	l.ReportOutcome("example.test", true)
	if got := l.CurrentRate("example.test"); got != floorRate {
		t.Fatalf("got rate %v, want floor %v", got, floorRate)
	}
}

func TestReportOutcomeRecoversAfterStreak(t *testing.T) {
	l := New(4, 10)
	l.ReportOutcome("example.test", true) // rate -> 2.0

	for i := 0; i < recoverStreak-1; i++ {
		l.ReportOutcome("example.test", false)
	}
	if got := l.CurrentRate("example.test"); got != 2.0 {
		t.Fatalf("got rate %v before streak completes, want unchanged 2.0", got)
	}

	l.ReportOutcome("example.test", false)
	want := 2.0 * recoverFactor
	if got := l.CurrentRate("example.test"); got != want {
		t.Fatalf("got rate %v after streak completes, want %v", got, want)
	}
}

func TestReportOutcomeRecoveryRespectsCeiling(t *testing.T) {
	l := New(4, 10)
	for i := 0; i < recoverStreak; i++ {
		l.ReportOutcome("example.test", false)
	}
	if got := l.CurrentRate("example.test"); got != 4.0 {
		t.Fatalf("got rate %v, want ceiling 4.0 (bucket never degraded)", got)
	}
}

func TestOriginsAreIsolated(t *testing.T) {
	l := New(4, 10)
	l.ReportOutcome("a.test", true)
	if got := l.CurrentRate("b.test"); got != 4.0 {
		t.Fatalf("got rate %v for untouched origin, want unchanged 4.0", got)
	}
}
