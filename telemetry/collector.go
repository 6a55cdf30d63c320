package telemetry

import (
	"sync/atomic"
	"time"
)

// Collector aggregates the event stream into lightweight counters using
// atomic operations so it imposes minimal overhead even when subscribed to
// a high-rate session.
//
// All counters are accessed exclusively through atomic operations, which
// means the struct may be passed as a pointer without additional
// synchronisation, and a value read after a write always reflects at least
// that write.
type Collector struct {
	requests           atomic.Uint64
	completed          atomic.Uint64
	challengesDetected atomic.Uint64
	challengesSolved   atomic.Uint64
	challengesFailed   atomic.Uint64
	rateAdjustments    atomic.Uint64

	// startTime records when the collector was created so that
	// RequestsPerSecond can compute a meaningful rate.
	startTime time.Time
}

// NewCollector creates a Collector with the start time set to now. Wire it
// up with bus.Subscribe(c.Observe).
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Observe consumes one event. It is the subscriber function handed to
// Bus.Subscribe.
func (c *Collector) Observe(ev Event) {
	switch ev.Kind {
	case EventRequestStarted:
		c.requests.Add(1)
	case EventRequestCompleted:
		c.completed.Add(1)
	case EventChallengeDetected:
		c.challengesDetected.Add(1)
	case EventChallengeSolved:
		c.challengesSolved.Add(1)
	case EventChallengeFailed:
		c.challengesFailed.Add(1)
	case EventRateLimitAdjusted:
		c.rateAdjustments.Add(1)
	}
}

// Counts is a point-in-time copy of the collector's counters.
type Counts struct {
	Requests           uint64
	Completed          uint64
	ChallengesDetected uint64
	ChallengesSolved   uint64
	ChallengesFailed   uint64
	RateAdjustments    uint64
}

// Snapshot returns a point-in-time copy of the counters. The individual
// loads are not taken under a single lock, so the snapshot may be very
// slightly inconsistent at nanosecond granularity, which is acceptable for
// monitoring purposes.
func (c *Collector) Snapshot() Counts {
	return Counts{
		Requests:           c.requests.Load(),
		Completed:          c.completed.Load(),
		ChallengesDetected: c.challengesDetected.Load(),
		ChallengesSolved:   c.challengesSolved.Load(),
		ChallengesFailed:   c.challengesFailed.Load(),
		RateAdjustments:    c.rateAdjustments.Load(),
	}
}

// RequestsPerSecond returns the average request-start rate since the
// Collector was created. Returns 0 if called in the same wall-clock instant
// as creation to avoid division by zero.
func (c *Collector) RequestsPerSecond() float64 {
	elapsed := time.Since(c.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(c.requests.Load()) / elapsed
}
