// Package telemetry carries the core's typed event stream plus the logging
// and counter consumers that subscribe to it. The core publishes events and
// returns immediately; subscribers run on a dedicated dispatch goroutine so
// a slow logging backend can never stall a request in flight.
package telemetry

import "time"

// EventKind names one of the structural events the core emits.
type EventKind string

const (
	EventRequestStarted    EventKind = "request_started"
	EventChallengeDetected EventKind = "challenge_detected"
	EventChallengeSolved   EventKind = "challenge_solved"
	EventChallengeFailed   EventKind = "challenge_failed"
	EventRateLimitAdjusted EventKind = "rate_limit_adjusted"
	EventRequestCompleted  EventKind = "request_completed"
)

// Event is one entry in the stream. Only the fields relevant to Kind are
// populated; everything else stays at its zero value. Events carry
// structural data only: origins and codes, never request bodies, cookie
// values, or header contents.
type Event struct {
	Kind      EventKind
	SessionID string
	Origin    string
	Time      time.Time

	// ChallengeKind is set on challenge_detected/solved/failed.
	ChallengeKind string

	// Duration is the solve wall time on challenge_solved and the total
	// request time on request_completed.
	Duration time.Duration

	// Cause is the stable failure code on challenge_failed.
	Cause string

	// NewRate is the post-adjustment tokens/sec on rate_limit_adjusted.
	NewRate float64

	// Status is the final HTTP status on request_completed.
	Status int
}
