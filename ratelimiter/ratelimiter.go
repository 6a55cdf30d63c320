// Package ratelimiter enforces a per-origin adaptive rate ceiling (component
// G). Each origin gets its own token bucket; the bucket's rate shrinks on
// edge pushback (429/503) and recovers slowly once traffic is clean again,
// the same shape a polite scraper hand-tunes by watching response codes:
// here automated instead of operator-adjusted.
package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/harrow-labs/chromewalk/corerr"
)

// Defaults applied when a Config leaves rate or burst unset.
const (
	DefaultRate  = 5.0 // tokens/sec
	DefaultBurst = 10

	backoffFactor = 0.5
	floorRate     = 0.1
	recoverFactor = 1.10
	recoverStreak = 64
)

// Ticket is returned by Acquire; callers have nothing to release; the
// bucket's cost was already spent by the time Acquire returns.
type Ticket struct{ Origin string }

type bucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	ceiling rate.Limit
	burst   int
	streak  int
}

// Limiter owns one token bucket per origin, created lazily on first use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
}

// New builds a Limiter whose buckets start at ratePerSecond tokens/sec with
// the given burst. ratePerSecond <= 0 uses DefaultRate; burst <= 0 uses
// DefaultBurst.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

func (l *Limiter) bucketFor(origin string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[origin]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(l.rate, l.burst),
			ceiling: l.rate,
			burst:   l.burst,
		}
		l.buckets[origin] = b
	}
	return b
}

// Acquire blocks until a token for origin is available or ctx is done,
// returning a Ticket on success or a *corerr.DeadlineExceededError if ctx
// expires first.
func (l *Limiter) Acquire(ctx context.Context, origin string) (Ticket, error) {
	b := l.bucketFor(origin)
	b.mu.Lock()
	lim := b.limiter
	b.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return Ticket{}, corerr.NewDeadlineExceeded(origin)
	}
	return Ticket{Origin: origin}, nil
}

// ReportOutcome feeds back whether the most recent response from origin was
// a pushback (429/503) so the bucket can adapt: pushback immediately halves
// the rate (floored at floorRate), while recoverStreak consecutive clean
// responses raise it by recoverFactor, capped at the Limiter's configured
// ceiling.
func (l *Limiter) ReportOutcome(origin string, pushback bool) {
	b := l.bucketFor(origin)
	b.mu.Lock()
	defer b.mu.Unlock()

	if pushback {
		b.streak = 0
		newRate := b.limiter.Limit() * backoffFactor
		if newRate < floorRate {
			newRate = floorRate
		}
		b.limiter.SetLimit(newRate)
		return
	}

	b.streak++
	if b.streak >= recoverStreak {
		b.streak = 0
		newRate := b.limiter.Limit() * recoverFactor
		if newRate > b.ceiling {
			newRate = b.ceiling
		}
		b.limiter.SetLimit(newRate)
	}
}

// CurrentRate reports the live tokens/sec for origin, mainly for the
// session's RateLimitAdjusted event and observability snapshots.
func (l *Limiter) CurrentRate(origin string) float64 {
	b := l.bucketFor(origin)
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.limiter.Limit())
}
