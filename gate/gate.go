// Package gate bounds total in-flight requests across an entire Session,
// independent of per-origin rate limiting: a weighted
// semaphore acts as the single global admission point every request must
// clear before touching the network.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/harrow-labs/chromewalk/corerr"
)

// DefaultPermits is the global concurrency ceiling used when a caller does
// not configure one.
const DefaultPermits = 1000

// Permit must be released exactly once, on every exit path of the request
// that acquired it, including challenge-solve retries, which hold the same
// Permit across the whole pipeline run.
type Permit struct {
	sem *semaphore.Weighted
}

// Release returns the permit to the pool. Safe to call at most once.
func (p Permit) Release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// Gate is a single global admission point shared by every request a Session
// issues.
type Gate struct {
	sem *semaphore.Weighted
}

// New builds a Gate with the given permit ceiling. permits <= 0 uses
// DefaultPermits.
func New(permits int64) *Gate {
	if permits <= 0 {
		permits = DefaultPermits
	}
	return &Gate{sem: semaphore.NewWeighted(permits)}
}

// Acquire blocks until a permit is free or ctx is done. On timeout it
// returns a *corerr.GateBusyError rather than the underlying context error,
// so callers can distinguish gate saturation from every other deadline
// source in the pipeline.
func (g *Gate) Acquire(ctx context.Context, url string) (Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Permit{}, corerr.NewGateBusy(url)
	}
	return Permit{sem: g.sem}, nil
}

// TryAcquire attempts to acquire a permit without blocking, reporting false
// if none is immediately available.
func (g *Gate) TryAcquire() (Permit, bool) {
	if g.sem.TryAcquire(1) {
		return Permit{sem: g.sem}, true
	}
	return Permit{}, false
}
