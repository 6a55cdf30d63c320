// Package session binds one fingerprint profile, one cookie jar, one
// transport, and the challenge solver into the unit that issues correlated
// requests. Sessions are cheap to create (no network I/O
// happens until the first request) and fully independent of each other:
// nothing is shared between two Sessions unless the caller hands them the
// same Gate or event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harrow-labs/chromewalk/challenge"
	"github.com/harrow-labs/chromewalk/cookiejar"
	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/fingerprint"
	"github.com/harrow-labs/chromewalk/gate"
	"github.com/harrow-labs/chromewalk/pipeline"
	"github.com/harrow-labs/chromewalk/proxy"
	"github.com/harrow-labs/chromewalk/ratelimiter"
	"github.com/harrow-labs/chromewalk/telemetry"
	"github.com/harrow-labs/chromewalk/transport"
)

// Session issues a sequence of related requests that share cookie state and
// a wire fingerprint. All methods are safe for concurrent use; the jar
// serialises cookie access internally and everything else is immutable or
// atomically tracked.
type Session struct {
	id      string
	cfg     Config
	profile *fingerprint.Profile
	jar     *cookiejar.Jar

	transport *transport.Transport
	gate      *gate.Gate
	limiter   *ratelimiter.Limiter
	solver    *challenge.Solver
	bus       *telemetry.Bus
	ownsBus   bool

	whitelist map[string]bool

	createdAt time.Time
	closed    atomic.Bool

	requests         atomic.Uint64
	challengesSeen   atomic.Uint64
	challengesSolved atomic.Uint64
}

// New validates cfg, applies defaults, and assembles a Session. No network
// activity occurs until the first request.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	profile, _ := fingerprint.Lookup(cfg.Profile)

	var whitelist map[string]bool
	if len(cfg.OriginWhitelist) > 0 {
		whitelist = make(map[string]bool, len(cfg.OriginWhitelist))
		for _, host := range cfg.OriginWhitelist {
			whitelist[strings.ToLower(strings.TrimSpace(host))] = true
		}
	}

	opts := transport.Options{
		IdleTimeout: cfg.IdleConnTimeout,
		RootCAs:     cfg.RootCAs,
	}
	if len(cfg.Proxies) > 0 {
		rot, err := proxy.NewRotation(cfg.Proxies)
		if err != nil {
			return nil, fmt.Errorf("session: config: %w", err)
		}
		opts.ProxyNext = rot.Next
	}

	g := cfg.Gate
	if g == nil {
		g = gate.New(int64(cfg.MaxConcurrency))
	}

	bus := cfg.Events
	ownsBus := false
	if bus == nil {
		bus = telemetry.NewBus(0)
		ownsBus = true
	}

	return &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		profile:   profile,
		jar:       cookiejar.New(0),
		transport: transport.NewWithOptions(opts),
		gate:      g,
		limiter:   ratelimiter.New(cfg.RatePerSecond, cfg.RateBurst),
		solver:    challenge.NewSolver(0),
		bus:       bus,
		ownsBus:   ownsBus,
		whitelist: whitelist,
		createdAt: time.Now(),
	}, nil
}

// ID returns the opaque correlation token carried on every event and
// Response this Session produces.
func (s *Session) ID() string { return s.id }

// Events exposes the Session's event bus so callers can attach logging or
// metrics subscribers after construction.
func (s *Session) Events() *telemetry.Bus { return s.bus }

// Request issues one logical request: method and rawURL are required,
// headers may be nil (profile defaults apply), body may be nil. A zero
// deadline uses the Session's default.
func (s *Session) Request(ctx context.Context, method, rawURL string, headers *fingerprint.OrderedHeader, body []byte, deadline time.Time) (*pipeline.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, corerr.NewProtocolError(rawURL, fmt.Errorf("session: parse url: %w", err))
	}
	return s.Do(ctx, pipeline.Request{
		Method:   method,
		URL:      u,
		Header:   headers,
		Body:     body,
		Deadline: deadline,
	})
}

// Get is shorthand for a GET with profile-default headers and the default
// deadline.
func (s *Session) Get(ctx context.Context, rawURL string) (*pipeline.Response, error) {
	return s.Request(ctx, "GET", rawURL, nil, nil, time.Time{})
}

// Do runs one already-built pipeline.Request through the full pipeline,
// applying the Session's default deadline when the request carries none.
func (s *Session) Do(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	if s.closed.Load() {
		return nil, errors.New("session: use after Close")
	}
	if req.Deadline.IsZero() && s.cfg.DefaultDeadline > 0 {
		req.Deadline = time.Now().Add(s.cfg.DefaultDeadline)
	}

	s.requests.Add(1)
	resp, err := pipeline.Run(ctx, s.deps(), req)

	if err != nil {
		var unsolvable *corerr.ChallengeUnsolvableError
		if errors.As(err, &unsolvable) {
			s.challengesSeen.Add(1)
		}
		return nil, err
	}
	if resp.Challenge != nil {
		s.challengesSeen.Add(1)
		if resp.Challenge.Success {
			s.challengesSolved.Add(1)
		}
	}
	return resp, nil
}

// BatchResult pairs one Batch entry's outcome with its input position; a
// failed entry has a nil Response and a non-nil Err.
type BatchResult struct {
	Response *pipeline.Response
	Err      error
}

// Batch executes every request concurrently, subject to the Session's gate
// and rate limits, and returns results in input order. One entry failing
// does not cancel its siblings; ctx cancellation cancels them all.
func (s *Session) Batch(ctx context.Context, reqs []pipeline.Request) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var eg errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		eg.Go(func() error {
			resp, err := s.Do(ctx, req)
			results[i] = BatchResult{Response: resp, Err: err}
			return nil
		})
	}
	eg.Wait()
	return results
}

// deps assembles the pipeline dependency bundle for one request. It is
// rebuilt per call because it is a small value type; all referenced
// components are long-lived.
func (s *Session) deps() pipeline.Deps {
	return pipeline.Deps{
		SessionID:       s.id,
		Profile:         s.profile,
		Jar:             s.jar,
		Transport:       s.transport,
		Gate:            s.gate,
		Limiter:         s.limiter,
		Solver:          s.solver,
		Events:          s.bus,
		Whitelist:       s.whitelist,
		FollowRedirects: s.cfg.FollowRedirects,
		SandboxLimits:   s.cfg.sandboxLimits(),
		Mode:            s.cfg.ChallengeSolve,
		Interactive:     s.cfg.Interactive,
	}
}

// Counters is a point-in-time read of the Session's request statistics.
type Counters struct {
	Requests         uint64
	ChallengesSeen   uint64
	ChallengesSolved uint64
}

// State is an exported snapshot of a Session for debugging: identity,
// counters, and a deep copy of the cookie jar. It carries no live handles
// and no persistence guarantees.
type State struct {
	ID        string
	Profile   string
	CreatedAt time.Time
	Counters  Counters
	Cookies   map[string][]cookiejar.Cookie
}

// Snapshot captures the Session's current state.
func (s *Session) Snapshot() State {
	return State{
		ID:        s.id,
		Profile:   s.profile.Name,
		CreatedAt: s.createdAt,
		Counters: Counters{
			Requests:         s.requests.Load(),
			ChallengesSeen:   s.challengesSeen.Load(),
			ChallengesSolved: s.challengesSolved.Load(),
		},
		Cookies: s.jar.Snapshot(),
	}
}

// Close releases the Session's pooled connections and, when the Session
// owns its event bus, drains and stops it. Close is idempotent; requests
// issued after Close fail immediately.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.transport.Close()
	if s.ownsBus {
		s.bus.Close()
	}
}
