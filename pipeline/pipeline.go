// Package pipeline is the public request path: it flows one
// logical request through the concurrency gate, the per-origin rate limiter,
// header composition, cookie attachment, the transport, challenge detection,
// and, when needed, the challenge solver, returning one composed Response.
//
// The pipeline is a flat sequence of suspending operations with scoped
// acquisition: the Permit is held for the lifetime of the logical request
// (challenge sub-conversation included) and released on every exit path via
// defer. No goroutine outlives the request.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harrow-labs/chromewalk/challenge"
	"github.com/harrow-labs/chromewalk/cookiejar"
	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/fingerprint"
	"github.com/harrow-labs/chromewalk/gate"
	"github.com/harrow-labs/chromewalk/ratelimiter"
	"github.com/harrow-labs/chromewalk/sandbox"
	"github.com/harrow-labs/chromewalk/telemetry"
	"github.com/harrow-labs/chromewalk/transport"
)

// ChallengeMode selects how the pipeline reacts to a detected challenge.
type ChallengeMode string

const (
	// SolveAuto solves JS interstitials, managed waits, and rate limits
	// automatically; interactive challenges fail.
	SolveAuto ChallengeMode = "auto"

	// SolveOff returns the challenged response to the caller untouched.
	SolveOff ChallengeMode = "off"

	// SolveExternalInteractive behaves like SolveAuto but delegates
	// interactive (Turnstile) challenges to the installed resolver callback.
	SolveExternalInteractive ChallengeMode = "external_interactive"
)

// InteractiveResolver supplies a Turnstile token for an interactive
// challenge the core cannot solve itself. Installed at Session construction.
type InteractiveResolver func(ctx context.Context, siteKey string, challengeURL *url.URL) (string, error)

// Deps bundles the collaborating components one Run call needs. The Session
// owns all of them; the pipeline only borrows.
type Deps struct {
	SessionID string
	Profile   *fingerprint.Profile
	Jar       *cookiejar.Jar
	Transport *transport.Transport
	Gate      *gate.Gate
	Limiter   *ratelimiter.Limiter
	Solver    *challenge.Solver
	Events    *telemetry.Bus

	// Whitelist, when non-nil, is the closed set of hostnames this Session
	// may touch. A request to any other host fails with OriginDenied before
	// any network activity.
	Whitelist map[string]bool

	FollowRedirects int
	SandboxLimits   sandbox.Limits
	Mode            ChallengeMode
	Interactive     InteractiveResolver
}

// retryBackoff is the backoff schedule of the transport retry
// policy: retriable transport errors on idempotent requests are retried
// twice before surfacing.
var retryBackoff = []time.Duration{250 * time.Millisecond, 1 * time.Second}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func originOf(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return host + ":" + port
}

// Run executes one logical request through the full pipeline.
func Run(ctx context.Context, d Deps, req Request) (*Response, error) {
	if req.URL == nil {
		return nil, corerr.NewProtocolError("", errors.New("pipeline: request has no URL"))
	}
	urlStr := req.URL.String()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	permit, err := d.Gate.Acquire(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	if d.Whitelist != nil && !d.Whitelist[strings.ToLower(req.URL.Hostname())] {
		return nil, corerr.NewOriginDenied(urlStr, req.URL.Hostname())
	}

	origin := originOf(req.URL)
	if _, err := d.Limiter.Acquire(ctx, origin); err != nil {
		return nil, err
	}

	started := time.Now()
	d.Events.Publish(telemetry.Event{
		Kind: telemetry.EventRequestStarted, SessionID: d.SessionID, Origin: origin, Time: started,
	})

	hop, finalURL, err := d.exchange(ctx, req.Method, req.URL, req.Header, req.Body)
	if err != nil {
		return nil, err
	}
	d.reportOutcome(origin, hop.StatusCode)

	kind, evidence := challenge.Detect(hop.StatusCode, hop.Header, hop.Body, false)

	var record *challenge.Record
	if kind != challenge.KindNone && d.Mode != SolveOff {
		d.Events.Publish(telemetry.Event{
			Kind: telemetry.EventChallengeDetected, SessionID: d.SessionID, Origin: origin,
			Time: time.Now(), ChallengeKind: string(kind),
		})

		record, hop, finalURL, err = d.solve(ctx, req, hop, finalURL, origin, kind, evidence)
		if err != nil {
			cause := string(corerr.CodeOf(err))
			var unsolvable *corerr.ChallengeUnsolvableError
			if errors.As(err, &unsolvable) {
				cause = string(unsolvable.Reason)
			}
			d.Events.Publish(telemetry.Event{
				Kind: telemetry.EventChallengeFailed, SessionID: d.SessionID, Origin: origin,
				Time: time.Now(), ChallengeKind: string(kind), Cause: cause,
			})
			return nil, err
		}
		d.Events.Publish(telemetry.Event{
			Kind: telemetry.EventChallengeSolved, SessionID: d.SessionID, Origin: origin,
			Time: time.Now(), ChallengeKind: string(kind), Duration: record.Duration,
		})
	}

	resp := &Response{
		StatusCode: hop.StatusCode,
		Header:     hop.Header,
		Body:       hop.Body,
		FinalURL:   finalURL,
		Timing:     hop.Timing,
		Challenge:  record,
		SessionID:  d.SessionID,
	}
	d.Events.Publish(telemetry.Event{
		Kind: telemetry.EventRequestCompleted, SessionID: d.SessionID, Origin: origin,
		Time: time.Now(), Status: resp.StatusCode, Duration: time.Since(started),
	})
	return resp, nil
}

// reportOutcome feeds the response status into the rate limiter and emits a
// RateLimitAdjusted event whenever the effective rate actually moved.
func (d Deps) reportOutcome(origin string, status int) {
	pushback := status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
	before := d.Limiter.CurrentRate(origin)
	d.Limiter.ReportOutcome(origin, pushback)
	after := d.Limiter.CurrentRate(origin)
	if after != before {
		d.Events.Publish(telemetry.Event{
			Kind: telemetry.EventRateLimitAdjusted, SessionID: d.SessionID, Origin: origin,
			Time: time.Now(), NewRate: after,
		})
	}
}

// exchange performs one request with cookie attachment, redirect following,
// cookie absorption on every hop, and the idempotent-retry policy for
// retriable transport errors. It returns the terminal hop and its URL.
func (d Deps) exchange(ctx context.Context, method string, u *url.URL, overrides *fingerprint.OrderedHeader, body []byte) (*transport.Response, *url.URL, error) {
	cur := u
	curMethod := method
	curBody := body

	for redirects := 0; ; redirects++ {
		hop, err := d.oneHop(ctx, curMethod, cur, overrides, curBody)
		if err != nil {
			return nil, nil, err
		}

		if err := d.Jar.AbsorbResponse(cur, hop.Header.Values("Set-Cookie")); err != nil {
			return nil, nil, err
		}

		loc := hop.Header.Get("Location")
		if !isRedirect(hop.StatusCode) || loc == "" {
			return hop, cur, nil
		}
		if redirects >= d.FollowRedirects {
			return nil, nil, corerr.NewTooManyRedirects(cur.String(), d.FollowRedirects)
		}

		next, err := cur.Parse(loc)
		if err != nil {
			return nil, nil, corerr.NewProtocolError(cur.String(), err)
		}
		// 303, and 301/302 on a non-GET, rewrite the method to GET with no
		// body, matching browser behaviour. 307/308 preserve both.
		if hop.StatusCode == http.StatusSeeOther ||
			((hop.StatusCode == http.StatusMovedPermanently || hop.StatusCode == http.StatusFound) && curMethod != http.MethodGet && curMethod != http.MethodHead) {
			curMethod = http.MethodGet
			curBody = nil
		}
		cur = next
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// oneHop composes headers, attaches cookies, and executes a single transport
// hop, retrying when the failure is retriable and the
// request is idempotent. A request with a body is never re-sent.
func (d Deps) oneHop(ctx context.Context, method string, u *url.URL, overrides *fingerprint.OrderedHeader, body []byte) (*transport.Response, error) {
	headers, err := d.Profile.ComposeRequestHeaders(u, method, len(body), len(body) > 0, overrides)
	if err != nil {
		return nil, corerr.NewProtocolError(u.String(), err)
	}
	if cookieValue := d.Jar.AttachToRequest(u); cookieValue != "" {
		headers.Add("Cookie", cookieValue)
	}

	attempts := 1
	if idempotent(method) && len(body) == 0 {
		attempts += len(retryBackoff)
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, corerr.NewDeadlineExceeded(u.String())
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		var reader *bytes.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		var httpReq *http.Request
		if reader != nil {
			httpReq, err = http.NewRequestWithContext(ctx, method, u.String(), reader)
		} else {
			httpReq, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		}
		if err != nil {
			return nil, corerr.NewProtocolError(u.String(), err)
		}
		headers.ApplyToRequest(httpReq)

		hop, execErr := d.Transport.Execute(ctx, d.Profile, httpReq)
		if execErr == nil {
			return hop, nil
		}
		lastErr = execErr

		var te *corerr.TransportError
		if !errors.As(execErr, &te) || !te.Retriable {
			return nil, execErr
		}
		if ctx.Err() != nil {
			return nil, corerr.NewDeadlineExceeded(u.String())
		}
	}
	return nil, lastErr
}

// retryAfter extracts a Retry-After delay in seconds from a response, or 0.
func retryAfter(h *fingerprint.OrderedHeader) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// solve drives the challenge solver over the same transport and jar the
// original request used, returning the solver's audit record and the final
// cleared response.
func (d Deps) solve(ctx context.Context, req Request, first *transport.Response, firstURL *url.URL, origin string, kind challenge.Kind, evidence challenge.DetectionEvidence) (*challenge.Record, *transport.Response, *url.URL, error) {
	if kind == challenge.KindInteractive && d.Mode == SolveExternalInteractive && d.Interactive != nil {
		return d.solveInteractive(ctx, first, firstURL)
	}

	// final tracks the most recent hop seen inside the solver callbacks so
	// the caller can return the cleared response, not the challenge page.
	final := first
	finalURL := firstURL

	ua := first.Header.Get("User-Agent")
	if ua == "" {
		if composed, err := d.Profile.ComposeRequestHeaders(firstURL, http.MethodGet, 0, false, nil); err == nil {
			ua = composed.Get("User-Agent")
		}
	}

	params := challenge.Params{
		BaseURL:   firstURL,
		RetryHint: retryAfter(first.Header),
		UserAgent: ua,
		Limits:    d.SandboxLimits,
		Resubmit: challenge.ReissueOrResubmit{
			Resubmit: func(ctx context.Context, target *url.URL, method string, fields map[string]string) (int, *fingerprint.OrderedHeader, []byte, bool, error) {
				form := url.Values{}
				for k, v := range fields {
					form.Set(k, v)
				}
				var hop *transport.Response
				var hopURL *url.URL
				var err error
				if method == http.MethodGet {
					withQuery := *target
					withQuery.RawQuery = form.Encode()
					hop, hopURL, err = d.exchange(ctx, http.MethodGet, &withQuery, nil, nil)
				} else {
					overrides := &fingerprint.OrderedHeader{}
					overrides.Add("Content-Type", "application/x-www-form-urlencoded")
					overrides.Add("Referer", firstURL.String())
					hop, hopURL, err = d.exchange(ctx, method, target, overrides, []byte(form.Encode()))
				}
				if err != nil {
					return 0, nil, nil, false, err
				}
				final, finalURL = hop, hopURL
				clearance := d.Jar.HasValidTag(target, cookiejar.TagClearance)
				return hop.StatusCode, hop.Header, hop.Body, clearance, nil
			},
			Reissue: func(ctx context.Context) (challenge.Kind, challenge.DetectionEvidence, []byte, error) {
				hop, hopURL, err := d.exchange(ctx, req.Method, req.URL, req.Header, req.Body)
				if err != nil {
					return challenge.KindNone, challenge.DetectionEvidence{}, nil, err
				}
				d.reportOutcome(origin, hop.StatusCode)
				final, finalURL = hop, hopURL
				k, ev := challenge.Detect(hop.StatusCode, hop.Header, hop.Body, false)
				return k, ev, hop.Body, nil
			},
		},
	}

	record, err := d.Solver.Solve(ctx, kind, evidence, first.Body, params)
	if err != nil {
		return record, nil, nil, err
	}
	return record, final, finalURL, nil
}

// solveInteractive delegates a Turnstile challenge to the caller-installed
// resolver and resubmits the page's form with the returned token.
func (d Deps) solveInteractive(ctx context.Context, first *transport.Response, firstURL *url.URL) (*challenge.Record, *transport.Response, *url.URL, error) {
	record := &challenge.Record{Kind: challenge.KindInteractive, StartedAt: time.Now()}

	siteKey := challenge.TurnstileSiteKey(first.Body)
	token, err := d.Interactive(ctx, siteKey, firstURL)
	if err != nil {
		record.Done(false)
		record.FailureReason = string(corerr.ReasonInteractive)
		return record, nil, nil, corerr.NewChallengeUnsolvable(firstURL.String(), corerr.ReasonInteractive, err)
	}

	extracted, err := challenge.Extract(first.Body, firstURL)
	submitURL := firstURL
	method := http.MethodPost
	form := url.Values{}
	if err == nil {
		submitURL = extracted.SubmitURL
		method = extracted.FormMethod
		for k, v := range extracted.FormFields {
			form.Set(k, v)
		}
	}
	form.Set("cf-turnstile-response", token)

	overrides := &fingerprint.OrderedHeader{}
	overrides.Add("Content-Type", "application/x-www-form-urlencoded")
	overrides.Add("Referer", firstURL.String())

	hop, hopURL, err := d.exchange(ctx, method, submitURL, overrides, []byte(form.Encode()))
	if err != nil {
		record.Done(false)
		record.FailureReason = string(corerr.ReasonVerify)
		return record, nil, nil, corerr.NewChallengeUnsolvable(firstURL.String(), corerr.ReasonVerify, err)
	}

	verifyKind, _ := challenge.Detect(hop.StatusCode, hop.Header, hop.Body, false)
	cleared := d.Jar.HasValidTag(submitURL, cookiejar.TagClearance) ||
		(hop.StatusCode == http.StatusOK && verifyKind == challenge.KindNone)
	record.Done(cleared)
	if !cleared {
		record.FailureReason = string(corerr.ReasonVerify)
		return record, nil, nil, corerr.NewChallengeUnsolvable(firstURL.String(), corerr.ReasonVerify, nil)
	}
	return record, hop, hopURL, nil
}
