package challenge

import (
	"context"
	"net/url"
	"time"

	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/fingerprint"
	"github.com/harrow-labs/chromewalk/sandbox"
)

// DefaultMaxAttempts bounds how many solve rounds one challenge may take.
const DefaultMaxAttempts = 3

// minWait and maxWait clamp the managed-wait/backoff sleep interval.
const (
	minWait = 1 * time.Second
	maxWait = 30 * time.Second
)

// ResubmitFunc sends the solved form back to the edge: the Solver calls it
// once per JsInterstitial attempt after evaluating the challenge script.
// clearanceObserved reports whether the jar now holds a valid edge-clearance
// cookie after absorbing this response's Set-Cookie headers; the Session
// composes this from cookiejar.Jar.HasValidTag.
type ResubmitFunc func(ctx context.Context, target *url.URL, method string, fields map[string]string) (statusCode int, header *fingerprint.OrderedHeader, body []byte, clearanceObserved bool, err error)

// ReissueFunc re-sends the original request (used to retry after a
// RateLimited backoff or a ManagedWait sleep) and re-runs detection on the
// fresh response.
type ReissueFunc func(ctx context.Context) (kind Kind, evidence DetectionEvidence, body []byte, err error)

// Params bundles everything one Solve call needs beyond the initial
// detection result.
type Params struct {
	BaseURL   *url.URL
	RetryHint time.Duration // server-indicated wait (Retry-After, or a managed-challenge page's delay), clamped to [1s, 30s]
	UserAgent string

	// Limits bounds the sandbox evaluation. A zero value falls back to the
	// sandbox defaults.
	Limits sandbox.Limits

	Resubmit ReissueOrResubmit
}

// ReissueOrResubmit groups the two callbacks a Solve call needs; split into
// a named type so Params stays small and the zero value is easy to spot as
// incomplete in tests.
type ReissueOrResubmit struct {
	Resubmit ResubmitFunc
	Reissue  ReissueFunc
}

// Solver drives the Extract → Evaluate → Resubmit → Verify state machine for
// JsInterstitial challenges, and the Backoff/sleep-and-reissue loop for
// RateLimited and ManagedWait classifications. Interactive (Turnstile)
// challenges are outside solver capability and immediately fail.
type Solver struct {
	MaxAttempts int

	// sleep is overridable in tests to avoid real waits.
	sleep func(time.Duration)
}

// NewSolver builds a Solver with the given attempt ceiling. maxAttempts <= 0
// uses DefaultMaxAttempts.
func NewSolver(maxAttempts int) *Solver {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Solver{MaxAttempts: maxAttempts, sleep: time.Sleep}
}

func clampWait(d time.Duration) time.Duration {
	if d < minWait {
		return minWait
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

// Solve runs the state machine starting from an already-detected kind and
// evidence, returning the finished Record. A nil error with Record.Success
// == true means the challenge is cleared; any error is a
// *corerr.ChallengeUnsolvableError.
func (s *Solver) Solve(ctx context.Context, kind Kind, evidence DetectionEvidence, body []byte, p Params) (*Record, error) {
	record := &Record{Kind: kind, Evidence: evidence, StartedAt: time.Now()}

	curKind, curEvidence, curBody := kind, evidence, body

	for attempt := 1; ; attempt++ {
		record.Attempts = attempt
		record.Evidence = curEvidence

		select {
		case <-ctx.Done():
			record.Done(false)
			record.FailureReason = string(corerr.ReasonMaxAttempts)
			return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonMaxAttempts, ctx.Err())
		default:
		}

		switch curKind {
		case KindNone:
			record.Done(true)
			return record, nil

		case KindInteractive:
			record.Done(false)
			record.FailureReason = string(corerr.ReasonInteractive)
			return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonInteractive, nil)

		case KindRateLimited, KindManagedWait:
			// Each attempt buys one sleep-and-reissue round; the challenge
			// only fails once a reissue AFTER the final allowed attempt still
			// comes back rate-limited.
			if attempt > s.MaxAttempts {
				reason := corerr.ReasonMaxAttempts
				if curKind == KindRateLimited {
					reason = corerr.ReasonRateLimited
				}
				record.Attempts = s.MaxAttempts
				record.Done(false)
				record.FailureReason = string(reason)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), reason, nil)
			}
			s.sleep(clampWait(p.RetryHint))
			newKind, newEvidence, newBody, err := p.Resubmit.Reissue(ctx)
			if err != nil {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonMaxAttempts)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonMaxAttempts, err)
			}
			curKind, curEvidence, curBody = newKind, newEvidence, newBody
			continue

		case KindJsInterstitial:
			extracted, err := Extract(curBody, p.BaseURL)
			if err != nil {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonExtract)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonExtract, err)
			}

			limits := p.Limits
			if limits.WallTime <= 0 && limits.MemoryBytes == 0 {
				limits = sandbox.DefaultLimits()
			}
			answer, err := sandbox.Evaluate(extracted.ScriptBody, sandbox.Shim{
				Location:  urlString(p.BaseURL),
				UserAgent: p.UserAgent,
			}, limits)
			if err != nil {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonSandbox)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonSandbox, err)
			}

			record.Solution = answer

			fields := extracted.FormFields
			if fields == nil {
				fields = map[string]string{}
			}
			fields["jschl_answer"] = answer

			status, header, respBody, clearancePresent, err := p.Resubmit.Resubmit(ctx, extracted.SubmitURL, extracted.FormMethod, fields)
			if err != nil {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonVerify)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonVerify, err)
			}

			verifyKind, _ := Detect(status, header, respBody, false)
			verified := clearancePresent || (status == 200 && verifyKind == KindNone)
			if verified {
				record.Done(true)
				return record, nil
			}

			if attempt >= s.MaxAttempts {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonMaxAttempts)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonMaxAttempts, nil)
			}

			newKind, newEvidence, newBody, err := p.Resubmit.Reissue(ctx)
			if err != nil {
				record.Done(false)
				record.FailureReason = string(corerr.ReasonVerify)
				return record, corerr.NewChallengeUnsolvable(urlString(p.BaseURL), corerr.ReasonVerify, err)
			}
			curKind, curEvidence, curBody = newKind, newEvidence, newBody
			continue

		default:
			record.Done(true)
			return record, nil
		}
	}
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
