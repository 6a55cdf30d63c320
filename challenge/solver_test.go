package challenge

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/fingerprint"
)

func testBaseURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://example.test/")
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	return u
}

func TestSolveNoneSucceedsImmediately(t *testing.T) {
	s := NewSolver(3)
	rec, err := s.Solve(context.Background(), KindNone, DetectionEvidence{}, nil, Params{BaseURL: testBaseURL(t)})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !rec.Success || rec.Attempts != 1 {
		t.Fatalf("got %+v, want one successful attempt", rec)
	}
}

func TestSolveInteractiveFailsImmediately(t *testing.T) {
	s := NewSolver(3)
	rec, err := s.Solve(context.Background(), KindInteractive, DetectionEvidence{}, nil, Params{BaseURL: testBaseURL(t)})
	if err == nil {
		t.Fatal("expected an error for an Interactive challenge")
	}
	var unsolvable *corerr.ChallengeUnsolvableError
	if !errors.As(err, &unsolvable) {
		t.Fatalf("got %T, want *corerr.ChallengeUnsolvableError", err)
	}
	if unsolvable.Reason != corerr.ReasonInteractive {
		t.Fatalf("got reason %v, want Interactive", unsolvable.Reason)
	}
	if rec.Success {
		t.Fatal("expected Success=false")
	}
}

func TestSolveRateLimitedExhaustsAttemptsThenFails(t *testing.T) {
	s := NewSolver(3)
	s.sleep = func(time.Duration) {}

	reissues := 0
	p := Params{
		BaseURL: testBaseURL(t),
		Resubmit: ReissueOrResubmit{
			Reissue: func(ctx context.Context) (Kind, DetectionEvidence, []byte, error) {
				reissues++
				return KindRateLimited, DetectionEvidence{}, nil, nil
			},
		},
	}

	rec, err := s.Solve(context.Background(), KindRateLimited, DetectionEvidence{}, nil, p)
	if err == nil {
		t.Fatal("expected an error once max attempts is reached")
	}
	var unsolvable *corerr.ChallengeUnsolvableError
	if !errors.As(err, &unsolvable) || unsolvable.Reason != corerr.ReasonRateLimited {
		t.Fatalf("got %v, want a RateLimited ChallengeUnsolvableError", err)
	}
	if rec.Attempts != 3 {
		t.Fatalf("got %d attempts, want 3", rec.Attempts)
	}
	if reissues != 3 {
		t.Fatalf("got %d reissues, want one reissue per allowed attempt", reissues)
	}
}

func TestSolveRateLimitedRecoversAfterReissue(t *testing.T) {
	s := NewSolver(3)
	s.sleep = func(time.Duration) {}

	p := Params{
		BaseURL: testBaseURL(t),
		Resubmit: ReissueOrResubmit{
			Reissue: func(ctx context.Context) (Kind, DetectionEvidence, []byte, error) {
				return KindNone, DetectionEvidence{}, nil, nil
			},
		},
	}

	rec, err := s.Solve(context.Background(), KindRateLimited, DetectionEvidence{}, nil, p)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !rec.Success {
		t.Fatal("expected success after the backoff reissue clears")
	}
	if rec.Attempts != 2 {
		t.Fatalf("got %d attempts, want 2", rec.Attempts)
	}
}

const solverChallengePage = `
<form id="challenge-form" action="/cdn-cgi/l/chk_jschl" method="POST">
<input type="hidden" name="r" value="abc">
<input type="hidden" name="jschl_vc" value="def">
</form>
<script>
var t = 5;
t += 21 * 3;
setTimeout(function(){}, 1000);
t
</script>
`

func TestSolveJsInterstitialHappyPath(t *testing.T) {
	s := NewSolver(3)

	var gotFields map[string]string
	var gotTarget *url.URL
	p := Params{
		BaseURL:   testBaseURL(t),
		UserAgent: "Mozilla/5.0 Chrome/124.0",
		Resubmit: ReissueOrResubmit{
			Resubmit: func(ctx context.Context, target *url.URL, method string, fields map[string]string) (int, *fingerprint.OrderedHeader, []byte, bool, error) {
				gotFields = fields
				gotTarget = target
				return 200, &fingerprint.OrderedHeader{}, []byte("ok"), true, nil
			},
		},
	}

	rec, err := s.Solve(context.Background(), KindJsInterstitial, DetectionEvidence{}, []byte(solverChallengePage), p)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !rec.Success {
		t.Fatalf("expected success, got %+v", rec)
	}
	if gotFields["jschl_answer"] != "68" {
		t.Fatalf("got jschl_answer %q, want %q", gotFields["jschl_answer"], "68")
	}
	if gotFields["r"] != "abc" {
		t.Fatalf("got r %q, want preserved hidden field %q", gotFields["r"], "abc")
	}
	if gotTarget.String() != "https://example.test/cdn-cgi/l/chk_jschl" {
		t.Fatalf("got target %q", gotTarget.String())
	}
}

func TestSolveJsInterstitialExtractErrorSurfacesReason(t *testing.T) {
	s := NewSolver(3)
	rec, err := s.Solve(context.Background(), KindJsInterstitial, DetectionEvidence{}, []byte("<html>no form here</html>"), Params{BaseURL: testBaseURL(t)})
	if err == nil {
		t.Fatal("expected an extraction error")
	}
	var unsolvable *corerr.ChallengeUnsolvableError
	if !errors.As(err, &unsolvable) || unsolvable.Reason != corerr.ReasonExtract {
		t.Fatalf("got %v, want an Extract ChallengeUnsolvableError", err)
	}
	if rec.Success {
		t.Fatal("expected Success=false")
	}
}

func TestSolveJsInterstitialRetriesWhenVerificationFails(t *testing.T) {
	s := NewSolver(3)
	s.sleep = func(time.Duration) {}

	resubmits := 0
	reissues := 0
	p := Params{
		BaseURL: testBaseURL(t),
		Resubmit: ReissueOrResubmit{
			Resubmit: func(ctx context.Context, target *url.URL, method string, fields map[string]string) (int, *fingerprint.OrderedHeader, []byte, bool, error) {
				resubmits++
				return 403, &fingerprint.OrderedHeader{}, []byte("still blocked"), false, nil
			},
			Reissue: func(ctx context.Context) (Kind, DetectionEvidence, []byte, error) {
				reissues++
				return KindNone, DetectionEvidence{}, nil, nil
			},
		},
	}

	rec, err := s.Solve(context.Background(), KindJsInterstitial, DetectionEvidence{}, []byte(solverChallengePage), p)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !rec.Success {
		t.Fatal("expected eventual success once the reissue reports None")
	}
	if resubmits != 1 {
		t.Fatalf("got %d resubmits, want 1", resubmits)
	}
	if reissues != 1 {
		t.Fatalf("got %d reissues, want 1", reissues)
	}
}

func TestSolveContextCancellationStopsTheLoop(t *testing.T) {
	s := NewSolver(3)
	s.sleep = func(time.Duration) {}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Params{
		BaseURL: testBaseURL(t),
		Resubmit: ReissueOrResubmit{
			Reissue: func(ctx context.Context) (Kind, DetectionEvidence, []byte, error) {
				t.Fatal("Reissue should not be called once the context is already cancelled")
				return KindNone, DetectionEvidence{}, nil, nil
			},
		},
	}

	rec, err := s.Solve(ctx, KindRateLimited, DetectionEvidence{}, nil, p)
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
	if rec.Success {
		t.Fatal("expected Success=false")
	}
}
