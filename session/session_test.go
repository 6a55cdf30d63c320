package session

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/pipeline"
)

const testProfile = "chrome-124-desktop-windows"

func testServer(t *testing.T, handler http.Handler) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())
	return ts, roots
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid minimal", Config{Profile: testProfile}, true},
		{"missing profile", Config{}, false},
		{"unknown profile", Config{Profile: "netscape-4"}, false},
		{"bad solve mode", Config{Profile: testProfile, ChallengeSolve: "maybe"}, false},
		{"external without resolver", Config{Profile: testProfile, ChallengeSolve: pipeline.SolveExternalInteractive}, false},
		{"negative rate", Config{Profile: testProfile, RatePerSecond: -1}, false},
		{"negative burst", Config{Profile: testProfile, RateBurst: -2}, false},
		{"negative concurrency", Config{Profile: testProfile, MaxConcurrency: -5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate accepted a bad config")
			}
		})
	}
}

func TestPlainGetNoChallenge(t *testing.T) {
	ts, roots := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))

	s, err := New(Config{Profile: testProfile, RootCAs: roots})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	resp, err := s.Get(context.Background(), ts.URL+"/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("Body = %q, want %q", resp.Body, "ok")
	}
	if resp.Challenge != nil {
		t.Fatalf("Challenge = %+v, want nil", resp.Challenge)
	}
	if resp.Timing.Total <= 0 {
		t.Fatal("Timing.Total should be positive")
	}
	if resp.SessionID != s.ID() {
		t.Fatalf("SessionID = %q, want %q", resp.SessionID, s.ID())
	}

	counters := s.Snapshot().Counters
	if counters.Requests != 1 || counters.ChallengesSeen != 0 {
		t.Fatalf("counters = %+v", counters)
	}
}

const interstitialPage = `<!DOCTYPE html><html><head>
<script src="/cdn-cgi/challenge-platform/h/b/orchestrate/jsch/v1"></script>
<script>
window._cf_chl_opt = {cType: 'non-interactive', cRay: '8a2f40b1c9d2e3f4', cvId: '2'};
</script>
</head><body>
<form id="challenge-form" action="/challenge-verify" method="POST">
<input type="hidden" name="r" value="tok-r">
<input type="hidden" name="jschl_vc" value="vc-123">
<input type="hidden" name="pass" value="pass-456">
</form>
<script>
var jschl_answer = 4 * 10 + 2;
jschl_answer;
</script>
</body></html>`

// TestJsInterstitialSolved walks the full solve conversation: a 403
// interstitial, the script evaluated to 42, the form resubmitted, a
// clearance cookie granted, and a follow-up request that rides the cookie
// straight past the challenge.
func TestJsInterstitialSolved(t *testing.T) {
	var verifies int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("cf_clearance"); err == nil && c.Value == "XYZ" {
			io.WriteString(w, "content")
			return
		}
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, interstitialPage)
	})
	mux.HandleFunc("/challenge-verify", func(w http.ResponseWriter, r *http.Request) {
		verifies++
		if err := r.ParseForm(); err != nil {
			t.Errorf("verify: parse form: %v", err)
		}
		if got := r.PostFormValue("jschl_answer"); got != "42" {
			t.Errorf("jschl_answer = %q, want 42", got)
		}
		if got := r.PostFormValue("r"); got != "tok-r" {
			t.Errorf("r = %q, want tok-r", got)
		}
		http.SetCookie(w, &http.Cookie{Name: "cf_clearance", Value: "XYZ", Path: "/"})
		io.WriteString(w, "cleared")
	})
	ts, roots := testServer(t, mux)

	s, err := New(Config{Profile: testProfile, RootCAs: roots})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	resp, err := s.Get(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200 after solve", resp.StatusCode)
	}
	if resp.Challenge == nil || !resp.Challenge.Success {
		t.Fatalf("Challenge = %+v, want a successful record", resp.Challenge)
	}
	if resp.Challenge.Duration <= 0 {
		t.Fatal("solve duration should be positive")
	}
	if verifies != 1 {
		t.Fatalf("verify endpoint hit %d times, want 1", verifies)
	}

	// Clearance cookie in hand: the next request must not re-solve.
	resp2, err := s.Get(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if resp2.Challenge != nil {
		t.Fatalf("second request saw a challenge: %+v", resp2.Challenge)
	}
	if string(resp2.Body) != "content" {
		t.Fatalf("second Body = %q, want %q", resp2.Body, "content")
	}

	counters := s.Snapshot().Counters
	if counters.Requests != 2 || counters.ChallengesSeen != 1 || counters.ChallengesSolved != 1 {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestOriginWhitelistDenied(t *testing.T) {
	var hits int
	ts, roots := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	s, err := New(Config{
		Profile:         testProfile,
		RootCAs:         roots,
		OriginWhitelist: []string{"a.example.test"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, err = s.Get(context.Background(), ts.URL+"/")
	var denied *corerr.OriginDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want OriginDenied", err)
	}
	if hits != 0 {
		t.Fatalf("server saw %d hits, want 0", hits)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	ts, roots := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	}))

	s, err := New(Config{Profile: testProfile, RootCAs: roots, RatePerSecond: 100, RateBurst: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	const n = 8
	reqs := make([]pipeline.Request, n)
	for i := range reqs {
		u, err := url.Parse(fmt.Sprintf("%s/item/%d", ts.URL, i))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		reqs[i] = pipeline.Request{Method: http.MethodGet, URL: u}
	}

	results := s.Batch(context.Background(), reqs)
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("result %d: %v", i, res.Err)
		}
		want := fmt.Sprintf("/item/%d", i)
		if string(res.Response.Body) != want {
			t.Fatalf("result %d body = %q, want %q", i, res.Response.Body, want)
		}
	}

	if got := s.Snapshot().Counters.Requests; got != n {
		t.Fatalf("Requests = %d, want %d", got, n)
	}
}

func TestDefaultDeadlineBoundsSlowServer(t *testing.T) {
	ts, roots := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))

	s, err := New(Config{Profile: testProfile, RootCAs: roots, DefaultDeadline: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Get(context.Background(), ts.URL+"/")
	if err == nil {
		t.Fatal("expected an error from the deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request took %v, deadline did not bind", elapsed)
	}
}

func TestSnapshotCarriesCookies(t *testing.T) {
	ts, roots := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
	}))

	s, err := New(Config{Profile: testProfile, RootCAs: roots})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(context.Background(), ts.URL+"/"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	snap := s.Snapshot()
	if snap.ID != s.ID() || snap.Profile != testProfile {
		t.Fatalf("snapshot identity = %q/%q", snap.ID, snap.Profile)
	}
	found := false
	for _, cookies := range snap.Cookies {
		for _, c := range cookies {
			if c.Name == "sid" && c.Value == "abc" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("snapshot missing the sid cookie: %+v", snap.Cookies)
	}
}

func TestUseAfterClose(t *testing.T) {
	s, err := New(Config{Profile: testProfile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()
	s.Close() // idempotent

	_, err = s.Get(context.Background(), "https://example.test/")
	if err == nil || !strings.Contains(err.Error(), "Close") {
		t.Fatalf("err = %v, want use-after-Close failure", err)
	}
}
