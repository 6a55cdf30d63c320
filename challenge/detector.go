package challenge

import (
	"regexp"
	"strings"

	"github.com/harrow-labs/chromewalk/fingerprint"
)

// MinBodyScan is the minimum number of body bytes a caller must hand the
// Detector before Detect considers its result complete. Every known
// interstitial places its markers within the first 16 KiB.
const MinBodyScan = 16 * 1024

// DetectionEvidence explains which markers fired for a classification, plus
// two fields the Kind alone does not carry: a heuristic confidence score
// fixed per matched rule, and the edge's Ray ID for
// cross-referencing support tickets against captured traffic.
type DetectionEvidence struct {
	Markers    []string
	Confidence float64
	RayID      string

	// Incomplete is set when body was truncated below MinBodyScan and none
	// of the higher-precedence rules matched; the Solver should treat a
	// None verdict with Incomplete=true as inconclusive rather than
	// confidently "no challenge present".
	Incomplete bool
}

// Marker needles, pre-lowercased to match against the single lowercase body
// pass in Detect.
var (
	turnstileMarker   = "cf-turnstile"
	challengePlatform = "/cdn-cgi/challenge-platform/"
	cfChlOpt          = "window._cf_chl_opt"
	managedTokens     = []string{
		"ctype: 'managed'",
		"ctype:'managed'",
		"cf-chl-widget",
		"checking your browser",
	}

	rayIDFromBody = regexp.MustCompile(`(?i)Ray ID:\s*([a-f0-9]+)`)
)

// Detect classifies a single response using ordered, OR'd rules:
// 1. status 429 → RateLimited
// 2. status 403 AND Server: cloudflare AND body has both challenge-platform
//    markers → JsInterstitial
// 3. body contains the Turnstile DOM marker → Interactive
// 4. status 503 AND body has a managed-challenge token → ManagedWait
// 5. otherwise → None
//
// body should be at least MinBodyScan bytes unless the full response is
// shorter; truncated reports whether the caller stopped short of that floor
// (and of the full content length) before the bytes it passed in ran out.
func Detect(statusCode int, header *fingerprint.OrderedHeader, body []byte, truncated bool) (Kind, DetectionEvidence) {
	ev := DetectionEvidence{RayID: extractRayID(header, body)}

	// One lowercase pass over the body; every rule below matches against it.
	lower := strings.ToLower(string(body))

	if statusCode == 429 {
		ev.Markers = append(ev.Markers, "status_429")
		if strings.EqualFold(header.Get("cf-mitigated"), "challenge") {
			ev.Markers = append(ev.Markers, "cf_mitigated_challenge")
		}
		ev.Confidence = 1.0
		return KindRateLimited, ev
	}

	server := header.Get("server")
	if statusCode == 403 && strings.Contains(strings.ToLower(server), "cloudflare") &&
		containsAll(lower, challengePlatform, cfChlOpt) {
		ev.Markers = append(ev.Markers, "status_403", "server_cloudflare", "challenge_platform_path", "cf_chl_opt")
		ev.Confidence = 1.0
		return KindJsInterstitial, ev
	}

	if strings.Contains(lower, turnstileMarker) {
		ev.Markers = append(ev.Markers, "cf_turnstile_marker")
		ev.Confidence = 0.9
		return KindInteractive, ev
	}

	if statusCode == 503 && containsAny(lower, managedTokens...) {
		ev.Markers = append(ev.Markers, "status_503", "managed_challenge_token")
		ev.Confidence = 0.9
		return KindManagedWait, ev
	}

	ev.Incomplete = truncated
	return KindNone, ev
}

func containsAll(lower string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(lower, n) {
			return false
		}
	}
	return true
}

func containsAny(lower string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func extractRayID(header *fingerprint.OrderedHeader, body []byte) string {
	if v := header.Get("cf-ray"); v != "" {
		if idx := strings.IndexByte(v, '-'); idx > 0 {
			return v[:idx]
		}
		return v
	}
	if m := rayIDFromBody.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}
