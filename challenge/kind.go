// Package challenge implements detection, extraction, and automated solving
// of Cloudflare-style interstitial challenges (components D and F). It never
// talks to the network directly; the Solver drives the Resubmit and Reissue
// callbacks handed to it by the pipeline package.
package challenge

// Kind is the closed set of challenge classifications the Detector can
// produce. It replaces the dynamic-dispatch, class-per-challenge-type shape
// with a single tagged value and a total function per state-machine
// transition.
type Kind string

const (
	// KindNone means the response carries no challenge marker at all.
	KindNone Kind = "None"

	// KindJsInterstitial is a Cloudflare JS computational challenge: a
	// script computes an answer the client resubmits.
	KindJsInterstitial Kind = "JsInterstitial"

	// KindInteractive is a human-in-the-loop challenge (Turnstile). The
	// Solver cannot complete it itself; it either fails or defers to an
	// external resolver callback.
	KindInteractive Kind = "Interactive"

	// KindManagedWait is a 503 interstitial that clears itself after a
	// server-indicated delay with no computation required.
	KindManagedWait Kind = "ManagedWait"

	// KindRateLimited marks a 429 response. A cf-mitigated: challenge header
	// is recorded as evidence only and does not select this kind.
	KindRateLimited Kind = "RateLimited"
)
