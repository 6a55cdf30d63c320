package transport

import (
	"time"

	"github.com/harrow-labs/chromewalk/fingerprint"
)

// Timing captures the per-hop latency breakdown recorded on every
// Response: "DNS, connect, TLS handshake, first byte, total". A connection
// reused from the pool reports zero DNS/connect/TLS time since those phases
// did not happen on this hop.
type Timing struct {
	DNS       time.Duration
	Connect   time.Duration
	TLS       time.Duration
	FirstByte time.Duration
	Total     time.Duration
	Reused    bool

	NegotiatedProtocol string // "h2" or "http/1.1"
}

// Response is the result of executing exactly one HTTP hop (no redirect
// following; that is a session/pipeline-level concern so intermediate
// Set-Cookie headers can be absorbed between hops).
type Response struct {
	StatusCode int
	Header     *fingerprint.OrderedHeader
	Body       []byte
	Timing     Timing

	// RequestURL is the URL this hop was sent to, for the caller's redirect
	// bookkeeping.
	RequestURL string
}
