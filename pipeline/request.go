package pipeline

import (
	"net/url"
	"time"

	"github.com/harrow-labs/chromewalk/challenge"
	"github.com/harrow-labs/chromewalk/fingerprint"
	"github.com/harrow-labs/chromewalk/transport"
)

// Request is the caller-facing description of one logical request. Header
// entries override or extend the profile's default template per the
// compose_request_headers rules; Body may be nil.
type Request struct {
	Method string
	URL    *url.URL
	Header *fingerprint.OrderedHeader
	Body   []byte

	// Deadline bounds the whole logical request, including any challenge
	// solving. Zero means the Session's default deadline applies.
	Deadline time.Time
}

// Response is the composed result of one logical request: the final hop's
// status/headers/body after any redirects and challenge solving, plus the
// timing breakdown and the challenge audit record when a challenge was
// encountered.
type Response struct {
	StatusCode int
	Header     *fingerprint.OrderedHeader
	Body       []byte

	// FinalURL is the URL of the hop that produced this response, after any
	// redirects.
	FinalURL *url.URL

	Timing transport.Timing

	// Challenge is nil when the initial response carried no challenge, or
	// when Mode is SolveOff.
	Challenge *challenge.Record

	// SessionID correlates this response with session-scoped events and
	// logs. It is an opaque token, not a handle back to the Session.
	SessionID string
}
