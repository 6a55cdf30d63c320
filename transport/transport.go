// Package transport executes single HTTP hops: it takes a fingerprint
// Profile and a single built *http.Request and executes exactly one HTTP
// hop over a uTLS connection, returning a Response with its timing
// breakdown. Redirect following lives one layer up (session/pipeline) so
// intermediate Set-Cookie headers can be absorbed between hops.
package transport

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harrow-labs/chromewalk/corerr"
	"github.com/harrow-labs/chromewalk/fingerprint"
)

// DefaultIdleTimeout is how long a pooled connection may sit unused before
// it is closed rather than reused (idle timeout defaults to 90s).
const DefaultIdleTimeout = 90 * time.Second

// Transport executes single HTTP hops with a Chrome-shaped TLS/H2 wire
// presentation and pools connections per origin+profile.
type Transport struct {
	pool     *pool
	resolver *resolver

	// rootCAs overrides the system trust store when non-nil, for private
	// CAs (corporate MITM proxies, staging environments) and for tests
	// that stand up an httptest.NewTLSServer.
	rootCAs *x509.CertPool

	// proxyNext, when non-nil, selects the upstream proxy for each fresh
	// connection. Returning nil means dial direct.
	proxyNext func() *url.URL
}

// Options configures a Transport beyond the defaults.
type Options struct {
	// IdleTimeout is how long a pooled connection may sit unused before it
	// is closed rather than reused. 0 uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// RootCAs overrides the trust store when non-nil.
	RootCAs *x509.CertPool

	// ProxyNext selects an upstream HTTP proxy per fresh connection; the
	// target TLS handshake then runs over a CONNECT tunnel. Nil, or a func
	// returning nil, means direct connections.
	ProxyNext func() *url.URL
}

// New builds a Transport with its own connection pool and DNS resolver,
// trusting the system's default CA bundle.
func New() *Transport {
	return NewWithOptions(Options{})
}

// NewWithOptions builds a Transport from o.
func NewWithOptions(o Options) *Transport {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	return &Transport{
		pool:      newPool(o.IdleTimeout),
		resolver:  newResolver(),
		rootCAs:   o.RootCAs,
		proxyNext: o.ProxyNext,
	}
}

// NewWithRootCAs builds a Transport that trusts only the given CA pool
// instead of the system default, for environments that terminate TLS at a
// private CA.
func NewWithRootCAs(roots *x509.CertPool) *Transport {
	return NewWithOptions(Options{RootCAs: roots})
}

// Close tears down every pooled connection. Call it when a Session shuts
// down.
func (t *Transport) Close() { t.pool.closeAll() }

func (t *Transport) nextProxy() *url.URL {
	if t.proxyNext == nil {
		return nil
	}
	return t.proxyNext()
}

func hostPort(u *url.URL) (host, port string) {
	host = u.Hostname()
	port = u.Port()
	if port != "" {
		return host, port
	}
	if u.Scheme == "http" {
		return host, "80"
	}
	return host, "443"
}

// Execute sends req over a pooled or freshly dialed connection for
// profile's wire presentation and returns the single-hop response.
// req.Header must already be populated via an OrderedHeader's
// ApplyToRequest (see fingerprint.ComposeRequestHeaders) so the set of
// headers reaches the wire. On HTTP/1.1 the raw key casing is kept and the
// headers are written sorted by key; on HTTP/2 names are lowercased and
// sent in map order. The OrderedHeader's insertion order is not kept on
// either path.
func (t *Transport) Execute(ctx context.Context, profile *fingerprint.Profile, req *http.Request) (*Response, error) {
	if req.URL == nil {
		return nil, corerr.NewProtocolError("", fmt.Errorf("transport: request has no URL"))
	}
	scheme := req.URL.Scheme
	host, port := hostPort(req.URL)
	key := keyFor(scheme, host, port, profile)

	start := time.Now()

	if cc, release, ok := t.pool.takeH2(key); ok {
		resp, err := cc.RoundTrip(req)
		release()
		if err != nil {
			return nil, corerr.NewTransportError(req.URL.String(), true, err)
		}
		return t.toResponse(req.URL.String(), resp, start, Timing{Reused: true, NegotiatedProtocol: "h2"})
	}

	if conn := t.pool.takeH1(key); conn != nil {
		if dl, ok := ctx.Deadline(); ok {
			conn.SetDeadline(dl)
		}
		resp, err := writeHTTP1(req, conn)
		if err != nil {
			conn.Close()
			// fall through to a fresh dial below
		} else {
			out, rerr := t.toResponse(req.URL.String(), resp, start, Timing{Reused: true, NegotiatedProtocol: "http/1.1"})
			// The body is fully materialized now, so the connection is
			// positioned at the next response boundary and safe to pool.
			if rerr != nil || resp.Close {
				conn.Close()
			} else {
				conn.SetDeadline(time.Time{})
				t.pool.putH1(key, conn)
			}
			return out, rerr
		}
	}

	release, err := t.pool.checkout.lock(ctx, key)
	if err != nil {
		return nil, corerr.NewDeadlineExceeded(req.URL.String())
	}
	hr, dialErr := dialAndHandshake(ctx, t.resolver, profile, host, port, t.rootCAs, t.nextProxy())
	release()
	if dialErr != nil {
		return nil, corerr.NewTransportError(req.URL.String(), true, dialErr)
	}

	timing := Timing{DNS: hr.dns, Connect: hr.connect, TLS: hr.tls, NegotiatedProtocol: hr.proto}

	if hr.proto == "h2" {
		cc, err := t.pool.h2TransportFor(profile).NewClientConn(hr.conn)
		if err != nil {
			hr.conn.Close()
			return nil, corerr.NewProtocolError(req.URL.String(), err)
		}
		h2c := t.pool.addH2(key, cc)
		resp, err := cc.RoundTrip(req)
		h2c.release()
		if err != nil {
			return nil, corerr.NewTransportError(req.URL.String(), true, err)
		}
		return t.toResponse(req.URL.String(), resp, start, timing)
	}

	if dl, ok := ctx.Deadline(); ok {
		hr.conn.SetDeadline(dl)
	}
	resp, err := writeHTTP1(req, hr.conn)
	if err != nil {
		hr.conn.Close()
		return nil, corerr.NewTransportError(req.URL.String(), true, err)
	}
	out, rerr := t.toResponse(req.URL.String(), resp, start, timing)
	if rerr != nil || resp.Close {
		hr.conn.Close()
	} else {
		hr.conn.SetDeadline(time.Time{})
		t.pool.putH1(key, hr.conn)
	}
	return out, rerr
}

// writeHTTP1 sends req over an already-handshaken connection by hand,
// bypassing net/http.Transport entirely: that type insists on a *tls.Conn
// for ALPN bookkeeping, which a *utls.UConn is not. req.Write already knows
// how to serialise a request line, headers, and body; it writes the
// req.Header map sorted by key with the keys' own casing, so the
// OrderedHeader's insertion order does not survive on this path.
func writeHTTP1(req *http.Request, conn io.ReadWriter) (*http.Response, error) {
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("transport: write request: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return resp, nil
}

func (t *Transport) toResponse(requestURL string, resp *http.Response, start time.Time, timing Timing) (*Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, corerr.WithPartial(
			corerr.NewTransportError(requestURL, true, err),
			resp.StatusCode, map[string][]string(resp.Header),
		)
	}

	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		decoded = body // leave undecoded rather than fail the whole hop
	}

	header := &fingerprint.OrderedHeader{}
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	timing.Total = time.Since(start)
	timing.FirstByte = timing.Total // net/http does not expose first-byte time without httptrace wiring per request; Total is the closest honest approximation available at this layer.

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       decoded,
		Timing:     timing,
		RequestURL: requestURL,
	}, nil
}
