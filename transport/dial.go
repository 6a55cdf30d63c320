package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/harrow-labs/chromewalk/fingerprint"
)

// handshakeResult is the outcome of dialing and TLS-handshaking a single
// connection, carrying enough detail for both protocol dispatch (proto) and
// the Response timing record.
type handshakeResult struct {
	conn  *utls.UConn
	proto string // "h2" or "http/1.1"

	dns, connect, tls time.Duration
}

// dialAndHandshake resolves host, opens a TCP connection to it (directly or
// through an HTTP CONNECT tunnel when proxyURL is non-nil), and performs a
// uTLS handshake using profile's ClientHelloSpec. The negotiated ALPN
// protocol determines which wire protocol the caller should speak next.
func dialAndHandshake(ctx context.Context, res *resolver, profile *fingerprint.Profile, host, port string, rootCAs *x509.CertPool, proxyURL *url.URL) (*handshakeResult, error) {
	var (
		raw            net.Conn
		dnsElapsed     time.Duration
		connectElapsed time.Duration
		err            error
	)
	if proxyURL != nil {
		raw, dnsElapsed, connectElapsed, err = dialViaProxy(ctx, res, proxyURL, host, port)
		if err != nil {
			return nil, err
		}
	} else {
		dnsStart := time.Now()
		ip, rerr := res.resolve(ctx, host)
		if rerr != nil {
			return nil, rerr
		}
		dnsElapsed = time.Since(dnsStart)

		connectStart := time.Now()
		var d net.Dialer
		raw, err = d.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s:%s: %w", ip, port, err)
		}
		connectElapsed = time.Since(connectStart)
	}

	tlsStart := time.Now()
	spec, err := profile.ClientHelloSpec()
	if err != nil {
		raw.Close()
		return nil, err
	}

	cfg := &utls.Config{ServerName: host}
	if rootCAs != nil {
		cfg.RootCAs = rootCAs
	}
	if !profile.AllowSessionResumption() {
		cfg.SessionTicketsDisabled = true
	}
	uconn := utls.UClient(raw, cfg, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: apply ClientHelloSpec: %w", err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		uconn.Close()
		return nil, fmt.Errorf("transport: TLS handshake with %s: %w", host, err)
	}
	tlsElapsed := time.Since(tlsStart)

	proto := uconn.ConnectionState().NegotiatedProtocol
	if proto == "" {
		proto = "http/1.1"
	}

	return &handshakeResult{
		conn:    uconn,
		proto:   proto,
		dns:     dnsElapsed,
		connect: connectElapsed,
		tls:     tlsElapsed,
	}, nil
}
