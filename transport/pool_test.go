package transport

import (
	"net"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/harrow-labs/chromewalk/fingerprint"
)

// utlsPipe returns a *utls.UConn wrapping one end of an in-memory net.Pipe,
// with no handshake performed. It is only good for exercising pool
// bookkeeping (put/take/close), never for I/O.
func utlsPipe(t *testing.T) (*utls.UConn, net.Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	client := utls.UClient(clientRaw, &utls.Config{ServerName: "example.test", InsecureSkipVerify: true}, utls.HelloChrome_120)
	return client, serverRaw
}

func TestH2ConnReleaseDecrementsStreamCount(t *testing.T) {
	c := &h2Conn{streams: 1}
	c.release()
	if c.streams != 0 {
		t.Fatalf("streams = %d, want 0", c.streams)
	}
	if c.idleAt.IsZero() {
		t.Fatal("expected idleAt to be stamped once streams reached 0")
	}
}

func TestH2TransportCarriesProfileSettings(t *testing.T) {
	p := newPool(time.Minute)
	profile := fingerprint.Chrome124DesktopWindows()

	h2t := p.h2TransportFor(profile)
	if h2t.MaxHeaderListSize != profile.H2.MaxHeaderListSize {
		t.Fatalf("MaxHeaderListSize = %d, want %d", h2t.MaxHeaderListSize, profile.H2.MaxHeaderListSize)
	}
	if h2t.MaxReadFrameSize != profile.H2.MaxFrameSize {
		t.Fatalf("MaxReadFrameSize = %d, want %d", h2t.MaxReadFrameSize, profile.H2.MaxFrameSize)
	}
	if h2t.MaxDecoderHeaderTableSize != profile.H2.HeaderTableSize {
		t.Fatalf("MaxDecoderHeaderTableSize = %d, want %d", h2t.MaxDecoderHeaderTableSize, profile.H2.HeaderTableSize)
	}
	if h2t.MaxEncoderHeaderTableSize != profile.H2.HeaderTableSize {
		t.Fatalf("MaxEncoderHeaderTableSize = %d, want %d", h2t.MaxEncoderHeaderTableSize, profile.H2.HeaderTableSize)
	}

	if again := p.h2TransportFor(profile); again != h2t {
		t.Fatal("expected the per-profile transport to be built once and reused")
	}
}

func TestH1IdlePoolPutTakeRoundTrip(t *testing.T) {
	p := newPool(time.Minute)
	key := originKey{scheme: "https", host: "example.test", port: "443", profile: "p"}

	client, server := utlsPipe(t)
	defer server.Close()

	p.putH1(key, client)
	got := p.takeH1(key)
	if got != client {
		t.Fatal("takeH1 did not return the connection just put back")
	}

	if again := p.takeH1(key); again != nil {
		t.Fatal("expected the idle pool to be empty after the single entry was taken")
	}
}

func TestH1IdlePoolEvictsPastIdleTimeout(t *testing.T) {
	p := newPool(time.Nanosecond)
	key := originKey{scheme: "https", host: "example.test", port: "443", profile: "p"}

	client, server := utlsPipe(t)
	defer server.Close()

	p.putH1(key, client)
	time.Sleep(time.Millisecond)

	if got := p.takeH1(key); got != nil {
		t.Fatal("expected the idle connection to be evicted once past idleTimeout")
	}
}

func TestH1IdlePoolCapsPerOrigin(t *testing.T) {
	p := newPool(time.Minute)
	key := originKey{scheme: "https", host: "example.test", port: "443", profile: "p"}

	for i := 0; i < maxConnsPerOrigin+2; i++ {
		client, server := utlsPipe(t)
		defer server.Close()
		p.putH1(key, client)
	}

	p.mu.Lock()
	n := len(p.h1Idle[key])
	p.mu.Unlock()
	if n != maxConnsPerOrigin {
		t.Fatalf("idle pool holds %d connections, want capped at %d", n, maxConnsPerOrigin)
	}
}
