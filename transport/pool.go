package transport

import (
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/harrow-labs/chromewalk/fingerprint"
)

// originKey identifies the connection-reuse bucket a hop belongs to. Reuse
// is keyed by (scheme, host, port, profile id).
type originKey struct {
	scheme  string
	host    string
	port    string
	profile string
}

// maxConnsPerOrigin bounds the idle HTTP/1.1 connections kept per origin,
// the HTTP/2 connections pooled per origin, and the streams opened on one
// pooled HTTP/2 connection, mirroring Chrome's own per-origin socket
// ceiling. The number of HTTP/1.1 connections open at once is not bounded.
const maxConnsPerOrigin = 6

// h2Conn tracks one pooled HTTP/2 connection alongside the number of
// streams this client has opened on it, since x/net/http2.ClientConn's own
// CanTakeNewRequest reflects the *server's* advertised
// SETTINGS_MAX_CONCURRENT_STREAMS rather than the self-imposed ceiling we
// want to match Chrome's outgoing behaviour.
type h2Conn struct {
	cc      *http2.ClientConn
	mu      sync.Mutex
	streams int
	idleAt  time.Time
}

func (c *h2Conn) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams >= maxConnsPerOrigin || !c.cc.CanTakeNewRequest() {
		return false
	}
	c.streams++
	c.idleAt = time.Time{}
	return true
}

func (c *h2Conn) release() {
	c.mu.Lock()
	c.streams--
	if c.streams <= 0 {
		c.streams = 0
		c.idleAt = time.Now()
	}
	c.mu.Unlock()
}

// h1Conn is one idle HTTP/1.1 connection sitting in an origin's free list.
type h1Conn struct {
	conn   *utls.UConn
	idleAt time.Time
}

// pool owns every live connection this Transport has opened, grouped by
// originKey, plus the checkout lock that serialises first-connection
// creation per origin.
type pool struct {
	mu          sync.Mutex
	h2          map[originKey][]*h2Conn
	h1Idle      map[originKey][]*h1Conn
	checkout    *checkoutLock
	idleTimeout time.Duration

	h2tMu sync.Mutex
	h2t   map[string]*http2.Transport // profile name → settings holder
}

func newPool(idleTimeout time.Duration) *pool {
	return &pool{
		h2:          make(map[originKey][]*h2Conn),
		h1Idle:      make(map[originKey][]*h1Conn),
		checkout:    newCheckoutLock(),
		idleTimeout: idleTimeout,
		h2t:         make(map[string]*http2.Transport),
	}
}

// h2TransportFor returns the http2.Transport carrying profile's SETTINGS
// values, built once per profile. The transport never dials itself: every
// connection is handed in already handshaken via NewClientConn, so it acts
// purely as the per-profile SETTINGS holder.
//
// x/net/http2 does not expose SETTINGS_INITIAL_WINDOW_SIZE or the post-
// preface connection WINDOW_UPDATE, so H2Settings.InitialWindowSize and
// ConnWindowSize stay at the library's values; the table-size, frame-size,
// and header-list-size settings all reach the wire.
func (p *pool) h2TransportFor(profile *fingerprint.Profile) *http2.Transport {
	p.h2tMu.Lock()
	defer p.h2tMu.Unlock()
	if t, ok := p.h2t[profile.Name]; ok {
		return t
	}
	t := &http2.Transport{
		DisableCompression:        false,
		MaxHeaderListSize:         profile.H2.MaxHeaderListSize,
		MaxReadFrameSize:          profile.H2.MaxFrameSize,
		MaxDecoderHeaderTableSize: profile.H2.HeaderTableSize,
		MaxEncoderHeaderTableSize: profile.H2.HeaderTableSize,
	}
	p.h2t[profile.Name] = t
	return t
}

// takeH2 returns a usable *http2.ClientConn for key if one has a free
// stream slot, and a release func to call once the stream completes.
func (p *pool) takeH2(key originKey) (*http2.ClientConn, func(), bool) {
	p.mu.Lock()
	conns := p.h2[key]
	p.mu.Unlock()

	for _, c := range conns {
		if c.reserve() {
			return c.cc, c.release, true
		}
	}
	return nil, nil, false
}

func (p *pool) addH2(key originKey, cc *http2.ClientConn) *h2Conn {
	c := &h2Conn{cc: cc, streams: 1}
	p.mu.Lock()
	conns := p.h2[key]
	if len(conns) >= maxConnsPerOrigin {
		p.mu.Unlock()
		return c // caller still uses it for this one request; not pooled further
	}
	p.h2[key] = append(conns, c)
	p.mu.Unlock()
	return c
}

// takeH1 pops an idle connection for key, if any are both present and not
// past idleTimeout.
func (p *pool) takeH1(key originKey) *utls.UConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.h1Idle[key]
	now := time.Now()
	for len(idle) > 0 {
		last := idle[len(idle)-1]
		idle = idle[:len(idle)-1]
		p.h1Idle[key] = idle
		if now.Sub(last.idleAt) > p.idleTimeout {
			last.conn.Close()
			continue
		}
		return last.conn
	}
	return nil
}

// putH1 returns a connection to the idle pool, closing it instead if the
// origin's pool is already full (max 6 connections per origin).
func (p *pool) putH1(key originKey, conn *utls.UConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.h1Idle[key]
	if len(idle) >= maxConnsPerOrigin {
		conn.Close()
		return
	}
	p.h1Idle[key] = append(idle, &h1Conn{conn: conn, idleAt: time.Now()})
}

func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.h1Idle {
		for _, c := range conns {
			c.conn.Close()
		}
	}
	for _, conns := range p.h2 {
		for _, c := range conns {
			c.cc.Close()
		}
	}
	p.h1Idle = make(map[originKey][]*h1Conn)
	p.h2 = make(map[originKey][]*h2Conn)
}

func keyFor(scheme, host, port string, profile *fingerprint.Profile) originKey {
	return originKey{scheme: scheme, host: host, port: port, profile: profile.Name}
}
