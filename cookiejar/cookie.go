// Package cookiejar implements an RFC 6265 cookie store scoped per Session,
// with one enrichment: cookies whose names match a known edge-protection set
// are tagged so the challenge Solver can recognise a still-valid clearance
// without re-solving.
package cookiejar

import (
	"fmt"
	"net/http"
	"time"
)

// EdgeTag names a recognised edge-protection cookie. The empty tag means
// "ordinary cookie, not edge-significant".
type EdgeTag string

const (
	// TagClearance marks a cookie that signals a prior challenge solution is
	// still accepted by the edge (e.g. "cf_clearance").
	TagClearance EdgeTag = "clearance"

	// TagBotManagement marks a behavioural/bot-management cookie issued
	// ahead of a challenge being presented (e.g. "__cf_bm").
	TagBotManagement EdgeTag = "bot_management"
)

// knownEdgeCookies maps a cookie name to the tag the Session/Solver use to
// recognise it.
var knownEdgeCookies = map[string]EdgeTag{
	"cf_clearance": TagClearance,
	"__cf_bm":      TagBotManagement,
}

// TagFor returns the EdgeTag for a cookie name, or "" if it is not a
// recognised edge cookie.
func TagFor(name string) EdgeTag {
	return knownEdgeCookies[name]
}

// Cookie is the jar's storage representation: name, value, scope, expiry,
// security flags, and the edge tag used for fast lookup.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expiry   time.Time // zero means session cookie (no explicit expiry)
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite

	Tag EdgeTag

	// lastSet records when this entry was last written, used for LRU
	// eviction when a jar exceeds its capacity.
	lastSet time.Time
}

// Expired reports whether c's expiry has passed. Session cookies (zero
// Expiry) never expire on their own.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// key returns the (name, domain, path) triple, unique within a jar.
func (c *Cookie) key() cookieKey {
	return cookieKey{name: c.Name, domain: c.Domain, path: c.Path}
}

type cookieKey struct {
	name, domain, path string
}

// ParseSetCookie parses one Set-Cookie header value into a Cookie scoped to
// requestHost/requestPath (used when the header omits Domain/Path, per RFC
// 6265 §5.3). defaultPath follows the RFC's "directory of the request path"
// rule when the header has no explicit Path attribute.
func ParseSetCookie(raw, requestHost, defaultPath string) (*Cookie, error) {
	hc, err := http.ParseSetCookie(raw)
	if err != nil {
		return nil, fmt.Errorf("cookiejar: parse Set-Cookie %q: %w", raw, err)
	}

	domain := hc.Domain
	if domain == "" {
		domain = requestHost
	}
	path := hc.Path
	if path == "" {
		path = defaultPath
	}

	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   domain,
		Path:     path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
		SameSite: hc.SameSite,
		Tag:      TagFor(hc.Name),
	}
	if !hc.Expires.IsZero() {
		c.Expiry = hc.Expires
	} else if hc.MaxAge != 0 {
		if hc.MaxAge > 0 {
			c.Expiry = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
		} else {
			// MaxAge < 0 means "delete immediately".
			c.Expiry = time.Unix(0, 0)
		}
	}
	return c, nil
}
