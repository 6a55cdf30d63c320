package fingerprint

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	utls "github.com/refraction-networking/utls"
)

// H2Settings mirrors the five values of interest in an HTTP/2 SETTINGS frame
// plus the connection-level window size.
// ENABLE_PUSH is always 0 in Chrome and is not configurable.
type H2Settings struct {
	HeaderTableSize      uint32
	MaxConcurrentStreams uint32
	InitialWindowSize    int32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	ConnWindowSize       int32 // connection-level WINDOW_UPDATE sent after the preface
}

// Profile is an immutable, named collection of bytes and assembly rules that
// together define a browser build's wire appearance. A Profile
// is built once and never mutated; "refreshing" a profile means building a
// new Session around a different Profile value.
type Profile struct {
	// Name is the catalog key, e.g. "chrome-124-desktop-windows".
	Name string

	// ChromeMajor is the declared Chrome major version this profile claims
	// to be. It need not equal the uTLS parrot table entry used for the
	// wire ClientHello; see ClientHelloNote.
	ChromeMajor int

	// HelloID selects the uTLS ClientHelloSpec parrot used to build the
	// wire-exact ClientHello.
	HelloID utls.ClientHelloID

	// ClientHelloNote documents any discrepancy between ChromeMajor and the
	// actual uTLS parrot table entry backing HelloID (open question #1 in
	// DESIGN.md).
	ClientHelloNote string

	// ALPN lists the protocols offered in the TLS ALPN extension, in order.
	ALPN []string

	// H2 holds the HTTP/2 SETTINGS values this profile's connections send.
	H2 H2Settings

	// PseudoHeaderOrder lists the HTTP/2 pseudo-headers in wire order.
	PseudoHeaderOrder []string

	// headerTemplate is the ordered, exact-case default header set. Built
	// once at profile construction and never mutated; ComposeRequestHeaders
	// clones it per call.
	headerTemplate *OrderedHeader

	// resumptionEnabled controls whether TLS session resumption (PSK) is
	// offered. Disabled by default to avoid an ambiguous
	// fingerprint on the second handshake of a connection.
	resumptionEnabled bool
}

// AllowSessionResumption reports whether this profile permits TLS session
// resumption.
func (p *Profile) AllowSessionResumption() bool { return p.resumptionEnabled }

// catalog is the process-wide profile registry, immutable after init.
var (
	catalogMu sync.RWMutex
	catalog   = map[string]*Profile{}
)

func register(p *Profile) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[p.Name] = p
}

func init() {
	register(chrome124DesktopWindows())
}

// Lookup returns the named profile from the process-wide catalog.
func Lookup(name string) (*Profile, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	p, ok := catalog[name]
	return p, ok
}

// Chrome124DesktopWindows returns the built-in "chrome-124-desktop-windows"
// profile.
func Chrome124DesktopWindows() *Profile {
	p, _ := Lookup("chrome-124-desktop-windows")
	return p
}

func chrome124DesktopWindows() *Profile {
	p := &Profile{
		Name:        "chrome-124-desktop-windows",
		ChromeMajor: 124,
		HelloID:     utls.HelloChrome_120,
		ClientHelloNote: "declares Chrome 124; the uTLS parrot table pinned " +
			"by this module tops out at a Chrome 120 ClientHelloSpec, so the " +
			"wire TLS handshake borrows that hello verbatim. Header " +
			"User-Agent and sec-ch-ua values still report 124; only the " +
			"ClientHello bytes are 120's.",
		ALPN: []string{"h2", "http/1.1"},
		H2: H2Settings{
			HeaderTableSize:      65536,
			MaxConcurrentStreams: 1000,
			InitialWindowSize:    6291456,
			MaxFrameSize:         16384,
			MaxHeaderListSize:    262144,
			ConnWindowSize:       15663105,
		},
		PseudoHeaderOrder: []string{":method", ":authority", ":scheme", ":path"},
	}
	p.headerTemplate = chrome124HeaderTemplate()
	return p
}

// chrome124HeaderTemplate returns the default header template in the exact
// order and casing the profile prescribes.
func chrome124HeaderTemplate() *OrderedHeader {
	h := &OrderedHeader{}
	h.Add("sec-ch-ua", `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`)
	h.Add("sec-ch-ua-mobile", "?0")
	h.Add("sec-ch-ua-platform", `"Windows"`)
	h.Add("Upgrade-Insecure-Requests", "1")
	h.Add("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	h.Add("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	h.Add("Sec-Fetch-Site", "none")
	h.Add("Sec-Fetch-Mode", "navigate")
	h.Add("Sec-Fetch-User", "?1")
	h.Add("Sec-Fetch-Dest", "document")
	h.Add("Accept-Encoding", "gzip, deflate, br")
	h.Add("Accept-Language", "en-US,en;q=0.9")
	return h
}

// ComposeRequestHeaders builds the full ordered header block for one
// request against this profile.
//
// Rules, applied in order:
//  1. start with the profile default template
//  2. require a host in the target URL (Host is not added to the block)
//  3. if a body is present and the caller did not set Content-Length or
//     Transfer-Encoding, set Content-Length
//  4. apply user overrides last, preserving the position of any header
//     already in the template
//  5. never lowercase a header the profile specifies with mixed case
func (p *Profile) ComposeRequestHeaders(target *url.URL, method string, bodyLen int, bodyPresent bool, overrides *OrderedHeader) (*OrderedHeader, error) {
	if target == nil {
		return nil, fmt.Errorf("fingerprint: compose headers: target URL is nil")
	}

	h := p.headerTemplate.Clone()

	// Rule 2: Host has no entry in the block; net/http takes the Host line
	// (or :authority) from the request URL.
	host := target.Host
	if host == "" {
		return nil, fmt.Errorf("fingerprint: compose headers: target URL %q has no host", target.String())
	}

	// Rule 3: the user override set counts as "user set it".
	userFraming := overrides != nil && (overrides.Has("Content-Length") || overrides.Has("Transfer-Encoding"))
	if bodyPresent && !userFraming && !h.Has("Content-Length") && !h.Has("Transfer-Encoding") {
		h.SetPreservingPosition("Content-Length", strconv.Itoa(bodyLen))
	}

	// Rule 4: overrides win, but keep template position when the header
	// already exists there.
	if overrides != nil {
		seen := map[string]bool{}
		for _, e := range overrides.entries {
			canon := normalizeKey(e.key)
			if !seen[canon] && h.Has(e.key) {
				h.SetPreservingPosition(e.key, e.value)
			} else {
				h.Add(e.key, e.value)
			}
			seen[canon] = true
		}
	}

	_ = host // Host substitution happens at the transport layer (req.Host / :authority)
	return h, nil
}

func normalizeKey(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}
