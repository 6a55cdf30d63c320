package fingerprint

import (
	"net/url"
	"testing"
)

func TestChrome124DesktopWindowsCatalog(t *testing.T) {
	p := Chrome124DesktopWindows()
	if p == nil {
		t.Fatal("expected the built-in profile to be registered")
	}
	if p.ChromeMajor != 124 {
		t.Fatalf("ChromeMajor = %d, want 124", p.ChromeMajor)
	}
	if got, want := p.ALPN, []string{"h2", "http/1.1"}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ALPN = %v, want %v", got, want)
	}
	if p.H2.MaxFrameSize == 0 {
		t.Fatal("expected non-zero MaxFrameSize")
	}

	if _, ok := Lookup("chrome-124-desktop-windows"); !ok {
		t.Fatal("expected Lookup to find the registered profile by name")
	}
	if _, ok := Lookup("does-not-exist"); ok {
		t.Fatal("Lookup should fail for an unregistered profile name")
	}
}

func TestComposeRequestHeadersOrderAndCasing(t *testing.T) {
	p := Chrome124DesktopWindows()
	u, _ := url.Parse("https://example.test/path")

	h, err := p.ComposeRequestHeaders(u, "GET", 0, false, nil)
	if err != nil {
		t.Fatalf("ComposeRequestHeaders: %v", err)
	}

	wantOrder := []string{
		"sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
		"Upgrade-Insecure-Requests", "User-Agent", "Accept",
		"Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest",
		"Accept-Encoding", "Accept-Language",
	}
	got := h.Names()
	if len(got) != len(wantOrder) {
		t.Fatalf("header count = %d, want %d (%v)", len(got), len(wantOrder), got)
	}
	for i, name := range wantOrder {
		if got[i] != name {
			t.Fatalf("header[%d] = %q, want exact case %q (order/casing must be byte-identical)", i, got[i], name)
		}
	}
}

func TestComposeRequestHeadersContentLength(t *testing.T) {
	p := Chrome124DesktopWindows()
	u, _ := url.Parse("https://example.test/submit")

	h, err := p.ComposeRequestHeaders(u, "POST", 42, true, nil)
	if err != nil {
		t.Fatalf("ComposeRequestHeaders: %v", err)
	}
	if got := h.Get("Content-Length"); got != "42" {
		t.Fatalf("Content-Length = %q, want %q", got, "42")
	}

	// A caller-specified Transfer-Encoding must suppress auto Content-Length.
	overrides := &OrderedHeader{}
	overrides.Add("Transfer-Encoding", "chunked")
	h2, err := p.ComposeRequestHeaders(u, "POST", 42, true, overrides)
	if err != nil {
		t.Fatalf("ComposeRequestHeaders: %v", err)
	}
	if h2.Has("Content-Length") {
		t.Fatalf("Content-Length should not be set when Transfer-Encoding is user-specified")
	}
}

func TestComposeRequestHeadersOverridesPreservePosition(t *testing.T) {
	p := Chrome124DesktopWindows()
	u, _ := url.Parse("https://example.test/")

	overrides := &OrderedHeader{}
	overrides.Add("User-Agent", "custom-agent/1.0")
	overrides.Add("X-Extra", "added-at-end")

	h, err := p.ComposeRequestHeaders(u, "GET", 0, false, overrides)
	if err != nil {
		t.Fatalf("ComposeRequestHeaders: %v", err)
	}

	names := h.Names()
	uaIdx := -1
	for i, n := range names {
		if n == "User-Agent" {
			uaIdx = i
		}
	}
	if uaIdx != 4 { // same slot as the template (0-indexed: sec-ch-ua, mobile, platform, upgrade, UA)
		t.Fatalf("User-Agent moved from its template slot: index=%d names=%v", uaIdx, names)
	}
	if got := h.Get("User-Agent"); got != "custom-agent/1.0" {
		t.Fatalf("User-Agent override not applied: %q", got)
	}
	if got := h.Get("X-Extra"); got != "added-at-end" {
		t.Fatalf("new header from overrides missing: %q", got)
	}
}

func TestClientHelloSpecBuilds(t *testing.T) {
	p := Chrome124DesktopWindows()
	spec, err := p.ClientHelloSpec()
	if err != nil {
		t.Fatalf("ClientHelloSpec: %v", err)
	}
	if len(spec.CipherSuites) == 0 {
		t.Fatal("expected a non-empty cipher suite list from the uTLS parrot table")
	}
}
