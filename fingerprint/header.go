// Package fingerprint holds the static, immutable data and deterministic
// assembly rules that make a request byte-for-byte indistinguishable from a
// named Chrome build: TLS ClientHello shape, HTTP/2 SETTINGS, and request
// header order/casing.
//
// This is pure data plus the
// compose_request_headers contract. It has no network code of its own;
// package transport consumes it.
package fingerprint

import "net/http"

// headerEntry stores a single header key/value pair with its original
// casing, exactly as a real Chrome build emits it on the wire.
type headerEntry struct {
	key   string
	value string
}

// OrderedHeader is a companion to http.Header that preserves exact
// capitalisation and insertion order. http.Header is a map and therefore
// unordered; edges that fingerprint clients inspect both the casing (e.g.
// "sec-ch-ua-platform" vs "Sec-Ch-Ua-Platform") and the relative ordering of
// headers, so a plain map cannot carry a profile faithfully.
//
// OrderedHeader is not safe for concurrent mutation; a Session builds one per
// request on the calling goroutine and hands it to the Transport, which only
// reads it.
type OrderedHeader struct {
	entries []headerEntry
}

// Add appends key/value, preserving the exact casing of key. Multiple calls
// with the same key produce multiple entries, matching http.Header.Add.
func (h *OrderedHeader) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Set replaces the first entry matching key (case-insensitively), dropping
// any later duplicates, and updates the surviving entry's casing to key. If
// no entry matches, Set behaves like Add and the new entry is appended at
// its current position; callers that want to preserve template position
// should use SetPreservingPosition instead.
func (h *OrderedHeader) Set(key, value string) {
	canon := http.CanonicalHeaderKey(key)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			if !replaced {
				out = append(out, headerEntry{key: key, value: value})
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, headerEntry{key: key, value: value})
	}
	h.entries = out
}

// SetPreservingPosition updates the value of the first entry matching key
// in place, keeping its original slot in the ordering, and updates the
// casing to key. If no entry matches, the new pair is appended at the end.
func (h *OrderedHeader) SetPreservingPosition(key, value string) {
	canon := http.CanonicalHeaderKey(key)
	for i, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			h.entries[i] = headerEntry{key: key, value: value}
			return
		}
	}
	h.Add(key, value)
}

// Del removes every entry matching key, case-insensitively.
func (h *OrderedHeader) Del(key string) {
	canon := http.CanonicalHeaderKey(key)
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) != canon {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Get returns the value of the first entry matching key, or "".
func (h *OrderedHeader) Get(key string) string {
	canon := http.CanonicalHeaderKey(key)
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			return e.value
		}
	}
	return ""
}

// Values returns every value stored for key in insertion order, matching
// case-insensitively. Needed for headers that legitimately repeat, such as
// Set-Cookie.
func (h *OrderedHeader) Values(key string) []string {
	canon := http.CanonicalHeaderKey(key)
	var out []string
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			out = append(out, e.value)
		}
	}
	return out
}

// Has reports whether any entry matches key.
func (h *OrderedHeader) Has(key string) bool {
	canon := http.CanonicalHeaderKey(key)
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			return true
		}
	}
	return false
}

// Len returns the number of header entries, including duplicates.
func (h *OrderedHeader) Len() int { return len(h.entries) }

// Clone returns an independent deep copy.
func (h *OrderedHeader) Clone() *OrderedHeader {
	c := &OrderedHeader{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// Names returns the header names in insertion order (duplicates included),
// primarily for golden-byte-order assertions in tests.
func (h *OrderedHeader) Names() []string {
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.key
	}
	return out
}

// ApplyToRequest writes every entry into req.Header using the raw key
// (bypassing http.CanonicalHeaderKey), so the exact casing survives onto the
// wire on the HTTP/1.1 path. The HTTP/2 path sends every name lowercased.
// Insertion order is lost, as with ToHTTPHeader.
func (h *OrderedHeader) ApplyToRequest(req *http.Request) {
	req.Header = make(http.Header, len(h.entries))
	for _, e := range h.entries {
		req.Header[e.key] = append(req.Header[e.key], e.value)
	}
}

// ToHTTPHeader converts to a standard http.Header. Insertion order is lost
// (maps are unordered) but exact key casing survives because the raw key is
// used rather than its canonical form.
func (h *OrderedHeader) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		out[e.key] = append(out[e.key], e.value)
	}
	return out
}
