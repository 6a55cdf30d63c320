package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"crypto/x509"
)

func TestManagerCreatesIndependentSessions(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: r.URL.Query().Get("who"), Path: "/"})
		io.WriteString(w, "ok")
	}))
	defer ts.Close()
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())

	m, err := NewManager(Config{Profile: testProfile, RootCAs: roots})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.CloseAll()

	sessions, err := m.Create(3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Count() != 3 {
		t.Fatalf("Count = %d, want 3", m.Count())
	}

	seen := map[string]bool{}
	for _, s := range sessions {
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %q", s.ID())
		}
		seen[s.ID()] = true

		got, ok := m.Get(s.ID())
		if !ok || got != s {
			t.Fatalf("Get(%q) returned %v, %v", s.ID(), got, ok)
		}
	}

	// Jars must be independent: each session keeps only its own cookie.
	for i, s := range sessions {
		if _, err := s.Get(context.Background(), ts.URL+"/?who=s"+s.ID()[:4]); err != nil {
			t.Fatalf("session %d request: %v", i, err)
		}
	}
	for _, s := range sessions {
		snap := s.Snapshot()
		total := 0
		for _, cookies := range snap.Cookies {
			total += len(cookies)
		}
		if total != 1 {
			t.Fatalf("session %s jar holds %d cookies, want 1", s.ID(), total)
		}
	}
}

func TestManagerRejectsBadCount(t *testing.T) {
	m, err := NewManager(Config{Profile: testProfile})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.CloseAll()

	if _, err := m.Create(0); err == nil {
		t.Fatal("Create(0) should fail")
	}
}

func TestManagerCloseAllEmpties(t *testing.T) {
	m, err := NewManager(Config{Profile: testProfile})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Create(2); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.CloseAll()
	if m.Count() != 0 {
		t.Fatalf("Count after CloseAll = %d, want 0", m.Count())
	}
}
