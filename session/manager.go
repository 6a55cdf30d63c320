package session

import (
	"fmt"
	"sync"

	"github.com/harrow-labs/chromewalk/gate"
	"github.com/harrow-labs/chromewalk/telemetry"
)

// Manager owns a fleet of Sessions built from one Config, all bounded by a
// single shared Gate and publishing to a single shared event bus. It exists
// for load-generation callers that want hundreds of independent cookie
// jars without hundreds of independent concurrency ceilings.
//
// A sync.RWMutex protects the sessions map: lookups and Count take the read
// lock, Create and CloseAll take the write lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg Config
	g   *gate.Gate
	bus *telemetry.Bus
}

// NewManager validates cfg once and prepares the shared Gate and bus every
// managed Session will use. cfg.Gate and cfg.Events, when set, are adopted;
// otherwise the Manager creates its own.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := cfg.Gate
	if g == nil {
		g = gate.New(int64(cfg.MaxConcurrency))
	}
	bus := cfg.Events
	if bus == nil {
		bus = telemetry.NewBus(0)
	}
	cfg.Gate = g
	cfg.Events = bus

	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		g:        g,
		bus:      bus,
	}, nil
}

// Events exposes the shared bus so callers can attach subscribers before
// creating sessions.
func (m *Manager) Events() *telemetry.Bus { return m.bus }

// Create builds count new Sessions and registers them. Session construction
// involves no network I/O, so creation is serial.
func (m *Manager) Create(count int) ([]*Session, error) {
	if count <= 0 {
		return nil, fmt.Errorf("session: manager: count must be positive, got %d", count)
	}

	created := make([]*Session, 0, count)
	for i := 0; i < count; i++ {
		s, err := New(m.cfg)
		if err != nil {
			for _, prev := range created {
				prev.Close()
			}
			return nil, fmt.Errorf("session: manager: create session %d of %d: %w", i+1, count, err)
		}
		created = append(created, s)
	}

	m.mu.Lock()
	for _, s := range created {
		m.sessions[s.ID()] = s
	}
	m.mu.Unlock()
	return created, nil
}

// Get returns the session with the given id, or nil and false.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	return n
}

// Snapshots captures the state of every registered session, for debugging
// dumps at the end of a run.
func (m *Manager) Snapshots() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// CloseAll closes every session, then the shared bus. The Manager must not
// be used afterwards.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.bus.Close()
}
