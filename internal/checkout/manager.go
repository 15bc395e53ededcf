package checkout

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sorte-pix-app/internal/tracking"
)

// Manager keeps the live sessions of the HTTP layer by id.
type Manager struct {
	svc *Service

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(svc *Service) *Manager {
	return &Manager{svc: svc, sessions: map[string]*Session{}}
}

func (m *Manager) Service() *Service { return m.svc }

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

// Create opens a new session in the form state.
func (m *Manager) Create(attr tracking.Attribution) *Session {
	s := m.svc.NewSession(uuid.NewString(), attr)
	m.add(s)
	return s
}

// Resume opens a session for the pending purchase of email. A session that
// failed to get a new code is still returned so its error can be shown.
func (m *Manager) Resume(ctx context.Context, email string, attr tracking.Attribution) (*Session, error) {
	s, err := m.svc.Resume(ctx, uuid.NewString(), email, attr)
	if s != nil {
		m.add(s)
	}
	return s, err
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete closes and forgets the session. Unknown ids are ignored.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than maxIdle and returns how many
// were removed.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		log.Printf("[CHECKOUT] Swept %d idle sessions", len(stale))
	}
	return len(stale)
}

// Janitor sweeps every interval until ctx is done.
func (m *Manager) Janitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(maxIdle)
		}
	}
}

// CloseAll stops every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
