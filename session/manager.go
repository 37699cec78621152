package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns the live sessions, one per user.
type Manager struct {
	deps Deps
	idle time.Duration
	log  *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]*opening
}

type opening struct {
	done chan struct{}
	s    *Session
	err  error
}

func NewManager(deps Deps, idle time.Duration) *Manager {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Manager{
		deps:     deps,
		idle:     idle,
		log:      deps.Log.WithField("component", "sessions"),
		sessions: map[string]*Session{},
		opening:  map[string]*opening{},
	}
}

// Acquire returns the user's live session, opening it on first use.
// Concurrent callers for the same user share one open. Every Acquire must
// be paired with Release.
func (m *Manager) Acquire(ctx context.Context, userID, token string) (*Session, error) {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[userID]; ok {
			m.mu.Unlock()
			s.setToken(token)
			s.touch(1)
			return s, nil
		}
		if op, ok := m.opening[userID]; ok {
			m.mu.Unlock()
			select {
			case <-op.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if op.err != nil {
				return nil, op.err
			}
			continue
		}
		op := &opening{done: make(chan struct{})}
		m.opening[userID] = op
		m.mu.Unlock()

		op.s, op.err = Open(ctx, m.deps, userID, token)

		m.mu.Lock()
		delete(m.opening, userID)
		if op.err == nil {
			m.sessions[userID] = op.s
		}
		m.mu.Unlock()
		close(op.done)

		if op.err != nil {
			m.log.WithError(op.err).WithField("user_id", userID).Error("session open failed")
			return nil, op.err
		}
		op.s.touch(1)
		return op.s, nil
	}
}

// Release marks the end of one use of the session.
func (m *Manager) Release(s *Session) {
	if s != nil {
		s.touch(-1)
	}
}

// Get returns the live session of a user without opening one.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions nobody used for longer than the idle timeout.
func (m *Manager) Reap(now time.Time) int {
	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if idle, ok := s.idleSince(now); ok && idle > m.idle {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		m.log.WithField("count", len(expired)).Info("reaped idle sessions")
	}
	return len(expired)
}

// Run reaps idle sessions until ctx is done, then closes the rest.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.WithField("idle", m.idle).Info("session reaper started")
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			m.log.Info("session reaper stopped")
			return
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
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
