package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pennylabs/penny"
)

// Session is one reusable isolated execution context. Variables hold the
// serialized snapshot restored before each run; ContainerID is set by
// runners that keep a live container.
type Session struct {
	ID                string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	Variables         map[string]string
	InstalledPackages []string
	ContainerID       string

	// mu serializes executions on the session. A second request on the
	// same session waits here.
	mu sync.Mutex
}

// Lock acquires the session for one execution.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// TeardownFunc destroys a session's backing resources (container,
// workspace). Called outside the manager lock.
type TeardownFunc func(ctx context.Context, s *Session)

// Manager creates, reuses, and evicts sessions. Sessions are created lazily
// on first execution and garbage-collected after the idle TTL.
type Manager struct {
	ttl      time.Duration
	teardown TeardownFunc
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerTeardown sets the per-session destroy hook.
func ManagerTeardown(f TeardownFunc) ManagerOption {
	return func(m *Manager) { m.teardown = f }
}

func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a session manager with the given idle TTL and starts
// its eviction loop.
func NewManager(ttl time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	go m.runCleanup(ttl / 10)
	return m
}

// Get returns the session for id, creating it if necessary, and stamps its
// activity time.
func (m *Manager) Get(id string) (*Session, error) {
	if id == "" {
		return nil, penny.Errf(penny.CodeInvalidParams, "empty session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{
			ID:        id,
			CreatedAt: time.Now(),
			Variables: make(map[string]string),
		}
		m.sessions[id] = s
	}
	s.LastActivityAt = time.Now()
	return s, nil
}

// Lookup returns the session without creating one.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session and tears down its resources.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return penny.Errf(penny.CodeNotFound, "session %s not found", id)
	}
	if m.teardown != nil {
		m.teardown(ctx, s)
	}
	return nil
}

// Close stops the eviction loop and tears down every live session.
func (m *Manager) Close(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		if m.teardown != nil {
			m.teardown(ctx, s)
		}
	}
}

func (m *Manager) runCleanup(interval time.Duration) {
	defer close(m.doneCh)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopCh:
			return
		}
	}
}

// evictExpired collects idle sessions under lock, then tears them down
// outside it to avoid holding the lock across container I/O.
func (m *Manager) evictExpired() {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if time.Since(s.LastActivityAt) > m.ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("evicting idle sandbox session", "session_id", s.ID)
		if m.teardown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.teardown(ctx, s)
			cancel()
		}
	}
}
