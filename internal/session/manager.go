package session

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/streamapi"
	"github.com/xtxerr/telrec/internal/validation"
)

// Manager owns the sessions recorded by the process.
//
// Manager is safe for concurrent use.
type Manager struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	// ending tracks EndSession calls started by notifications.
	ending sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// CreateAndStartSession creates a session and starts recording it.
func (m *Manager) CreateAndStartSession(ctx context.Context, key string) (*Session, error) {
	if err := validation.ValidateSessionKey(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrSessionAlreadyExists, "session %s", key)
	}
	s := New(key, m.deps, m.opts)
	m.sessions[key] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// EndSession drains and closes a session.
func (m *Manager) EndSession(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrSessionNotFound, "session %s", key)
	}

	err := s.EndSession(ctx)

	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	return err
}

// Get returns a session by key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Sessions returns the keys of all sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CloseAll ends every session concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.ending.Wait()

	var g errgroup.Group
	for _, key := range m.Sessions() {
		g.Go(func() error {
			if err := m.EndSession(ctx, key); err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
				return errors.Wrapf(err, "end session %s", key)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run starts the sessions that are live at startup and follows session
// start and stop notifications until ctx ends. Sessions of other data
// sources are ignored.
func (m *Manager) Run(ctx context.Context) error {
	notes, err := m.deps.Sessions.Notifications(ctx)
	if err != nil {
		return errors.Wrapf(err, "subscribe to session notifications")
	}

	live, err := m.deps.Sessions.LiveSessions(ctx)
	if err != nil {
		log.Warn("failed to list live sessions", "error", err)
	}
	for _, key := range live {
		m.start(ctx, key)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if n.DataSource != "" && n.DataSource != m.opts.DataSource {
				continue
			}
			switch n.Kind {
			case streamapi.SessionStarted:
				m.start(ctx, n.SessionKey)
			case streamapi.SessionStopped:
				m.ending.Add(1)
				go func(key string) {
					defer m.ending.Done()
					if err := m.EndSession(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
						log.Error("failed to end session", "session", key, "error", err)
					}
				}(n.SessionKey)
			}
		}
	}
}

func (m *Manager) start(ctx context.Context, key string) {
	if _, err := m.CreateAndStartSession(ctx, key); err != nil {
		if errors.Is(err, errors.ErrSessionAlreadyExists) {
			log.Debug("session already recording", "session", key)
			return
		}
		log.Error("failed to start session", "session", key, "error", err)
	}
}
