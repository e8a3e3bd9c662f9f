package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxmood/internal/inference"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/orchestrator"
	"github.com/MrWong99/voxmood/pkg/audio"
)

// ConsumerFactory builds an extra prediction consumer for a new session, for
// example a timeline recorder keyed by session ID.
type ConsumerFactory func(sessionID string) orchestrator.Consumer

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithConsumerFactory attaches a consumer to every session created after
// this option is applied.
func WithConsumerFactory(f ConsumerFactory) ManagerOption {
	return func(m *Manager) { m.factories = append(m.factories, f) }
}

// WithManagerMetrics overrides the metrics sink.
func WithManagerMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager tracks live sessions. All methods are safe for concurrent use.
type Manager struct {
	engine    *inference.Engine
	metrics   *observe.Metrics
	factories []ConsumerFactory

	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions share engine.
func NewManager(engine *inference.Engine, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine:   engine,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Create starts a session for audio in format. Events go to sink.
func (m *Manager) Create(ctx context.Context, format audio.Format, sink Sink) (*Session, error) {
	id := uuid.NewString()

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	consumers := make([]orchestrator.Consumer, 0, len(m.factories))
	for _, f := range m.factories {
		if c := f(id); c != nil {
			consumers = append(consumers, c)
		}
	}

	s, err := newSession(id, m.engine, format, cfg, sink, m.metrics, consumers)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	observe.SessionLogger(ctx, id).Info("session created", "format", format.String())
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close stops and forgets the session with the given ID.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.metrics.ActiveSessions.Add(ctx, -1)
	err := s.Close(ctx)
	observe.SessionLogger(ctx, id).Info("session closed")
	return err
}

// CloseAll closes every session and joins their errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns metadata for all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetSmoothing updates alpha and hold for new sessions and every live one.
func (m *Manager) SetSmoothing(alpha float64, hold time.Duration) {
	m.mu.Lock()
	m.cfg.Alpha = alpha
	m.cfg.Hold = hold
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.orch.SetSmoothing(alpha, hold)
	}
	slog.Info("smoothing updated", "alpha", alpha, "hold", hold, "sessions", len(live))
}
