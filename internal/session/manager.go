package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/jobtalk/internal/jobsearch"
	"github.com/ashureev/jobtalk/internal/metrics"
	"github.com/ashureev/jobtalk/internal/store"
	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	storeTimeout       = 5 * time.Second
	maxAcquireAttempts = 3
)

var (
	// ErrEmptyID is returned for an empty session id.
	ErrEmptyID = errors.New("session id is required")
	// ErrSessionClosed is returned when a session keeps closing under a
	// connecting client.
	ErrSessionClosed = errors.New("session closed")
)

// Options configures a Manager.
type Options struct {
	// Store is the durable backend. Nil keeps sessions in memory only.
	Store  store.SessionStore
	API    jobsearch.API
	Expiry time.Duration
	Logger *slog.Logger
}

// Manager creates, caches, persists and evicts sessions.
type Manager struct {
	store  store.SessionStore
	api    jobsearch.API
	expiry time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{
		store:    opts.Store,
		api:      opts.API,
		expiry:   expiry,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Durable reports whether a durable store is configured.
func (m *Manager) Durable() bool {
	return m.store != nil
}

// Get returns a cached session without touching the store.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetOrCreate returns the cached session, else restores it from the store,
// else creates and persists a new one. Concurrent calls for the same id
// all receive the same instance.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	// The shared load must not fail because the first caller went away.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		if s, ok := m.Get(id); ok {
			return s, nil
		}
		return m.load(loadCtx, id), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Acquire returns the session for id with conn attached as its live
// connection. A session closed between lookup and attach is replaced by a
// fresh lookup.
func (m *Manager) Acquire(ctx context.Context, id string, conn *websocket.Conn) (*Session, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		s, err := m.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Attach(conn) {
			return s, nil
		}
		m.logger.Debug("Session closed before attach, retrying", "session_id", id)
	}
	return nil, ErrSessionClosed
}

func (m *Manager) load(ctx context.Context, id string) *Session {
	s := newSession(id, m.api, m.logger, m.now())

	restored := false
	if m.store != nil {
		getCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		rec, err := m.store.Get(getCtx, id)
		cancel()
		switch {
		case err != nil:
			metrics.StoreErrorsTotal.WithLabelValues("get").Inc()
			m.logger.Error("Failed to load session, continuing in memory", "session_id", id, "error", err)
		case rec != nil:
			s.restore(rec)
			restored = true
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	size := len(m.sessions)
	m.mu.Unlock()
	metrics.CacheSize.Set(float64(size))

	if restored {
		m.logger.Info("Session restored", "session_id", id)
	} else {
		m.logger.Info("Session created", "session_id", id)
		if err := m.Persist(ctx, s); err != nil {
			m.logger.Warn("Failed to persist new session", "session_id", id, "error", err)
		}
	}
	return s
}

// Persist writes the durable subset of s with a refreshed expiry. Without a
// store, or once s has been deleted, it is a no-op.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	if m.store == nil || s.isDeleted() {
		return nil
	}
	rec, err := s.Record()
	if err != nil {
		return err
	}

	setCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Set(setCtx, rec, m.expiry); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

// Delete removes a session from the cache and the store and closes its
// live connection.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	size := len(m.sessions)
	m.mu.Unlock()
	metrics.CacheSize.Set(float64(size))

	if ok {
		s.discard("session deleted")
	}

	if m.store == nil {
		return nil
	}
	delCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Delete(delCtx, id); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("delete").Inc()
		return err
	}
	m.logger.Info("Session deleted", "session_id", id)
	return nil
}

// evictIdle drops s from the cache without touching the store. The
// connection check and the removal happen under the cache lock, so a
// client that attaches first keeps the session and one that attaches later
// gets a fresh instance from Acquire. A newer instance cached under the
// same id is left alone.
func (m *Manager) evictIdle(s *Session) bool {
	m.mu.Lock()
	if m.sessions[s.ID] != s || !s.retire() {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.ID)
	size := len(m.sessions)
	m.mu.Unlock()
	metrics.CacheSize.Set(float64(size))

	s.close("session expired")
	return true
}

// SweepExpired evicts cached sessions the durable store no longer considers
// active. Without a store, sessions idle past the expiry with no client
// attached are evicted. It returns the number of evicted sessions.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.RLock()
	cached := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cached = append(cached, s)
	}
	m.mu.RUnlock()

	if len(cached) == 0 && m.store == nil {
		return 0
	}

	var stale []*Session
	if m.store == nil {
		cutoff := m.now().Add(-m.expiry)
		for _, s := range cached {
			if !s.Connected() && s.LastActivity().Before(cutoff) {
				stale = append(stale, s)
			}
		}
	} else {
		sweepCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()

		if removed, err := m.store.CleanupExpired(sweepCtx); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("cleanup").Inc()
			m.logger.Warn("Failed to clean up expired sessions", "error", err)
		} else if removed > 0 {
			m.logger.Info("Expired sessions removed from store", "count", removed)
		}

		ids, err := m.store.ListActiveIDs(sweepCtx)
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("list").Inc()
			m.logger.Error("Sweeper failed to list active sessions", "error", err)
			return 0
		}
		active := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			active[id] = struct{}{}
		}
		for _, s := range cached {
			if _, ok := active[s.ID]; !ok && !s.Connected() {
				stale = append(stale, s)
			}
		}
	}

	evicted := 0
	for _, s := range stale {
		if m.evictIdle(s) {
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info("Sweeper evicted sessions", "count", evicted)
	}
	return evicted
}

// StartSweeper runs SweepExpired every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", interval, "expiry", m.expiry)

		for {
			select {
			case <-ticker.C:
				m.SweepExpired(ctx)
			case <-ctx.Done():
				m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Close persists and closes every cached session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	metrics.CacheSize.Set(0)

	for _, s := range sessions {
		if err := m.Persist(context.Background(), s); err != nil {
			m.logger.Warn("Failed to persist session on shutdown", "session_id", s.ID, "error", err)
		}
		s.close("server shutting down")
	}
}
