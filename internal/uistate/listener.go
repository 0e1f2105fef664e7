package uistate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	mailboxSize       = 16
	slowListenerDelay = 100 * time.Millisecond
)

// Listener receives every snapshot produced by a Store.
type Listener interface {
	OnStateUpdate(ctx context.Context, snap Snapshot) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, snap Snapshot) error

// OnStateUpdate calls f.
func (f ListenerFunc) OnStateUpdate(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// ListenerID identifies a registration returned by AddListener.
type ListenerID uint64

// AddListener registers l. Each listener gets its own delivery goroutine so
// a slow or failing listener never delays the others.
func (s *Store) AddListener(l Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	mb := newMailbox(id, l, s.logger)
	if s.closed {
		mb.stop()
		return id
	}
	s.listeners[id] = mb
	return id
}

// Subscribe registers l and queues the current snapshot as its first
// delivery. No mutation can slip between the two.
func (s *Store) Subscribe(l Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	mb := newMailbox(id, l, s.logger)
	if s.closed {
		mb.stop()
		return id
	}
	s.listeners[id] = mb
	mb.enqueue(s.state.clone())
	return id
}

// RemoveListener unregisters id. When it returns the listener will not be
// invoked again. It waits for an in-flight delivery to that listener, so it
// must not be called from inside the listener's own OnStateUpdate.
func (s *Store) RemoveListener(id ListenerID) {
	s.mu.Lock()
	mb, ok := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()

	if ok {
		mb.stop()
	}
}

// ListenerCount returns the number of registered listeners.
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Close removes every listener. Mutations after Close still apply but are
// not delivered.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	boxes := make([]*mailbox, 0, len(s.listeners))
	for id, mb := range s.listeners {
		boxes = append(boxes, mb)
		delete(s.listeners, id)
	}
	s.mu.Unlock()

	for _, mb := range boxes {
		mb.stop()
	}
}

// mailbox delivers snapshots to one listener in order. When the queue is
// full the oldest snapshot is dropped; every snapshot is a full state, so
// the listener still converges on the latest one.
type mailbox struct {
	id       ListenerID
	listener Listener
	queue    chan Snapshot
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *slog.Logger

	// deliverMu is held for the duration of each invocation and by stop,
	// so no invocation can start after stop returns.
	deliverMu sync.Mutex
	stopped   bool
}

func newMailbox(id ListenerID, l Listener, logger *slog.Logger) *mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	mb := &mailbox{
		id:       id,
		listener: l,
		queue:    make(chan Snapshot, mailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
	}
	go mb.run()
	return mb
}

func (m *mailbox) enqueue(snap Snapshot) {
	select {
	case m.queue <- snap:
		return
	case <-m.ctx.Done():
		return
	default:
	}

	select {
	case <-m.queue:
		m.logger.Warn("UI listener queue full, dropped oldest snapshot", "listener_id", m.id)
	default:
	}

	select {
	case m.queue <- snap:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("UI listener queue full after drop", "listener_id", m.id)
	}
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case snap := <-m.queue:
			m.deliver(snap)
		}
	}
}

func (m *mailbox) deliver(snap Snapshot) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if m.stopped || m.ctx.Err() != nil {
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("UI listener panicked", "listener_id", m.id, "panic", r)
		}
	}()

	if err := m.listener.OnStateUpdate(m.ctx, snap); err != nil {
		m.logger.Warn("UI listener failed", "listener_id", m.id, "error", err)
	}
	if d := time.Since(start); d > slowListenerDelay {
		m.logger.Debug("Slow UI listener", "listener_id", m.id, "duration_ms", d.Milliseconds())
	}
}

func (m *mailbox) stop() {
	m.cancel()
	m.deliverMu.Lock()
	m.stopped = true
	m.deliverMu.Unlock()
	<-m.done
}
