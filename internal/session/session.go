// Package session owns per-client session state and its lifecycle.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/jobtalk/internal/domain"
	"github.com/ashureev/jobtalk/internal/jobsearch"
	"github.com/ashureev/jobtalk/internal/uistate"
	"github.com/coder/websocket"
)

// PendingCall is a tool call announced by the backend whose arguments are
// not yet complete.
type PendingCall struct {
	CallID         string
	PreviousItemID string
	CreatedAt      time.Time

	// owner is the client connection whose upstream conversation issued
	// the call. Calls die with their connection.
	owner *websocket.Conn
}

// Session is the state bound to one logical client.
type Session struct {
	ID   string
	UI   *uistate.Store
	Jobs *jobsearch.Searcher

	createdAt time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	pending      map[string]*PendingCall
	conn         *websocket.Conn
	lastActivity time.Time
	closed       bool
	deleted      bool
}

func newSession(id string, api jobsearch.API, logger *slog.Logger, now time.Time) *Session {
	logger = logger.With("session_id", id)
	ui := uistate.New(logger)
	return &Session{
		ID:           id,
		UI:           ui,
		Jobs:         jobsearch.NewSearcher(api, ui),
		createdAt:    now,
		logger:       logger,
		pending:      make(map[string]*PendingCall),
		lastActivity: now,
	}
}

// Attach makes conn the session's live client connection. A previous
// connection is closed in the background and its pending calls are
// dropped. It returns false once the session has been closed.
func (s *Session) Attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	old := s.conn
	s.conn = conn
	s.lastActivity = time.Now()
	dropped := s.dropCallsLocked(func(c *PendingCall) bool { return c.owner != conn })
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("Dropped pending calls of previous connection", "count", dropped)
	}
	if old != nil && old != conn {
		s.logger.Info("Client connection replaced")
		go func() {
			_ = old.Close(websocket.StatusNormalClosure, "session replaced")
		}()
	}
	return true
}

// Detach drops the pending calls owned by conn and clears conn if it is
// still the live connection. It reports whether conn was live.
func (s *Session) Detach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCallsLocked(func(c *PendingCall) bool { return c.owner == conn })
	if s.conn != conn {
		return false
	}
	s.conn = nil
	s.lastActivity = time.Now()
	return true
}

// retire marks an idle session closed so no connection can attach to it.
// It fails while a client is attached.
func (s *Session) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	s.closed = true
	return true
}

// Conn returns the live client connection, if any.
func (s *Session) Conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether a client is attached to an open session.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// closeConn marks the session closed and closes the live connection, if
// any. The handle is left in place so the relay's Detach still reports
// the connection as live.
func (s *Session) closeConn(reason string) {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// TrackCall records a call announced on owner's upstream conversation. It
// returns true if the call id was new. A later announcement may fill in a
// previous item id that the first one lacked.
func (s *Session) TrackCall(owner *websocket.Conn, callID, previousItemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[callID]; ok && existing.owner == owner {
		if existing.PreviousItemID == "" {
			existing.PreviousItemID = previousItemID
		}
		return false
	}
	s.pending[callID] = &PendingCall{
		CallID:         callID,
		PreviousItemID: previousItemID,
		CreatedAt:      time.Now(),
		owner:          owner,
	}
	return true
}

// TakeCall removes and returns owner's pending call. Only the first caller
// for a call id gets it, so each call is dispatched at most once.
func (s *Session) TakeCall(owner *websocket.Conn, callID string) (*PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.pending[callID]
	if !ok || call.owner != owner {
		return nil, false
	}
	delete(s.pending, callID)
	return call, true
}

// ClearCalls drops owner's pending calls and returns how many there were.
// Calls of other connections are left alone.
func (s *Session) ClearCalls(owner *websocket.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropCallsLocked(func(c *PendingCall) bool { return c.owner == owner })
}

func (s *Session) dropCallsLocked(match func(*PendingCall) bool) int {
	n := 0
	for id, c := range s.pending {
		if match(c) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// PendingIDs returns the sorted ids of pending calls.
func (s *Session) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears the job searcher and then the UI state.
func (s *Session) Reset() {
	s.Jobs.Reset()
	s.UI.ResetState()
}

// Record returns the durable subset of the session.
func (s *Session) Record() (*domain.SessionRecord, error) {
	ui, err := json.Marshal(s.UI.GetState())
	if err != nil {
		return nil, fmt.Errorf("marshal ui state: %w", err)
	}
	jobs, err := json.Marshal(s.Jobs.State())
	if err != nil {
		return nil, fmt.Errorf("marshal job search state: %w", err)
	}

	return &domain.SessionRecord{
		SessionID:      s.ID,
		CreatedAt:      s.createdAt,
		LastActivity:   s.LastActivity(),
		UIState:        ui,
		JobSearch:      jobs,
		PendingCallIDs: s.PendingIDs(),
	}, nil
}

// restore rehydrates durable fields. Pending calls and the connection stay
// empty: a restored session starts a new backend conversation.
func (s *Session) restore(rec *domain.SessionRecord) {
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	if len(rec.UIState) > 0 {
		if err := s.UI.Restore(rec.UIState); err != nil {
			s.logger.Warn("UI state restored with defaults", "error", err)
		}
	}
	if len(rec.JobSearch) > 0 {
		var st jobsearch.State
		if err := json.Unmarshal(rec.JobSearch, &st); err != nil {
			s.logger.Warn("Discarding malformed job search state", "error", err)
		} else {
			s.Jobs.Restore(st)
		}
	}
	if len(rec.PendingCallIDs) > 0 {
		s.logger.Debug("Dropping pending calls from previous connection", "count", len(rec.PendingCallIDs))
	}
}

// close releases listeners and the live connection.
func (s *Session) close(reason string) {
	s.closeConn(reason)
	s.UI.Close()
}

// discard closes a session whose record is being deleted. It is never
// persisted again.
func (s *Session) discard(reason string) {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	s.close(reason)
}

func (s *Session) isDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// UIAction is a client message handled locally and never sent upstream.
type UIAction string

// UI actions.
const (
	UIResetState        UIAction = "reset_state"
	UIManualSearch      UIAction = "manual_search"
	UISelectJob         UIAction = "select_job"
	UIViewSearchResults UIAction = "view_search_results"
)

// UIMessage is the client frame carrying a UIAction.
type UIMessage struct {
	Type UIAction `json:"type"`
	Data struct {
		Query   string `json:"query"`
		Country string `json:"country"`
		JobID   string `json:"job_id"`
	} `json:"data"`
}

// HandleUIMessage applies a UI action. Search and selection failures are
// returned for logging; state is left unchanged.
func (s *Session) HandleUIMessage(ctx context.Context, msg UIMessage) error {
	s.Touch()
	switch msg.Type {
	case UIResetState:
		s.Reset()
	case UIManualSearch:
		if msg.Data.Query == "" {
			return nil
		}
		if _, err := s.Jobs.SearchJobs(ctx, msg.Data.Query, msg.Data.Country); err != nil {
			return fmt.Errorf("manual search: %w", err)
		}
	case UISelectJob:
		if msg.Data.JobID == "" {
			return nil
		}
		if _, err := s.Jobs.DisplayJob(ctx, msg.Data.JobID); err != nil {
			return fmt.Errorf("select job: %w", err)
		}
	case UIViewSearchResults:
		s.UI.ResetView()
	default:
		return fmt.Errorf("unknown ui action %q", msg.Type)
	}
	return nil
}
