// Package uistate holds the per-session view model pushed to clients and
// fans out every change to registered listeners.
package uistate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// MaxResults bounds the number of search results kept in a snapshot.
const MaxResults = 5

// ViewMode selects which panel the client renders.
type ViewMode string

// View modes.
const (
	ViewSearch ViewMode = "search"
	ViewDetail ViewMode = "detail"
)

// Valid reports whether m is a known view mode.
func (m ViewMode) Valid() bool {
	return m == ViewSearch || m == ViewDetail
}

// SearchState is the last search shown to the user.
type SearchState struct {
	Query      string            `json:"query"`
	Country    string            `json:"country"`
	Results    []json.RawMessage `json:"results"`
	TotalCount int               `json:"total_count"`
}

// Snapshot is a full copy of the UI state. Result and detail items are
// opaque JSON documents and are never mutated after being stored.
type Snapshot struct {
	Search     SearchState     `json:"search"`
	CurrentJob json.RawMessage `json:"current_job"`
	ViewMode   ViewMode        `json:"view_mode"`
}

// Initial returns the snapshot of a freshly created store.
func Initial() Snapshot {
	return Snapshot{
		Search:   SearchState{Results: []json.RawMessage{}},
		ViewMode: ViewSearch,
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Search.Results = append([]json.RawMessage(nil), s.Search.Results...)
	if out.Search.Results == nil {
		out.Search.Results = []json.RawMessage{}
	}
	return out
}

// Store is one session's mutable view model. All mutations are serialized
// and each produces exactly one notification carrying the full snapshot.
type Store struct {
	mu        sync.Mutex
	state     Snapshot
	listeners map[ListenerID]*mailbox
	nextID    ListenerID
	closed    bool
	logger    *slog.Logger
}

// New creates a store in its initial state.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:     Initial(),
		listeners: make(map[ListenerID]*mailbox),
		logger:    logger,
	}
}

// UpdateSearch replaces the search state and switches to the search view.
// Results beyond MaxResults are dropped.
func (s *Store) UpdateSearch(query, country string, results []json.RawMessage, totalCount int) {
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	kept := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		kept = append(kept, cloneRaw(r))
	}

	s.mutate(func(st *Snapshot) {
		st.Search = SearchState{
			Query:      query,
			Country:    country,
			Results:    kept,
			TotalCount: totalCount,
		}
		st.ViewMode = ViewSearch
	})
}

// UpdateDetail shows item in the detail view.
func (s *Store) UpdateDetail(item json.RawMessage) {
	item = cloneRaw(item)
	s.mutate(func(st *Snapshot) {
		st.CurrentJob = item
		st.ViewMode = ViewDetail
	})
}

// ResetView returns to the search view, keeping existing results.
func (s *Store) ResetView() {
	s.mutate(func(st *Snapshot) {
		st.CurrentJob = nil
		st.ViewMode = ViewSearch
	})
}

// ResetState clears everything back to Initial in a single notification.
func (s *Store) ResetState() {
	s.mutate(func(st *Snapshot) {
		*st = Initial()
	})
}

// GetState returns a copy of the current snapshot.
func (s *Store) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Restore loads a persisted snapshot without notifying listeners.
// Each field is decoded independently; a field that fails to decode keeps
// its initial value and an unknown view mode falls back to ViewSearch.
// The returned error only reports what was skipped.
func (s *Store) Restore(data []byte) error {
	restored := Initial()
	var skipped []string

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		s.mu.Lock()
		s.state = restored
		s.mu.Unlock()
		return fmt.Errorf("decode ui state: %w", err)
	}

	if raw, ok := fields["search"]; ok && !isNull(raw) {
		var search SearchState
		if err := json.Unmarshal(raw, &search); err != nil {
			skipped = append(skipped, "search")
		} else if search.Query != "" {
			if len(search.Results) > MaxResults {
				search.Results = search.Results[:MaxResults]
			}
			if search.Results == nil {
				search.Results = []json.RawMessage{}
			}
			restored.Search = search
		}
	}

	if raw, ok := fields["current_job"]; ok && !isNull(raw) {
		restored.CurrentJob = cloneRaw(raw)
	}

	if raw, ok := fields["view_mode"]; ok {
		var mode string
		if err := json.Unmarshal(raw, &mode); err != nil || !ViewMode(mode).Valid() {
			skipped = append(skipped, "view_mode")
		} else {
			restored.ViewMode = ViewMode(mode)
		}
	}
	if restored.ViewMode == ViewDetail && restored.CurrentJob == nil {
		restored.ViewMode = ViewSearch
	}

	s.mu.Lock()
	s.state = restored
	s.mu.Unlock()

	if len(skipped) > 0 {
		return fmt.Errorf("ui state fields reset to defaults: %v", skipped)
	}
	return nil
}

// mutate applies fn and enqueues the resulting snapshot to every listener
// while still holding the lock, so per-listener delivery order matches
// mutation order.
func (s *Store) mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	if s.closed {
		return
	}
	snap := s.state.clone()
	for _, mb := range s.listeners {
		mb.enqueue(snap)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
