package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/jobtalk/internal/domain"
	"github.com/ashureev/jobtalk/internal/uistate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-process SessionStore.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*domain.SessionRecord
	gets    int
	sets    int
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*domain.SessionRecord)}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) Get(_ context.Context, id string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failAll {
		return nil, errStoreDown
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) Set(_ context.Context, rec *domain.SessionRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failAll {
		return errStoreDown
	}
	cp := *rec
	f.records[rec.SessionID] = &cp
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	delete(f.records, id)
	return nil
}

func (f *fakeStore) ListActiveIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errStoreDown
	}
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) CleanupExpired(context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) Ping(context.Context) error                    { return nil }
func (f *fakeStore) Close() error                                  { return nil }

func TestGetOrCreateConcurrentSingleWinner(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})

	const callers = 32
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := m.GetOrCreate(context.Background(), "X")
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, m.Len())
	st.mu.Lock()
	assert.Equal(t, 1, st.sets, "new session persisted once")
	st.mu.Unlock()
}

func TestGetOrCreateRejectsEmptyID(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}})
	_, err := m.GetOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestGetOrCreateRestoresFromStore(t *testing.T) {
	st := newFakeStore()
	st.records["r1"] = &domain.SessionRecord{
		SessionID:      "r1",
		CreatedAt:      time.Now().Add(-time.Hour),
		LastActivity:   time.Now(),
		UIState:        json.RawMessage(`{"search":{"query":"sre","country":"","results":[{"jobId":"1"}],"total_count":1},"current_job":null,"view_mode":"gallery"}`),
		JobSearch:      json.RawMessage(`{"search_query":"sre"}`),
		PendingCallIDs: []string{"call_old"},
	}
	m := NewManager(Options{Store: st, API: &stubAPI{}})

	s, err := m.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	snap := s.UI.GetState()
	assert.Equal(t, uistate.ViewSearch, snap.ViewMode, "invalid view mode falls back")
	assert.Equal(t, "sre", snap.Search.Query)
	assert.Equal(t, "sre", s.Jobs.State().SearchQuery)
	assert.Empty(t, s.PendingIDs())
	assert.False(t, s.Connected())
}

func TestGetOrCreateDegradesWhenStoreFails(t *testing.T) {
	st := newFakeStore()
	st.failAll = true
	m := NewManager(Options{Store: st, API: &stubAPI{}})

	s, err := m.GetOrCreate(context.Background(), "y")
	require.NoError(t, err)
	assert.Equal(t, "y", s.ID)

	again, err := m.GetOrCreate(context.Background(), "y")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Error(t, m.Persist(context.Background(), s))
}

func TestPersistWritesDurableSubset(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})
	s, err := m.GetOrCreate(context.Background(), "p")
	require.NoError(t, err)

	s.UI.UpdateDetail(json.RawMessage(`{"jobId":"5"}`))
	s.TrackCall(nil, "call_1", "")
	require.NoError(t, m.Persist(context.Background(), s))

	rec := st.records["p"]
	require.NotNil(t, rec)
	assert.Contains(t, string(rec.UIState), `"view_mode":"detail"`)
	assert.Equal(t, []string{"call_1"}, rec.PendingCallIDs)
}

func TestPersistWithoutStoreIsNoop(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}})
	s, err := m.GetOrCreate(context.Background(), "mem")
	require.NoError(t, err)
	assert.NoError(t, m.Persist(context.Background(), s))
	assert.False(t, m.Durable())
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})
	s, err := m.GetOrCreate(context.Background(), "d")
	require.NoError(t, err)
	conn := dialPair(t)
	s.Attach(conn)

	require.NoError(t, m.Delete(context.Background(), "d"))

	_, ok := m.Get("d")
	assert.False(t, ok)
	assert.NotContains(t, st.records, "d")
	assert.False(t, s.Connected())
}

func TestSweepEvictsSessionsInactiveInStore(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "keep")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "gone")
	require.NoError(t, err)
	live, err := m.GetOrCreate(ctx, "live")
	require.NoError(t, err)
	live.Attach(dialPair(t))

	st.mu.Lock()
	delete(st.records, "gone")
	delete(st.records, "live")
	st.mu.Unlock()

	assert.Equal(t, 1, m.SweepExpired(ctx))
	_, ok := m.Get("gone")
	assert.False(t, ok)
	_, ok = m.Get("keep")
	assert.True(t, ok)
	_, ok = m.Get("live")
	assert.True(t, ok, "attached sessions are not evicted")
}

func TestSweepWithoutStoreUsesIdleExpiry(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}, Expiry: time.Minute})
	ctx := context.Background()
	_, err := m.GetOrCreate(ctx, "idle")
	require.NoError(t, err)

	assert.Equal(t, 0, m.SweepExpired(ctx))

	now := time.Now()
	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, 1, m.SweepExpired(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestStartSweeperEvictsIdleSessions(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}, Expiry: time.Nanosecond})
	_, err := m.GetOrCreate(context.Background(), "tick")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartSweeper(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAcquireReplacesEvictedSession(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}, Expiry: time.Minute})
	ctx := context.Background()
	old, err := m.GetOrCreate(ctx, "r")
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.Equal(t, 1, m.SweepExpired(ctx))

	conn := dialPair(t)
	assert.False(t, old.Attach(conn), "evicted sessions refuse new clients")

	s, err := m.Acquire(ctx, "r", conn)
	require.NoError(t, err)
	assert.NotSame(t, old, s)
	assert.True(t, s.Connected())
	cached, ok := m.Get("r")
	require.True(t, ok)
	assert.Same(t, s, cached)
}

func TestEvictIdleSkipsAttachedSession(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}})
	s, err := m.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	s.Attach(dialPair(t))

	assert.False(t, m.evictIdle(s))
	_, ok := m.Get("a")
	assert.True(t, ok)
	assert.True(t, s.Connected())
}

func TestEvictIdleLeavesNewerInstanceAlone(t *testing.T) {
	m := NewManager(Options{API: &stubAPI{}})
	ctx := context.Background()
	old, err := m.GetOrCreate(ctx, "n")
	require.NoError(t, err)
	require.True(t, m.evictIdle(old))

	fresh, err := m.GetOrCreate(ctx, "n")
	require.NoError(t, err)
	require.NotSame(t, old, fresh)

	assert.False(t, m.evictIdle(old), "a stale sweep entry must not evict its replacement")
	cached, ok := m.Get("n")
	require.True(t, ok)
	assert.Same(t, fresh, cached)
	assert.True(t, fresh.Attach(dialPair(t)))
}

func TestCloseFlushesSessionsToStore(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})
	s, err := m.GetOrCreate(context.Background(), "c")
	require.NoError(t, err)
	conn := dialPair(t)
	s.Attach(conn)
	s.UI.UpdateDetail(json.RawMessage(`{"jobId":"9"}`))

	m.Close()

	st.mu.Lock()
	rec := st.records["c"]
	st.mu.Unlock()
	require.NotNil(t, rec)
	assert.Contains(t, string(rec.UIState), `"view_mode":"detail"`)
	assert.False(t, s.Connected())
	assert.True(t, s.Detach(conn), "the relay still sees its connection as live")
}

func TestDeletedSessionIsNotPersistedOnDisconnect(t *testing.T) {
	st := newFakeStore()
	m := NewManager(Options{Store: st, API: &stubAPI{}})
	ctx := context.Background()
	s, err := m.GetOrCreate(ctx, "d")
	require.NoError(t, err)
	conn := dialPair(t)
	s.Attach(conn)
	require.NoError(t, m.Persist(ctx, s))

	require.NoError(t, m.Delete(ctx, "d"))
	require.True(t, s.Detach(conn))
	require.NoError(t, m.Persist(ctx, s))

	st.mu.Lock()
	_, ok := st.records["d"]
	st.mu.Unlock()
	assert.False(t, ok, "a deleted session stays deleted")
}
