package uistate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobs(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"jobId":"%d","title":"Job %d"}`, i, i))
	}
	return out
}

// recorder collects delivered snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) OnStateUpdate(_ context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) get(i int) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[i]
}

func TestUpdateSearchTruncatesAndSwitchesView(t *testing.T) {
	s := New(nil)
	s.UpdateDetail(json.RawMessage(`{"jobId":"1"}`))

	s.UpdateSearch("cloud architect", "Switzerland", jobs(12), 42)

	got := s.GetState()
	assert.Equal(t, ViewSearch, got.ViewMode)
	assert.Equal(t, 42, got.Search.TotalCount)
	assert.Equal(t, "cloud architect", got.Search.Query)
	assert.Equal(t, "Switzerland", got.Search.Country)
	assert.Len(t, got.Search.Results, MaxResults)
}

func TestUpdateDetailAndResetView(t *testing.T) {
	s := New(nil)
	s.UpdateSearch("engineer", "", jobs(2), 2)
	s.UpdateDetail(json.RawMessage(`{"jobId":"7"}`))

	got := s.GetState()
	assert.Equal(t, ViewDetail, got.ViewMode)
	assert.JSONEq(t, `{"jobId":"7"}`, string(got.CurrentJob))

	s.ResetView()
	got = s.GetState()
	assert.Equal(t, ViewSearch, got.ViewMode)
	assert.Nil(t, got.CurrentJob)
	assert.Len(t, got.Search.Results, 2, "reset view keeps results")
}

func TestResetStateIsTerminal(t *testing.T) {
	s := New(nil)
	s.UpdateSearch("pm", "US", jobs(3), 3)
	s.UpdateDetail(json.RawMessage(`{"jobId":"1"}`))
	s.ResetState()
	first, err := json.Marshal(s.GetState())
	require.NoError(t, err)

	s.ResetState()
	second, err := json.Marshal(s.GetState())
	require.NoError(t, err)

	initial, err := json.Marshal(Initial())
	require.NoError(t, err)
	assert.JSONEq(t, string(initial), string(first))
	assert.JSONEq(t, string(initial), string(second))
}

func TestSnapshotJSONShape(t *testing.T) {
	data, err := json.Marshal(Initial())
	require.NoError(t, err)
	assert.JSONEq(t, `{"search":{"query":"","country":"","results":[],"total_count":0},"current_job":null,"view_mode":"search"}`, string(data))
}

func TestGetStateReturnsCopy(t *testing.T) {
	s := New(nil)
	s.UpdateSearch("x", "", jobs(2), 2)

	snap := s.GetState()
	snap.Search.Results[0] = json.RawMessage(`{"mutated":true}`)

	assert.JSONEq(t, `{"jobId":"0","title":"Job 0"}`, string(s.GetState().Search.Results[0]))
}

func TestListenersReceiveOrderedSnapshots(t *testing.T) {
	s := New(nil)
	rec := &recorder{}
	s.AddListener(rec)

	s.UpdateSearch("a", "", jobs(1), 1)
	s.UpdateDetail(json.RawMessage(`{"jobId":"0"}`))
	s.ResetView()

	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ViewSearch, rec.get(0).ViewMode)
	assert.Equal(t, ViewDetail, rec.get(1).ViewMode)
	assert.NotNil(t, rec.get(1).CurrentJob)
	assert.Equal(t, ViewSearch, rec.get(2).ViewMode)
	assert.Nil(t, rec.get(2).CurrentJob)
}

func TestSubscribeDeliversCurrentStateFirst(t *testing.T) {
	s := New(nil)
	s.UpdateSearch("sre", "", jobs(2), 2)

	rec := &recorder{}
	s.Subscribe(rec)
	s.ResetState()

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sre", rec.get(0).Search.Query)
	assert.Equal(t, Initial(), rec.get(1))
}

func TestSlowOrFailingListenerDoesNotBlockOthers(t *testing.T) {
	s := New(nil)
	block := make(chan struct{})
	defer close(block)

	s.AddListener(ListenerFunc(func(ctx context.Context, _ Snapshot) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	s.AddListener(ListenerFunc(func(context.Context, Snapshot) error {
		return errors.New("boom")
	}))
	rec := &recorder{}
	s.AddListener(rec)

	s.UpdateSearch("a", "", nil, 0)
	s.ResetState()

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemovedListenerIsNotInvoked(t *testing.T) {
	s := New(nil)
	rec := &recorder{}
	id := s.AddListener(rec)

	s.UpdateSearch("a", "", nil, 0)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	s.RemoveListener(id)
	assert.Equal(t, 0, s.ListenerCount())

	s.UpdateSearch("b", "", nil, 0)
	s.ResetState()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestRemoveDuringDeliveryWaitsForInFlight(t *testing.T) {
	s := New(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	id := s.AddListener(ListenerFunc(func(context.Context, Snapshot) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-release
		}
		return nil
	}))

	s.UpdateSearch("a", "", nil, 0)
	<-entered
	s.UpdateSearch("b", "", nil, 0)

	removed := make(chan struct{})
	go func() {
		s.RemoveListener(id)
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("RemoveListener returned while delivery in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-removed

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "queued snapshot must not be delivered after removal")
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	s := New(nil)
	rec := &recorder{}
	s.AddListener(rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.UpdateDetail(json.RawMessage(`{"jobId":"d"}`))
		}()
		go func() {
			defer wg.Done()
			s.ResetView()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.len() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, snap := range rec.snaps {
		if snap.ViewMode == ViewDetail {
			assert.NotNil(t, snap.CurrentJob)
		} else {
			assert.Nil(t, snap.CurrentJob)
		}
	}
}

func TestRestoreFallsBackOnInvalidViewMode(t *testing.T) {
	s := New(nil)
	err := s.Restore([]byte(`{"search":{"query":"data","country":"DE","results":[{"jobId":"1"}],"total_count":9},"current_job":null,"view_mode":"carousel"}`))
	assert.Error(t, err)

	got := s.GetState()
	assert.Equal(t, ViewSearch, got.ViewMode)
	assert.Equal(t, "data", got.Search.Query)
	assert.Equal(t, 9, got.Search.TotalCount)
}

func TestRestoreSkipsEmptyQueryAndBadFields(t *testing.T) {
	s := New(nil)
	err := s.Restore([]byte(`{"search":{"query":"","results":[{"jobId":"1"}],"total_count":1},"view_mode":"detail"}`))
	assert.NoError(t, err)

	got := s.GetState()
	assert.Empty(t, got.Search.Results)
	assert.Equal(t, ViewSearch, got.ViewMode, "detail without a job falls back to search")

	err = s.Restore([]byte(`not json`))
	assert.Error(t, err)
	assert.Equal(t, Initial().ViewMode, s.GetState().ViewMode)
}

func TestRestoreDoesNotNotify(t *testing.T) {
	s := New(nil)
	rec := &recorder{}
	s.AddListener(rec)

	require.NoError(t, s.Restore([]byte(`{"view_mode":"search"}`)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestCloseStopsDelivery(t *testing.T) {
	s := New(nil)
	rec := &recorder{}
	s.AddListener(rec)
	s.Close()

	s.UpdateSearch("a", "", nil, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 0, s.ListenerCount())
}
