package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/jobtalk/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string) *domain.SessionRecord {
	now := time.Now()
	return &domain.SessionRecord{
		SessionID:      id,
		CreatedAt:      now,
		LastActivity:   now,
		UIState:        json.RawMessage(`{"view_mode":"detail","current_job":{"jobId":"1"}}`),
		JobSearch:      json.RawMessage(`{"search_query":"pm"}`),
		PendingCallIDs: []string{"call_1"},
	}
}

// contract exercises the behavior every SessionStore must share.
func contract(t *testing.T, s SessionStore) {
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, record("a"), time.Hour))
	require.NoError(t, s.Set(ctx, record("b"), time.Hour))

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.SessionID)
	assert.JSONEq(t, `{"view_mode":"detail","current_job":{"jobId":"1"}}`, string(got.UIState))
	assert.JSONEq(t, `{"search_query":"pm"}`, string(got.JobSearch))
	assert.Equal(t, []string{"call_1"}, got.PendingCallIDs)

	updated := record("a")
	updated.UIState = json.RawMessage(`{"view_mode":"search"}`)
	require.NoError(t, s.Set(ctx, updated, time.Hour))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"view_mode":"search"}`, string(got.UIState))

	ids, err := s.ListActiveIDs(ctx)
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(ctx, "a"))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err = s.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestSQLiteStoreContract(t *testing.T) {
	contract(t, newSQLite(t))
}

func TestSQLiteStoreExpiry(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, record("short"), time.Minute))
	require.NoError(t, s.Set(ctx, record("long"), time.Hour))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }

	got, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got, "expired record is reported missing")

	ids, err := s.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, ids)

	deleted, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestSQLiteStorePing(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newRedis(t)
	contract(t, s)

	removed, err := s.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, record("short"), time.Minute))
	require.NoError(t, s.Set(ctx, record("long"), time.Hour))
	assert.Equal(t, time.Minute, mr.TTL(SessionKey("short")))

	mr.FastForward(2 * time.Minute)

	got, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got, "expired record is reported missing")

	ids, err := s.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, ids)

	members, err := mr.SMembers(ActiveSessionsKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"short", "long"}, members, "listing leaves the set alone")

	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	members, err = mr.SMembers(ActiveSessionsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, members)
}

func TestRedisStoreDropsCorruptRecord(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(SessionKey("bad"), "not json"))
	_, err := mr.SAdd(ActiveSessionsKey, "bad")
	require.NoError(t, err)

	got, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(SessionKey("bad")))
	member, err := mr.IsMember(ActiveSessionsKey, "bad")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestRedisStorePingFailsWhenServerStops(t *testing.T) {
	s, mr := newRedis(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)

	_, err = RedisOptions("http://nope")
	assert.Error(t, err)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "jobsearch:session:abc", SessionKey("abc"))
}
