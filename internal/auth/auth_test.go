package auth

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func writeToken(t *testing.T, path, token string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
}

func TestStaticKey(t *testing.T) {
	h := http.Header{}
	require.NoError(t, StaticKey("k1").Apply(context.Background(), h))
	assert.Equal(t, "k1", h.Get("api-key"))

	assert.ErrorIs(t, StaticKey("").Apply(context.Background(), http.Header{}), ErrNoCredential)
}

func TestTokenFileOpaqueToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "opaque-token")

	src := NewTokenFile(path, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))

	h := http.Header{}
	require.NoError(t, src.Apply(ctx, h))
	assert.Equal(t, "Bearer opaque-token", h.Get("Authorization"))
}

func TestTokenFileRereadsNearExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	now := time.Now()
	old := signed(t, now.Add(time.Minute))
	writeToken(t, path, old)

	src := NewTokenFile(path, time.Hour)
	src.now = func() time.Time { return now }
	require.NoError(t, src.refresh())

	fresh := signed(t, now.Add(time.Hour))
	writeToken(t, path, fresh)

	got, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, fresh, got, "token within skew of expiry is re-read")
}

func TestTokenFileExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, signed(t, time.Now().Add(-time.Minute)))

	src := NewTokenFile(path, time.Hour)
	_, err := src.Token()
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestTokenFileMissing(t *testing.T) {
	src := NewTokenFile(filepath.Join(t.TempDir(), "absent"), time.Hour)
	assert.Error(t, src.Start(context.Background()))
	assert.Error(t, src.Apply(context.Background(), http.Header{}))
}

func TestTokenFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "")

	_, err := NewTokenFile(path, time.Hour).Token()
	assert.ErrorIs(t, err, ErrNoCredential)
}
