package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultRefreshPeriod is how often the token file is re-read.
	DefaultRefreshPeriod = 60 * time.Second
	// ExpirySkew is how close to expiry a cached token is re-read on use.
	ExpirySkew = 2 * time.Minute
)

// TokenFile is a bearer token read from a file that an external agent keeps
// fresh. The file is re-read on a ticker, and on demand when the cached
// token's exp claim is close.
type TokenFile struct {
	path          string
	refreshPeriod time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time
}

// NewTokenFile creates a token source for path.
func NewTokenFile(path string, refreshPeriod time.Duration) *TokenFile {
	if refreshPeriod <= 0 {
		refreshPeriod = DefaultRefreshPeriod
	}
	return &TokenFile{
		path:          path,
		refreshPeriod: refreshPeriod,
		now:           time.Now,
	}
}

// Start loads the token and refreshes it until ctx is done.
func (t *TokenFile) Start(ctx context.Context) error {
	if err := t.refresh(); err != nil {
		return fmt.Errorf("load initial token: %w", err)
	}

	ticker := time.NewTicker(t.refreshPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.refresh(); err != nil {
					slog.Warn("Failed to refresh upstream token", "path", t.path, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Token returns the current token, re-reading the file if the cached one
// is missing or about to expire.
func (t *TokenFile) Token() (string, error) {
	t.mu.RLock()
	token, expires := t.token, t.expires
	t.mu.RUnlock()

	if token == "" || (!expires.IsZero() && t.now().Add(ExpirySkew).After(expires)) {
		if err := t.refresh(); err != nil {
			return "", err
		}
		t.mu.RLock()
		token, expires = t.token, t.expires
		t.mu.RUnlock()
	}

	if token == "" {
		return "", ErrNoCredential
	}
	if !expires.IsZero() && !t.now().Before(expires) {
		return "", fmt.Errorf("%w: token expired at %s", ErrNoCredential, expires.Format(time.RFC3339))
	}
	return token, nil
}

// Apply sets the Authorization header.
func (t *TokenFile) Apply(_ context.Context, h http.Header) error {
	token, err := t.Token()
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *TokenFile) refresh() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))

	t.mu.Lock()
	t.token = token
	t.expires = expiryOf(token)
	t.mu.Unlock()
	return nil
}

// expiryOf returns the exp claim of a JWT, or zero for opaque tokens. The
// signature is not checked; the upstream service does that.
func expiryOf(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
