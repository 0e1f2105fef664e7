// Package store provides durable session storage.
package store

import (
	"context"
	"time"

	"github.com/ashureev/jobtalk/internal/domain"
)

// Key layout shared by the backends.
const (
	SessionKeyPrefix  = "jobsearch:session:"
	ActiveSessionsKey = "jobsearch:active_sessions"
)

// SessionStore persists session records with an idle expiry. A missing or
// expired record is reported as nil with a nil error.
type SessionStore interface {
	// Get returns the record for id.
	Get(ctx context.Context, id string) (*domain.SessionRecord, error)

	// Set writes rec and refreshes its expiry to ttl from now.
	Set(ctx context.Context, rec *domain.SessionRecord, ttl time.Duration) error

	// Delete removes the record and its active-set membership.
	Delete(ctx context.Context, id string) error

	// ListActiveIDs returns ids the store still considers live.
	ListActiveIDs(ctx context.Context) ([]string, error)

	// CleanupExpired drops bookkeeping for lapsed sessions and returns how
	// many were removed.
	CleanupExpired(ctx context.Context) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// SessionKey returns the namespaced key of a session.
func SessionKey(id string) string {
	return SessionKeyPrefix + id
}
