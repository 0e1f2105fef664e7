// Package identity resolves the session id a client connection is bound to.
package identity

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	SessionQueryParam = "sid"
	SessionHeaderName = "X-Session-ID"
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a copy of ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SanitizeSessionID trims id and reports whether it is usable as a
// session key.
func SanitizeSessionID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func sessionIDFromRequest(r *http.Request) (string, bool) {
	sid := r.URL.Query().Get(SessionQueryParam)
	if sid == "" {
		sid = r.Header.Get(SessionHeaderName)
	}
	return SanitizeSessionID(sid)
}

// Middleware injects the request's session ID. Requests without a valid id
// get fallback, or are rejected with 400 when fallback is empty.
func Middleware(fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, ok := sessionIDFromRequest(r)
			if !ok {
				if fallback == "" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": "session id (sid) query parameter is required",
					})
					return
				}
				sessionID = fallback
			}
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
