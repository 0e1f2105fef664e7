// Package auth supplies credentials for the upstream realtime connection.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoCredential is returned when no usable key or token is available.
var ErrNoCredential = errors.New("no upstream credential available")

// Credential adds authentication headers to the upstream handshake.
type Credential interface {
	Apply(ctx context.Context, h http.Header) error
}

// StaticKey authenticates with a fixed api-key header.
type StaticKey string

// Apply sets the api-key header.
func (k StaticKey) Apply(_ context.Context, h http.Header) error {
	if k == "" {
		return ErrNoCredential
	}
	h.Set("api-key", string(k))
	return nil
}
