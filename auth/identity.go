// Package auth carries the authenticated identity through request contexts
// and decides who may perform administrative operations.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthenticated is returned when no identity is present.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden is returned when the identity lacks the required role.
	ErrForbidden = errors.New("administrator access required")
)

// Identity is the authenticated user behind a request.
type Identity struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Username != ""
}

// Actor returns the username in ctx, or "" when unauthenticated.
func Actor(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Username
}
