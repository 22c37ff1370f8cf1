package api

import (
	"context"

	"github.com/hyperengineering/citytailor/internal/learning"
)

// Identity headers set by the auth/session collaborator in front of this service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// Identity is the caller as resolved from request headers. Both ids are opaque.
type Identity struct {
	UserID    string
	SessionID string
}

// Owner returns the rule owner for this identity.
func (id Identity) Owner() string {
	return learning.ResolveUser(id.UserID, id.SessionID)
}

// Anonymous reports whether no user id was supplied.
func (id Identity) Anonymous() bool {
	return id.UserID == ""
}

type identityContextKey struct{}

// WithIdentity returns a new context with the caller identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller identity. A missing identity is anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey{}).(Identity)
	return id
}
