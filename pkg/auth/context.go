package auth

import (
	"context"

	"github.com/sark-gateway/sark/pkg/apikeys"
)

// Authentication methods an identity can arrive by.
const (
	MethodSession = "session"
	MethodAPIKey  = "api_key"
)

// Identity is the authenticated caller attached to a request context by the
// facade's authentication middleware.
type Identity struct {
	Principal *Principal

	// SessionID is set for session (bearer token) authentication.
	SessionID string

	// APIKey is set for API key authentication and carries the key's scopes.
	APIKey *apikeys.APIKeyPrincipal

	Method string
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	if id == nil || id.Principal == nil {
		return false
	}
	for _, r := range id.Principal.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// WithIdentity attaches the authenticated caller to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFrom returns the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok && id != nil
}
