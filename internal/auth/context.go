// ABOUTME: Caller identity carried through request handlers via context
// ABOUTME: Provides WithIdentity/FromContext used by every authenticated route

package auth

import (
	"context"

	"github.com/convogrid/convogrid/internal/store"
)

// Identity is the resolved caller of a request. Exactly one
// authenticator in the chain produces it.
type Identity struct {
	// User is set for credentialed callers (API key). Nil for widget
	// embeds, which authenticate a channel rather than a person.
	User   *store.User
	TeamID string
	// Channel is set when the request was authenticated by a widget
	// embed key.
	Channel *store.Channel
	// Method records which authenticator succeeded: "api_key" or "embed".
	Method string
}

// Staff reports whether the caller holds elevated staff permission.
func (id *Identity) Staff() bool {
	return id.User != nil && id.User.Staff
}

// identityKey is the context key type for Identity.
type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity, nil if the request is anonymous.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
