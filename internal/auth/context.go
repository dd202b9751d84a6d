// ABOUTME: Request identity carried through handlers via context
// ABOUTME: The subject of the verified token is the owner used for thread access checks

package auth

import "context"

// AnonymousOwner is the identity used when authentication is disabled and the
// caller did not name itself.
const AnonymousOwner = "anonymous"

// Identity is the authenticated caller
type Identity struct {
	Subject       string
	Authenticated bool
}

type identityKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller identity, or nil if none was attached.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// OwnerFromContext returns the caller's subject, falling back to AnonymousOwner.
func OwnerFromContext(ctx context.Context) string {
	if id := FromContext(ctx); id != nil && id.Subject != "" {
		return id.Subject
	}
	return AnonymousOwner
}
