package auth

import "context"

// Identity is what downstream handlers learn about the caller.
type Identity struct {
	AccountID string `json:"account_id"`
	Role      Role   `json:"role"`
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || v.AccountID == "" {
		return Identity{}, false
	}
	return v, true
}
