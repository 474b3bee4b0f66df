package auth

import "context"

// Authorize reports whether the identity in ctx holds one of the required
// roles. It fails closed: no identity, an invalid role or an empty required
// set all deny. Roles are compared by membership only; there is no hierarchy.
func Authorize(ctx context.Context, required ...Role) bool {
	id, ok := IdentityFromContext(ctx)
	if !ok || !id.Role.Valid() {
		return false
	}
	for _, r := range required {
		if r == id.Role {
			return true
		}
	}
	return false
}

// Require is Authorize expressed as an error: ErrUnauthorized when ctx carries
// no identity, ErrForbidden when the role does not match.
func Require(ctx context.Context, required ...Role) error {
	if _, ok := IdentityFromContext(ctx); !ok {
		return ErrUnauthorized
	}
	if !Authorize(ctx, required...) {
		return ErrForbidden
	}
	return nil
}

// SelfOrRole allows the caller whose account id equals accountID, or any caller
// holding one of roles.
func SelfOrRole(ctx context.Context, accountID string, roles ...Role) error {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	if id.AccountID == accountID {
		return nil
	}
	if !Authorize(ctx, roles...) {
		return ErrForbidden
	}
	return nil
}
