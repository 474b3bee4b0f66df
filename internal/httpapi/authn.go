package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ridehub.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth is the access gate: it admits a request only with a valid bearer
// token and attaches the caller's identity to the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		var id auth.Identity
		if err == nil {
			id, err = a.svc.Authenticate(r.Context(), token)
		}
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				a.logger.WarnContext(r.Context(), "authentication failed",
					"reason", auth.Reason(err),
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
				)
			}
			a.writeAuthError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// RequireRole is the role gate. It must run behind withAuth.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch err := auth.Require(r.Context(), roles...); {
			case errors.Is(err, auth.ErrForbidden):
				writeError(w, r, http.StatusForbidden, kindForbidden, "insufficient role")
			case err != nil:
				writeError(w, r, http.StatusUnauthorized, kindUnauthorized, "authentication required")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", auth.ErrMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrMalformedToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return token, nil
}
