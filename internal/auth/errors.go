package auth

import "errors"

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrNotFound           = errors.New("auth: not found")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrConfiguration      = errors.New("auth: configuration error")
)

// Token failures. Each wraps ErrUnauthorized so the boundary can collapse them
// into one response while logs keep the precise reason.
var (
	ErrMissingToken   = unauthorized("missing token")
	ErrMalformedToken = unauthorized("malformed token")
	ErrExpiredToken   = unauthorized("expired token")
	ErrAccountGone    = unauthorized("account no longer exists")
)

type unauthorizedError struct{ reason string }

func unauthorized(reason string) error { return &unauthorizedError{reason: reason} }

func (e *unauthorizedError) Error() string { return "auth: " + e.reason }

func (e *unauthorizedError) Unwrap() error { return ErrUnauthorized }

// Reason returns a short machine-friendly label for err, suitable for log
// fields and metric labels. It never leaves the server.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrAccountGone):
		return "account_gone"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}
