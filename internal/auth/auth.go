package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "ridehub"
	defaultTokenTTL = 24 * time.Hour
	minSecretLength = 16
)

// Well-known placeholder values that must never sign a token.
var placeholderSecrets = map[string]struct{}{
	"secret":          {},
	"secretkey":       {},
	"fallback_secret": {},
	"changeme":        {},
	"jwt_secret":      {},
}

// Claims is the signed payload of a session token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Token is a signed session token together with its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenManager issues and verifies HS256 session tokens. It is immutable after
// construction and safe for concurrent use.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithIssuer overrides the iss claim written and required by the manager.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithTTL configures the token lifetime.
func WithTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// CheckSecret rejects signing secrets that are absent, too short or a known
// placeholder.
func CheckSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("%w: token secret is not configured", ErrConfiguration)
	}
	if _, ok := placeholderSecrets[strings.ToLower(trimmed)]; ok {
		return fmt.Errorf("%w: token secret is a placeholder value", ErrConfiguration)
	}
	if len(trimmed) < minSecretLength {
		return fmt.Errorf("%w: token secret must be at least %d bytes", ErrConfiguration, minSecretLength)
	}
	return nil
}

// NewTokenManager constructs a TokenManager signing with secret.
func NewTokenManager(secret string, opts ...TokenOption) (*TokenManager, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}
	m := &TokenManager{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(m.now),
	)
	return m, nil
}

// TTL reports the lifetime of issued tokens.
func (m *TokenManager) TTL() time.Duration { return m.ttl }

// Issue signs a token binding accountID to role.
func (m *TokenManager) Issue(accountID string, role Role) (Token, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Token{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return Token{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	now := m.now()
	expiresAt := jwt.NewNumericDate(now.Add(m.ttl))
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expiresAt.Time}, nil
}

// Verify checks the signature, then expiry, then the payload shape, and
// returns the identity the token was issued for. No claim is read before the
// signature has been accepted.
func (m *TokenManager) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrMalformedToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || !claims.Role.Valid() {
		return Identity{}, ErrMalformedToken
	}
	return Identity{AccountID: claims.Subject, Role: claims.Role}, nil
}
