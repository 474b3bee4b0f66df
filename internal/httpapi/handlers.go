package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"ridehub.io/internal/auth"
	"ridehub.io/internal/obs"
)

const (
	serviceName  = "ridehub-auth"
	maxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe reports the credential store as ready when it answers a ping.
type ReadyProbe struct {
	Store auth.Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// API is the HTTP boundary of the auth service.
type API struct {
	svc        *auth.Service
	readyProbe readinessChecker
	version    string
	logger     *slog.Logger

	rateBurst      int
	ratePerSec     float64
	corsOrigins    []string
	trustedProxies []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket applied to credential
// endpoints.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For header
// identifies the client for rate limiting.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithCORSOrigins sets the allowed browser origins.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithLogger overrides the logger used for boundary failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(svc *auth.Service, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		svc:         svc,
		readyProbe:  rp,
		version:     version,
		logger:      obs.Logger(),
		rateBurst:   10,
		ratePerSec:  5,
		corsOrigins: []string{"*"},
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler assembles the router and middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		LoggingJSON,
		obs.Instrument,
		SecurityHeaders,
		cors.Handler(cors.Options{
			AllowedOrigins: a.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader, "Retry-After"},
			MaxAge:         600,
		}),
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxBodyBytes) },
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, kindInvalidInput, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	limited := func(next http.Handler) http.Handler { return next }
	if a.rateBurst > 0 {
		limiter := newRateLimiter(a.rateBurst, a.ratePerSec, a.trustedProxies)
		limited = limiter.middleware
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(limited).Post("/register", a.handleRegister)
		r.With(limited).Post("/login", a.handleLogin)
		r.With(limited).Post("/forgot-password", a.handleForgotPassword)
		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/verify", a.handleVerify)
			r.With(limited).Post("/password", a.handleChangePassword)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/profile", a.handleProfile)
		r.With(RequireRole(auth.RoleAdmin)).Get("/", a.handleListUsers)
		r.Get("/{id}", a.handleGetUser)
		r.Put("/{id}", a.handleUpdateUser)
		r.Post("/{id}/kyc", a.handleSubmitKYC)
		r.With(RequireRole(auth.RoleAdmin)).Post("/{id}/kyc/verify", a.handleVerifyKYC)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		a.logger.WarnContext(r.Context(), "readiness check failed", "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

// Stable error kinds returned to clients.
const (
	kindInvalidInput       = "invalid_input"
	kindInvalidCredentials = "invalid_credentials"
	kindAlreadyExists      = "already_exists"
	kindUnauthorized       = "unauthorized"
	kindForbidden          = "forbidden"
	kindNotFound           = "not_found"
	kindConfiguration      = "configuration"
	kindInternal           = "internal"
	kindRateLimited        = "rate_limited"
)

type errorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the uniform error body. The request id travels in the
// X-Request-ID header only, so equal failures have byte-identical bodies.
func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	switch code {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`", error="insufficient_scope"`)
	}
	writeJSON(w, code, errorBody{Kind: kind, Error: msg})
}

// writeAuthError translates service errors into HTTP responses. Every token
// failure collapses into the same 401 body; the precise reason is logged.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, kindUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, kindInvalidCredentials, "invalid email or password")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, kindForbidden, "insufficient role")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, kindInvalidInput, inputMessage(err))
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, kindAlreadyExists, "account already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, kindNotFound, "account not found")
	case errors.Is(err, auth.ErrConfiguration):
		a.logger.ErrorContext(r.Context(), "service misconfigured", "request_id", RequestIDFromContext(r.Context()), "error", err.Error())
		writeError(w, r, http.StatusInternalServerError, kindConfiguration, "service misconfigured")
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "request_id", RequestIDFromContext(r.Context()), "error", err.Error())
		writeError(w, r, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

func inputMessage(err error) string {
	return strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": ")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, kindInvalidInput, err.Error())
}
