package httpapi

import (
	"errors"
	"net/http"
	"time"

	"ridehub.io/internal/audit"
	"ridehub.io/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Account   auth.Account `json:"account"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

const resetAcceptedMessage = "if the email is registered, reset instructions will follow"

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	acc, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
		Role:     req.Role,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{
		"account_id": acc.ID,
		"role":       acc.Role.String(),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"account": acc})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"account_id": sess.Account.ID,
		"expires_at": sess.Token.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token.Value,
		ExpiresAt: sess.Token.ExpiresAt,
		Account:   sess.Account,
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	acc, err := a.svc.Account(r.Context(), id.AccountID)
	if errors.Is(err, auth.ErrNotFound) {
		err = auth.ErrAccountGone
	}
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"role":    id.Role,
		"account": acc,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), id.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_reset_requested", nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"message": resetAcceptedMessage})
}
