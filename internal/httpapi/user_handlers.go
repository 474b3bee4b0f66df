package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ridehub.io/internal/audit"
	"ridehub.io/internal/auth"
	"ridehub.io/internal/ids"
)

type profileRequest struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
}

type kycRequest struct {
	IDType       string `json:"id_type"`
	IDNumber     string `json:"id_number"`
	LicensePhoto string `json:"license_photo"`
	LivePhoto    string `json:"live_photo"`
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	acc, err := a.svc.Account(r.Context(), id.AccountID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListAccounts(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": list})
}

// targetAccount authorizes the caller for the {id} path segment and rejects
// ids that no account can have before the store is consulted. A nil roles
// list restricts the route to the account holder.
func (a *API) targetAccount(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (string, bool) {
	target := chi.URLParam(r, "id")
	if err := auth.SelfOrRole(r.Context(), target, roles...); err != nil {
		a.writeAuthError(w, r, err)
		return "", false
	}
	if !ids.Valid(target) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "account not found")
		return "", false
	}
	return target, true
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	target, ok := a.targetAccount(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	acc, err := a.svc.Account(r.Context(), target)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	target, ok := a.targetAccount(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	acc, err := a.svc.UpdateProfile(r.Context(), target, auth.ProfileUpdate{Name: req.Name, Phone: req.Phone})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.profile_updated", map[string]any{"target": target})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleSubmitKYC(w http.ResponseWriter, r *http.Request) {
	// Only the holder submits their own verification material.
	target, ok := a.targetAccount(w, r)
	if !ok {
		return
	}
	var req kycRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	acc, err := a.svc.SubmitKYC(r.Context(), target, auth.KYCSubmission{
		IDType:       req.IDType,
		IDNumber:     req.IDNumber,
		LicensePhoto: req.LicensePhoto,
		LivePhoto:    req.LivePhoto,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.kyc_submitted", map[string]any{"target": target})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleVerifyKYC(w http.ResponseWriter, r *http.Request) {
	target, ok := a.targetAccount(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	acc, err := a.svc.VerifyKYC(r.Context(), target)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.kyc_verified", map[string]any{"target": target})
	writeJSON(w, http.StatusOK, acc)
}
