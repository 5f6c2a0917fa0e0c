package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/registry"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
	"github.com/nanlv11/business-gemini-pool/internal/util"
)

type accountPayload struct {
	ID         string `json:"id,omitempty"`
	TeamID     string `json:"team_id"`
	SecureCSes string `json:"secure_c_ses"`
	HostCOses  string `json:"host_c_oses"`
	Csesidx    string `json:"csesidx"`
	UserAgent  string `json:"user_agent,omitempty"`
}

func accountView(acc *models.Account) map[string]interface{} {
	view := map[string]interface{}{
		"id":           acc.ID,
		"team_id":      acc.TeamID,
		"csesidx":      util.MaskSecret(acc.Csesidx),
		"available":    acc.Available,
		"created_at":   acc.CreatedAt,
		"last_used_at": acc.LastUsedAt,
	}
	if !acc.Available {
		view["unavailable_reason"] = acc.UnavailableReason
		view["unavailable_time"] = acc.UnavailableTime
	}
	return view
}

// AccountsListHandler handles GET /api/accounts
func AccountsListHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := reg.List()
		if err != nil {
			http.Error(w, "Failed to list accounts", http.StatusInternalServerError)
			return
		}
		views := []map[string]interface{}{}
		for i := range accounts {
			views = append(views, accountView(&accounts[i]))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"accounts": views})
	}
}

// AccountCreateHandler handles POST /api/accounts
func AccountCreateHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload accountPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if payload.TeamID == "" || payload.SecureCSes == "" || payload.HostCOses == "" || payload.Csesidx == "" {
			http.Error(w, "team_id, secure_c_ses, host_c_oses and csesidx are required", http.StatusBadRequest)
			return
		}

		acc := &models.Account{
			ID:         payload.ID,
			TeamID:     payload.TeamID,
			SecureCSes: payload.SecureCSes,
			HostCOses:  payload.HostCOses,
			Csesidx:    payload.Csesidx,
			UserAgent:  payload.UserAgent,
		}
		if err := reg.Create(acc); err != nil {
			http.Error(w, "Failed to create account: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(accountView(acc))
	}
}

// AccountUpdateHandler handles PUT /api/accounts/{id}. Only provided fields
// change; updating credentials re-enables a disabled account.
func AccountUpdateHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var payload accountPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		fields := map[string]interface{}{}
		credentialChange := false
		if payload.TeamID != "" {
			fields["team_id"] = payload.TeamID
		}
		if payload.SecureCSes != "" {
			fields["secure_c_ses"] = payload.SecureCSes
			credentialChange = true
		}
		if payload.HostCOses != "" {
			fields["host_c_oses"] = payload.HostCOses
			credentialChange = true
		}
		if payload.Csesidx != "" {
			fields["csesidx"] = payload.Csesidx
			credentialChange = true
		}
		if payload.UserAgent != "" {
			fields["user_agent"] = payload.UserAgent
		}
		if len(fields) == 0 {
			http.Error(w, "No fields to update", http.StatusBadRequest)
			return
		}

		if err := reg.Update(id, fields); err != nil {
			writeRegistryError(w, err)
			return
		}
		if credentialChange {
			// Fresh cookies deserve a fresh chance.
			if err := reg.SetAvailability(id, true, ""); err != nil {
				writeRegistryError(w, err)
				return
			}
		}

		acc, err := reg.Get(id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(accountView(acc))
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}
func AccountDeleteHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(chi.URLParam(r, "id")); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AccountToggleHandler handles POST /api/accounts/{id}/toggle
func AccountToggleHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := reg.Get(id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}

		reason := ""
		if acc.Available {
			reason = "manually disabled"
		}
		if err := reg.SetAvailability(id, !acc.Available, reason); err != nil {
			writeRegistryError(w, err)
			return
		}

		acc, err = reg.Get(id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(accountView(acc))
	}
}

// AccountTestHandler handles POST /api/accounts/{id}/test. It probes the
// signing-key exchange without touching the cached credential.
func AccountTestHandler(reg *registry.Registry, client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := reg.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeRegistryError(w, err)
			return
		}

		start := time.Now()
		keyID, _, err := client.FetchSigningKey(r.Context(), acc)
		elapsed := time.Since(start)

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":         false,
				"error":      err.Error(),
				"elapsed_ms": elapsed.Milliseconds(),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":         true,
			"key_id":     keyID,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
