package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/nanlv11/business-gemini-pool/internal/config"
	"github.com/nanlv11/business-gemini-pool/internal/db"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
	"gorm.io/gorm"
)

// ProxyGetHandler handles GET /api/config/proxy
func ProxyGetHandler(cfgm *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proxy": cfgm.ProxyURL(),
		})
	}
}

// ProxySetHandler handles PUT /api/config/proxy. An empty URL switches back
// to direct connections.
func ProxySetHandler(cfgm *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Proxy string `json:"proxy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if payload.Proxy != "" {
			parsed, err := url.Parse(payload.Proxy)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				http.Error(w, "proxy must be a full URL like http://host:port", http.StatusBadRequest)
				return
			}
		}

		if err := cfgm.SetProxy(payload.Proxy); err != nil {
			http.Error(w, "Failed to persist proxy setting: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proxy": payload.Proxy,
		})
	}
}

// ProxyTestHandler handles POST /api/config/proxy/test, probing the current
// outbound path.
func ProxyTestHandler(client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"reachable": client.CheckConnectivity(r.Context()),
		})
	}
}

// APIKeyGetHandler handles GET /api/apikey
func APIKeyGetHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"api_key": db.GetAPIKey(database),
		})
	}
}

// APIKeyRegenerateHandler handles POST /api/apikey/regenerate. Existing
// clients break immediately, which is the point.
func APIKeyRegenerateHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"api_key": db.RegenerateAPIKey(database),
		})
	}
}
