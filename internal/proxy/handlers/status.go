package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nanlv11/business-gemini-pool/internal/config"
	"github.com/nanlv11/business-gemini-pool/internal/db"
	"github.com/nanlv11/business-gemini-pool/internal/registry"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
	"gorm.io/gorm"
)

// HealthHandler handles GET /health
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

// StatusHandler handles GET /api/status with a pool overview.
func StatusHandler(database *gorm.DB, reg *registry.Registry, client *upstream.Client, cfgm *config.Manager, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := reg.List()
		if err != nil {
			http.Error(w, "Failed to list accounts", http.StatusInternalServerError)
			return
		}

		available := 0
		for _, acc := range accounts {
			if acc.Available {
				available++
			}
		}

		models, _ := db.GetModels(database)
		enabled := 0
		for _, m := range models {
			if m.Enabled {
				enabled++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"uptime": time.Since(startTime).Round(time.Second).String(),
			"accounts": map[string]interface{}{
				"total":       len(accounts),
				"available":   available,
				"unavailable": len(accounts) - available,
			},
			"models": map[string]interface{}{
				"total":   len(models),
				"enabled": enabled,
			},
			"proxy": map[string]interface{}{
				"url":       cfgm.ProxyURL(),
				"reachable": client.CheckConnectivity(r.Context()),
			},
		})
	}
}
