package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nanlv11/business-gemini-pool/internal/db"
	"gorm.io/gorm"
)

// ModelsGetHandler handles GET /api/models
func ModelsGetHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := db.GetModels(database)
		if err != nil {
			http.Error(w, "Failed to load model catalog", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"models": list})
	}
}

// ModelsSaveHandler handles PUT /api/models, replacing the whole catalog.
func ModelsSaveHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Models []db.ModelEntry `json:"models"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(payload.Models) == 0 {
			http.Error(w, "models must not be empty", http.StatusBadRequest)
			return
		}
		for _, m := range payload.Models {
			if m.ID == "" {
				http.Error(w, "every model needs an id", http.StatusBadRequest)
				return
			}
		}

		if err := db.SaveModels(database, payload.Models); err != nil {
			http.Error(w, "Failed to save model catalog", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"models": payload.Models})
	}
}
