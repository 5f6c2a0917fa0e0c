package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/pool"
	"gorm.io/gorm"
)

// 50MB upload ceiling, matching the upstream addContextFile limit.
const maxUploadSize = 50 << 20

// FileUploadHandler handles POST /v1/files. The file is pushed upstream as
// session context through the rotation core and recorded locally so chat
// requests can reference it by id.
func FileUploadHandler(database *gorm.DB, dispatcher *pool.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeOpenAIError(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeOpenAIError(w, "file field is required", http.StatusBadRequest)
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			writeOpenAIError(w, "Failed to read upload", http.StatusBadRequest)
			return
		}

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(header.Filename))
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		upload, err := dispatcher.UploadContext(r.Context(), header.Filename, mimeType, content)
		if err != nil {
			writeDispatchError(w, err)
			return
		}

		mapping := models.FileMapping{
			ID:             "file-" + uuid.New().String(),
			UpstreamFileID: upload.UpstreamFileID,
			SessionName:    upload.SessionID,
			AccountID:      upload.AccountID,
			Filename:       header.Filename,
			MimeType:       mimeType,
			Size:           int64(len(content)),
		}
		if err := database.Create(&mapping).Error; err != nil {
			log.Printf("⚠️ Failed to record file mapping: %v", err)
			writeOpenAIError(w, "Failed to record upload", http.StatusInternalServerError)
			return
		}

		log.Printf("📦 Uploaded %s (%d bytes) via account %s", header.Filename, len(content), upload.AccountID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fileObject(&mapping))
	}
}

// FileListHandler handles GET /v1/files
func FileListHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mappings []models.FileMapping
		if err := database.Order("created_at desc").Find(&mappings).Error; err != nil {
			writeOpenAIError(w, "Failed to list files", http.StatusInternalServerError)
			return
		}

		data := []map[string]interface{}{}
		for i := range mappings {
			data = append(data, fileObject(&mappings[i]))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

// FileGetHandler handles GET /v1/files/{id}
func FileGetHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mapping models.FileMapping
		err := database.First(&mapping, "id = ?", chi.URLParam(r, "id")).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeOpenAIError(w, "File not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeOpenAIError(w, "Failed to load file", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fileObject(&mapping))
	}
}

// FileDeleteHandler handles DELETE /v1/files/{id}. Upstream context files
// expire with their session, so only the local mapping is removed.
func FileDeleteHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := database.Where("id = ?", id).Delete(&models.FileMapping{})
		if res.Error != nil {
			writeOpenAIError(w, "Failed to delete file", http.StatusInternalServerError)
			return
		}
		if res.RowsAffected == 0 {
			writeOpenAIError(w, "File not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      id,
			"object":  "file",
			"deleted": true,
		})
	}
}

func fileObject(m *models.FileMapping) map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"object":     "file",
		"bytes":      m.Size,
		"created_at": m.CreatedAt.Unix(),
		"filename":   m.Filename,
		"purpose":    "assistants",
	}
}
