package handlers

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nanlv11/business-gemini-pool/internal/auth/token"
	"github.com/nanlv11/business-gemini-pool/internal/config"
	"github.com/nanlv11/business-gemini-pool/internal/db"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/images"
	"github.com/nanlv11/business-gemini-pool/internal/pool"
	"github.com/nanlv11/business-gemini-pool/internal/rotation"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
	"gorm.io/gorm"
)

// OpenAIChatRequest is the inbound /v1/chat/completions body. Content can be
// a plain string or an array of typed parts.
type OpenAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []OpenAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	FileIDs  []string        `json:"file_ids,omitempty"`
}

// OpenAIMessage is one chat message.
type OpenAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// OpenAIChatHandler handles /v1/chat/completions
func OpenAIChatHandler(database *gorm.DB, dispatcher *pool.Dispatcher, upstreamClient *upstream.Client, imgCache *images.Cache, cfgm *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages is required", http.StatusBadRequest)
			return
		}

		parts, err := buildQueryParts(r, upstreamClient, req.Messages)
		if err != nil {
			writeOpenAIError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(parts) == 0 {
			writeOpenAIError(w, "no user content found in messages", http.StatusBadRequest)
			return
		}

		dispatch, err := dispatcher.Send(r.Context(), &pool.ChatRequest{
			Model:           req.Model,
			Parts:           parts,
			FileIDs:         resolveFileIDs(database, req.FileIDs),
			ConversationKey: conversationKey(r, req.Messages),
		})
		if err != nil {
			writeDispatchError(w, err)
			return
		}

		content := dispatch.Result.Text
		for _, img := range dispatch.Result.Images {
			filename, saveErr := imgCache.Save(img.Data, img.MimeType, img.FileName)
			if saveErr != nil {
				log.Printf("⚠️ Failed to cache generated image: %v", saveErr)
				continue
			}
			content += fmt.Sprintf("\n\n![%s](%s)", filename, imageURL(r, cfgm, filename))
		}

		if req.Stream {
			writeStreamingCompletion(w, req.Model, content)
		} else {
			writeCompletion(w, req.Model, content, parts)
		}
	}
}

// buildQueryParts extracts text and inline images from the latest user
// message. Remote image URLs are fetched through the upstream client so the
// outbound proxy applies.
func buildQueryParts(r *http.Request, client *upstream.Client, messages []OpenAIMessage) ([]upstream.QueryPart, error) {
	var latest *OpenAIMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			latest = &messages[i]
			break
		}
	}
	if latest == nil {
		return nil, nil
	}

	// Plain string content.
	var text string
	if err := json.Unmarshal(latest.Content, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []upstream.QueryPart{{Text: text}}, nil
	}

	// Array-of-parts content.
	var contentParts []openAIContentPart
	if err := json.Unmarshal(latest.Content, &contentParts); err != nil {
		return nil, fmt.Errorf("unsupported message content format")
	}

	var parts []upstream.QueryPart
	for _, cp := range contentParts {
		switch cp.Type {
		case "text":
			if cp.Text != "" {
				parts = append(parts, upstream.QueryPart{Text: cp.Text})
			}
		case "image_url":
			if cp.ImageURL == nil || cp.ImageURL.URL == "" {
				continue
			}
			inline, err := resolveImageURL(r, client, cp.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, upstream.QueryPart{InlineData: inline})
		}
	}
	return parts, nil
}

func resolveImageURL(r *http.Request, client *upstream.Client, rawURL string) (*upstream.InlineData, error) {
	if strings.HasPrefix(rawURL, "data:") {
		rest := strings.TrimPrefix(rawURL, "data:")
		semi := strings.Index(rest, ";base64,")
		if semi < 0 {
			return nil, fmt.Errorf("unsupported data URL encoding")
		}
		mimeType := rest[:semi]
		data := rest[semi+len(";base64,"):]
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("invalid base64 image data: %w", err)
		}
		return &upstream.InlineData{MimeType: mimeType, Data: data}, nil
	}

	data, mimeType, err := client.FetchImage(r.Context(), rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch input image: %w", err)
	}
	return &upstream.InlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// conversationKey pins a client conversation to one account so context
// survives across turns. Explicit header wins; otherwise the first user
// message hashes to a stable key.
func conversationKey(r *http.Request, messages []OpenAIMessage) string {
	if key := r.Header.Get("X-Conversation-ID"); key != "" {
		return key
	}
	for _, msg := range messages {
		if msg.Role == "user" {
			sum := sha256.Sum256(msg.Content)
			return hex.EncodeToString(sum[:16])
		}
	}
	return uuid.New().String()
}

// resolveFileIDs maps local file ids from the upload API to their upstream
// ids. Unknown ids pass through untouched.
func resolveFileIDs(database *gorm.DB, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		var mapping models.FileMapping
		if err := database.First(&mapping, "id = ?", id).Error; err == nil {
			out = append(out, mapping.UpstreamFileID)
			continue
		}
		out = append(out, id)
	}
	return out
}

func imageURL(r *http.Request, cfgm *config.Manager, filename string) string {
	if base := cfgm.Get().ImageBaseURL; base != "" {
		return strings.TrimSuffix(base, "/") + "/image/" + filename
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/image/%s", scheme, r.Host, filename)
}

func writeCompletion(w http.ResponseWriter, model, content string, parts []upstream.QueryPart) {
	promptChars := 0
	for _, p := range parts {
		promptChars += len(p.Text)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     promptChars,
			"completion_tokens": len(content),
			"total_tokens":      promptChars + len(content),
		},
	})
}

// writeStreamingCompletion emits the full answer as one SSE content chunk
// followed by a stop chunk. The upstream widget call is not incremental, so
// neither is this.
func writeStreamingCompletion(w http.ResponseWriter, model, content string) {
	SetSSEHeaders(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	chunk := func(delta map[string]interface{}, finish interface{}) {
		data, _ := json.Marshal(map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]interface{}{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	chunk(map[string]interface{}{"role": "assistant", "content": content}, nil)
	chunk(map[string]interface{}{}, "stop")
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var xerr *token.CredentialExchangeError
	switch {
	case errors.Is(err, rotation.ErrExhausted):
		writeOpenAIError(w, "No available accounts in the pool", http.StatusServiceUnavailable)
	case errors.Is(err, rotation.ErrRotationUnavailable):
		writeOpenAIError(w, "Account rotation temporarily unavailable", http.StatusInternalServerError)
	case errors.As(err, &xerr):
		writeOpenAIError(w, "Credential refresh failed: "+xerr.Error(), http.StatusBadGateway)
	default:
		writeOpenAIError(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
	}
}

func writeOpenAIError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
	})
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// OpenAIModelsListHandler handles /v1/models
func OpenAIModelsListHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := db.GetModels(database)
		if err != nil {
			log.Printf("⚠️ Failed to load model catalog: %v", err)
			list = nil
		}

		data := []map[string]interface{}{}
		for _, m := range list {
			if !m.Enabled {
				continue
			}
			data = append(data, map[string]interface{}{
				"id":       m.ID,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "google",
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
