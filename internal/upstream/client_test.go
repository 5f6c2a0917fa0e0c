package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nanlv11/business-gemini-pool/internal/db/models"
)

func testClient(ts *httptest.Server) *Client {
	return NewClient(Options{
		APIBase: ts.URL + "/v1alpha",
		AuthURL: ts.URL + "/auth/getoxsrf",
	})
}

func testAccount() *models.Account {
	return &models.Account{
		ID:         "acc-1",
		TeamID:     "team-1",
		SecureCSes: "ses-value",
		HostCOses:  "oses-value",
		Csesidx:    "cses-1",
	}
}

func TestFetchSigningKey(t *testing.T) {
	key := []byte("0123456789abcdef")
	xsrf := strings.TrimRight(base64.URLEncoding.EncodeToString(key), "=")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/getoxsrf" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("csesidx"); got != "cses-1" {
			t.Errorf("unexpected csesidx %q", got)
		}
		cookie := r.Header.Get("Cookie")
		if !strings.Contains(cookie, "__Secure-C_SES=ses-value") || !strings.Contains(cookie, "__Host-C_OSES=oses-value") {
			t.Errorf("unexpected cookie header %q", cookie)
		}
		// Google prepends an anti-hijacking prefix.
		w.Write([]byte(")]}'\n{\"keyId\":\"key-9\",\"xsrfToken\":\"" + xsrf + "\"}"))
	}))
	defer ts.Close()

	keyID, gotKey, err := testClient(ts).FetchSigningKey(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if keyID != "key-9" {
		t.Fatalf("expected key-9, got %s", keyID)
	}
	if string(gotKey) != string(key) {
		t.Fatalf("expected key %x, got %x", key, gotKey)
	}
}

func TestFetchSigningKey_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("no session"))
	}))
	defer ts.Close()

	_, _, err := testClient(ts).FetchSigningKey(context.Background(), testAccount())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/widgetCreateSession") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected authorization %q", got)
		}

		var payload struct {
			ConfigID             string `json:"configId"`
			CreateSessionRequest struct {
				Session struct {
					Name string `json:"name"`
				} `json:"session"`
			} `json:"createSessionRequest"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.ConfigID != "team-1" {
			t.Errorf("unexpected configId %q", payload.ConfigID)
		}
		if len(payload.CreateSessionRequest.Session.Name) != 12 {
			t.Errorf("expected 12-char session name, got %q", payload.CreateSessionRequest.Session.Name)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"session": map[string]string{"name": "projects/p/sessions/abc123"},
		})
	}))
	defer ts.Close()

	name, err := testClient(ts).CreateSession(context.Background(), "tok-1", testAccount())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if name != "projects/p/sessions/abc123" {
		t.Fatalf("unexpected session name %s", name)
	}
}

func TestStreamAssist_ParsesTextAndThoughts(t *testing.T) {
	reply := func(text string, thought bool) map[string]interface{} {
		return map[string]interface{}{
			"groundedContent": map[string]interface{}{
				"content": map[string]interface{}{"text": text, "thought": thought},
			},
		}
	}
	envelopes := []map[string]interface{}{
		{"streamAssistResponse": map[string]interface{}{
			"answer": map[string]interface{}{
				"replies": []interface{}{reply("Thinking about it.", true), reply("Hello ", false)},
			},
		}},
		{"streamAssistResponse": map[string]interface{}{
			"answer": map[string]interface{}{
				"replies": []interface{}{reply("world!", false)},
			},
		}},
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/widgetStreamAssist") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(envelopes)
	}))
	defer ts.Close()

	result, err := testClient(ts).StreamAssist(context.Background(), "tok-1", testAccount(), "sess", []QueryPart{{Text: "hi"}}, nil)
	if err != nil {
		t.Fatalf("stream assist: %v", err)
	}
	if result.Text != "Hello world!" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if len(result.Thoughts) != 1 || result.Thoughts[0] != "Thinking about it." {
		t.Fatalf("unexpected thoughts %v", result.Thoughts)
	}
}

func TestStreamAssist_CollectsGeneratedImages(t *testing.T) {
	pngData := []byte{0x89, 0x50, 0x4e, 0x47}
	envelopes := []map[string]interface{}{
		{"streamAssistResponse": map[string]interface{}{
			"answer": map[string]interface{}{
				"generatedImages": []interface{}{
					map[string]interface{}{
						"image": map[string]interface{}{
							"bytesBase64Encoded": base64.StdEncoding.EncodeToString(pngData),
							"mimeType":           "image/png",
						},
					},
				},
				"replies": []interface{}{},
			},
		}},
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelopes)
	}))
	defer ts.Close()

	result, err := testClient(ts).StreamAssist(context.Background(), "tok-1", testAccount(), "sess", []QueryPart{{Text: "draw"}}, nil)
	if err != nil {
		t.Fatalf("stream assist: %v", err)
	}
	if len(result.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(result.Images))
	}
	if string(result.Images[0].Data) != string(pngData) || result.Images[0].MimeType != "image/png" {
		t.Fatalf("unexpected image %+v", result.Images[0])
	}
}

func TestAddContextFile(t *testing.T) {
	content := []byte("file body")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/widgetAddContextFile") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload struct {
			AddContextFileRequest struct {
				FileContents string `json:"fileContents"`
				FileName     string `json:"fileName"`
				MimeType     string `json:"mimeType"`
				Name         string `json:"name"`
			} `json:"addContextFileRequest"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.AddContextFileRequest.FileName != "doc.pdf" {
			t.Errorf("unexpected filename %q", payload.AddContextFileRequest.FileName)
		}
		decoded, _ := base64.StdEncoding.DecodeString(payload.AddContextFileRequest.FileContents)
		if string(decoded) != string(content) {
			t.Errorf("unexpected contents %q", decoded)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"addContextFileResponse": map[string]string{"fileId": "up-42"},
		})
	}))
	defer ts.Close()

	fileID, err := testClient(ts).AddContextFile(context.Background(), "tok-1", testAccount(), "sess", "doc.pdf", "application/pdf", content)
	if err != nil {
		t.Fatalf("add context file: %v", err)
	}
	if fileID != "up-42" {
		t.Fatalf("unexpected file id %s", fileID)
	}
}

func TestIsSessionRejected(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{name: "nil", err: nil, rejected: false},
		{name: "stream 404", err: &UpstreamError{Op: "streamAssist", StatusCode: 404}, rejected: true},
		{name: "upload 404", err: &UpstreamError{Op: "addContextFile", StatusCode: 404}, rejected: true},
		{name: "stream 400 session", err: &UpstreamError{Op: "streamAssist", StatusCode: 400, Body: "Session not found"}, rejected: true},
		{name: "stream 400 other", err: &UpstreamError{Op: "streamAssist", StatusCode: 400, Body: "bad query"}, rejected: false},
		{name: "auth op 404", err: &UpstreamError{Op: "getoxsrf", StatusCode: 404}, rejected: false},
		{name: "stream 500", err: &UpstreamError{Op: "streamAssist", StatusCode: 500}, rejected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSessionRejected(tt.err); got != tt.rejected {
				t.Fatalf("expected %v, got %v", tt.rejected, got)
			}
		})
	}
}

func TestStripSecurityPrefix(t *testing.T) {
	got := stripSecurityPrefix([]byte(")]}'\n{\"a\":1}"))
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected result %q", got)
	}
	got = stripSecurityPrefix([]byte(`{"a":1}`))
	if string(got) != `{"a":1}` {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
