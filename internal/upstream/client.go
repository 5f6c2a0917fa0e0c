// Package upstream talks to the Business Gemini widget API: signing-key
// fetch, session creation, assist streaming and context file upload.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nanlv11/business-gemini-pool/internal/auth/signer"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"github.com/nanlv11/business-gemini-pool/internal/util"
)

const (
	defaultAPIBase = "https://biz-discoveryengine.googleapis.com/v1alpha"
	defaultAuthURL = "https://business.gemini.google/auth/getoxsrf"

	// DefaultUserAgent is sent when an account has no override.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

	widgetOrigin = "https://business.gemini.google"
)

// UpstreamError carries the HTTP-level outcome of a failed upstream call.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: status %d: %s", e.Op, e.StatusCode, util.TruncateLog(e.Body, 256))
}

// IsAuthError reports whether an upstream call was rejected for auth reasons
// attributable to the account (invalid credentials, wrong team).
func IsAuthError(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.StatusCode == http.StatusUnauthorized || ue.StatusCode == http.StatusForbidden
}

// IsSessionRejected reports whether the upstream refused a previously bound
// session, which callers handle by invalidating the binding and retrying once.
func IsSessionRejected(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	if ue.Op != "streamAssist" && ue.Op != "addContextFile" {
		return false
	}
	if ue.StatusCode == http.StatusNotFound {
		return true
	}
	return ue.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(ue.Body), "session")
}

// Options configures the upstream client.
type Options struct {
	Timeout            time.Duration
	ProxyURL           func() string // re-read per request so config reloads take effect
	InsecureSkipVerify bool

	// Overridable in tests.
	APIBase string
	AuthURL string
}

// Client handles communication with the Business Gemini widget API.
type Client struct {
	httpClient *http.Client
	apiBase    string
	widgetBase string
	authURL    string
	proxyURL   func() string
}

// NewClient creates an upstream client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.AuthURL == "" {
		opts.AuthURL = defaultAuthURL
	}
	proxyFn := opts.ProxyURL
	if proxyFn == nil {
		proxyFn = func() string { return "" }
	}

	transport := &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) {
			if p := proxyFn(); p != "" {
				return url.Parse(p)
			}
			return nil, nil
		},
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		apiBase:    strings.TrimSuffix(opts.APIBase, "/"),
		widgetBase: strings.TrimSuffix(opts.APIBase, "/") + "/locations/global",
		authURL:    opts.AuthURL,
		proxyURL:   proxyFn,
	}
}

// FetchSigningKey exchanges the account's cookies for the current signing key.
func (c *Client) FetchSigningKey(ctx context.Context, acc *models.Account) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL+"?csesidx="+url.QueryEscape(acc.Csesidx), nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", accountUserAgent(acc))
	req.Header.Set("Cookie", fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", acc.SecureCSes, acc.HostCOses))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("getoxsrf request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("getoxsrf read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, &UpstreamError{Op: "getoxsrf", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		KeyID     string `json:"keyId"`
		XSRFToken string `json:"xsrfToken"`
	}
	if err := json.Unmarshal(stripSecurityPrefix(body), &payload); err != nil {
		return "", nil, fmt.Errorf("getoxsrf parse: %w", err)
	}
	if payload.KeyID == "" || payload.XSRFToken == "" {
		return "", nil, fmt.Errorf("getoxsrf response missing keyId or xsrfToken")
	}

	key, err := signer.DecodeXSRFKey(payload.XSRFToken)
	if err != nil {
		return "", nil, err
	}
	return payload.KeyID, key, nil
}

// CreateSession creates a fresh upstream session and returns its full
// resource name.
func (c *Client) CreateSession(ctx context.Context, tok string, acc *models.Account) (string, error) {
	name := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	body := map[string]interface{}{
		"configId":         acc.TeamID,
		"additionalParams": map[string]string{"token": "-"},
		"createSessionRequest": map[string]interface{}{
			"session": map[string]string{"name": name, "displayName": name},
		},
	}

	respBody, err := c.postWidget(ctx, "createSession", c.widgetBase+"/widgetCreateSession", tok, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Session struct {
			Name string `json:"name"`
		} `json:"session"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("createSession parse: %w", err)
	}
	if parsed.Session.Name == "" {
		return "", fmt.Errorf("createSession response missing session name")
	}
	return parsed.Session.Name, nil
}

// QueryPart is one element of the assist query.
type QueryPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries inline binary content, base64 encoded.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeneratedImage is one image the model produced during a turn.
type GeneratedImage struct {
	Data     []byte
	MimeType string
	FileName string
}

// ChatResult is the parsed outcome of one assist turn.
type ChatResult struct {
	Text     string
	Thoughts []string
	Images   []GeneratedImage
}

// StreamAssist sends one turn and collects the full response, including any
// generated images (inline, attached or referenced by file id).
func (c *Client) StreamAssist(ctx context.Context, tok string, acc *models.Account, sessionName string, parts []QueryPart, fileIDs []string) (*ChatResult, error) {
	if fileIDs == nil {
		fileIDs = []string{}
	}
	body := map[string]interface{}{
		"configId":         acc.TeamID,
		"additionalParams": map[string]string{"token": "-"},
		"streamAssistRequest": map[string]interface{}{
			"session":              sessionName,
			"query":                map[string]interface{}{"parts": parts},
			"filter":               "",
			"fileIds":              fileIDs,
			"answerGenerationMode": "NORMAL",
			"toolsSpec": map[string]interface{}{
				"webGroundingSpec":    map[string]interface{}{},
				"toolRegistry":        "default_tool_registry",
				"imageGenerationSpec": map[string]interface{}{},
				"videoGenerationSpec": map[string]interface{}{},
			},
			"languageCode":      "zh-CN",
			"userMetadata":      map[string]string{"timeZone": "Etc/GMT-8"},
			"assistSkippingMode": "REQUEST_ASSIST",
		},
	}

	respBody, err := c.postWidget(ctx, "streamAssist", c.widgetBase+"/widgetStreamAssist", tok, body)
	if err != nil {
		return nil, err
	}
	return c.parseAssistResponse(ctx, tok, acc, sessionName, respBody)
}

// AddContextFile uploads a file into the session and returns the upstream
// file id.
func (c *Client) AddContextFile(ctx context.Context, tok string, acc *models.Account, sessionName, filename, mimeType string, content []byte) (string, error) {
	body := map[string]interface{}{
		"configId":         acc.TeamID,
		"additionalParams": map[string]string{"token": "-"},
		"addContextFileRequest": map[string]interface{}{
			"fileContents": base64.StdEncoding.EncodeToString(content),
			"fileName":     filename,
			"mimeType":     mimeType,
			"name":         sessionName,
		},
	}

	respBody, err := c.postWidget(ctx, "addContextFile", c.widgetBase+"/widgetAddContextFile", tok, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		AddContextFileResponse struct {
			FileID string `json:"fileId"`
		} `json:"addContextFileResponse"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("addContextFile parse: %w", err)
	}
	if parsed.AddContextFileResponse.FileID == "" {
		return "", fmt.Errorf("addContextFile response missing fileId")
	}
	return parsed.AddContextFileResponse.FileID, nil
}

// FetchImage downloads an externally referenced input image.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &UpstreamError{Op: "fetchImage", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}

// CheckConnectivity probes whether the outbound path (proxy included) works.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.google.com", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ---- response parsing ----

type assistEnvelope struct {
	StreamAssistResponse *assistResponse `json:"streamAssistResponse"`
}

type assistResponse struct {
	SessionInfo struct {
		Session string `json:"session"`
	} `json:"sessionInfo"`
	GeneratedImages []generatedImage `json:"generatedImages"`
	Answer          struct {
		GeneratedImages []generatedImage `json:"generatedImages"`
		Replies         []assistReply    `json:"replies"`
	} `json:"answer"`
}

type assistReply struct {
	GeneratedImages []generatedImage `json:"generatedImages"`
	Attachments     []attachment     `json:"attachments"`
	GroundedContent struct {
		Attachments []attachment  `json:"attachments"`
		Content     assistContent `json:"content"`
	} `json:"groundedContent"`
}

type assistContent struct {
	Text        string       `json:"text"`
	Thought     bool         `json:"thought"`
	InlineData  *InlineData  `json:"inlineData"`
	Attachments []attachment `json:"attachments"`
	File        *struct {
		FileID   string `json:"fileId"`
		MimeType string `json:"mimeType"`
		Name     string `json:"name"`
	} `json:"file"`
}

type generatedImage struct {
	Image struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"image"`
}

type attachment struct {
	MimeType           string `json:"mimeType"`
	Name               string `json:"name"`
	Data               string `json:"data"`
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type fileRef struct {
	fileID   string
	mimeType string
	name     string
}

func (c *Client) parseAssistResponse(ctx context.Context, tok string, acc *models.Account, sessionName string, raw []byte) (*ChatResult, error) {
	var envelopes []assistEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, fmt.Errorf("streamAssist parse: %w", err)
	}

	result := &ChatResult{}
	var texts []string
	var refs []fileRef
	currentSession := sessionName

	for _, env := range envelopes {
		sar := env.StreamAssistResponse
		if sar == nil {
			continue
		}
		if sar.SessionInfo.Session != "" {
			currentSession = sar.SessionInfo.Session
		}
		collectGeneratedImages(sar.GeneratedImages, result)
		collectGeneratedImages(sar.Answer.GeneratedImages, result)

		for _, reply := range sar.Answer.Replies {
			collectGeneratedImages(reply.GeneratedImages, result)

			content := reply.GroundedContent.Content
			if content.File != nil && content.File.FileID != "" {
				refs = append(refs, fileRef{
					fileID:   content.File.FileID,
					mimeType: orDefault(content.File.MimeType, "image/png"),
					name:     content.File.Name,
				})
			}
			collectInlineImage(content.InlineData, result)

			for _, att := range concatAttachments(reply.Attachments, reply.GroundedContent.Attachments, content.Attachments) {
				collectAttachment(att, result)
			}

			if content.Text != "" {
				if content.Thought {
					result.Thoughts = append(result.Thoughts, content.Text)
				} else {
					texts = append(texts, content.Text)
				}
			}
		}
	}

	// Images referenced by file id need a metadata lookup plus download.
	if len(refs) > 0 && currentSession != "" {
		c.resolveFileRefs(ctx, tok, acc, currentSession, refs, result)
	}

	result.Text = strings.Join(texts, "")
	return result, nil
}

func (c *Client) resolveFileRefs(ctx context.Context, tok string, acc *models.Account, sessionName string, refs []fileRef, result *ChatResult) {
	metadata, err := c.listSessionFileMetadata(ctx, tok, acc, sessionName)
	if err != nil {
		log.Printf("⚠️ Failed to list session file metadata: %v", err)
		metadata = nil
	}

	for _, ref := range refs {
		sessionPath := sessionName
		name := ref.name
		if meta, ok := metadata[ref.fileID]; ok {
			if meta.Session != "" {
				sessionPath = meta.Session
			}
			if name == "" {
				name = meta.Name
			}
		}

		data, err := c.downloadFile(ctx, tok, sessionPath, ref.fileID)
		if err != nil {
			log.Printf("⚠️ Failed to download generated file %s: %v", ref.fileID, err)
			continue
		}
		result.Images = append(result.Images, GeneratedImage{
			Data:     data,
			MimeType: ref.mimeType,
			FileName: name,
		})
	}
}

type fileMetadata struct {
	Session string `json:"session"`
	Name    string `json:"name"`
}

func (c *Client) listSessionFileMetadata(ctx context.Context, tok string, acc *models.Account, sessionName string) (map[string]fileMetadata, error) {
	body := map[string]interface{}{
		"configId":         acc.TeamID,
		"additionalParams": map[string]string{"token": "-"},
		"listSessionFileMetadataRequest": map[string]interface{}{
			"name":   sessionName,
			"filter": "file_origin_type = AI_GENERATED",
		},
	}

	respBody, err := c.postWidget(ctx, "listSessionFileMetadata", c.widgetBase+"/widgetListSessionFileMetadata", tok, body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ListSessionFileMetadataResponse struct {
			FileMetadata []struct {
				FileID  string `json:"fileId"`
				Session string `json:"session"`
				Name    string `json:"name"`
			} `json:"fileMetadata"`
		} `json:"listSessionFileMetadataResponse"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("listSessionFileMetadata parse: %w", err)
	}

	out := make(map[string]fileMetadata)
	for _, meta := range parsed.ListSessionFileMetadataResponse.FileMetadata {
		if meta.FileID != "" {
			out[meta.FileID] = fileMetadata{Session: meta.Session, Name: meta.Name}
		}
	}
	return out, nil
}

func (c *Client) downloadFile(ctx context.Context, tok, sessionPath, fileID string) ([]byte, error) {
	downloadURL := fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media", c.apiBase, sessionPath, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	c.setAssistHeaders(req, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{Op: "downloadFile", StatusCode: resp.StatusCode, Body: string(body)}
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Some downloads come back base64 encoded rather than raw.
	text := strings.TrimSpace(string(content))
	if strings.HasPrefix(text, "iVBORw0KGgo") || strings.HasPrefix(text, "/9j/") {
		if decoded, decErr := base64.StdEncoding.DecodeString(text); decErr == nil {
			return decoded, nil
		}
	}
	return content, nil
}

// ---- plumbing ----

func (c *Client) postWidget(ctx context.Context, op, requestURL, tok string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	c.setAssistHeaders(req, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) setAssistHeaders(req *http.Request, tok string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", widgetOrigin)
	req.Header.Set("Referer", widgetOrigin+"/")
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("X-Server-Timeout", "1800")
}

func accountUserAgent(acc *models.Account) string {
	if acc.UserAgent != "" {
		return acc.UserAgent
	}
	return DefaultUserAgent
}

// stripSecurityPrefix removes the anti-JSON-hijacking prefix Google prepends.
func stripSecurityPrefix(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte(")]}'")) {
		return bytes.TrimSpace(trimmed[4:])
	}
	return trimmed
}

func collectGeneratedImages(images []generatedImage, result *ChatResult) {
	for _, img := range images {
		if img.Image.BytesBase64Encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Image.BytesBase64Encoded)
		if err != nil {
			log.Printf("⚠️ Failed to decode generated image: %v", err)
			continue
		}
		result.Images = append(result.Images, GeneratedImage{
			Data:     data,
			MimeType: orDefault(img.Image.MimeType, "image/png"),
		})
	}
}

func collectInlineImage(inline *InlineData, result *ChatResult) {
	if inline == nil || inline.Data == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		log.Printf("⚠️ Failed to decode inline image: %v", err)
		return
	}
	result.Images = append(result.Images, GeneratedImage{
		Data:     data,
		MimeType: orDefault(inline.MimeType, "image/png"),
	})
}

func collectAttachment(att attachment, result *ChatResult) {
	if !strings.HasPrefix(att.MimeType, "image/") {
		return
	}
	encoded := att.Data
	if encoded == "" {
		encoded = att.BytesBase64Encoded
	}
	if encoded == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		log.Printf("⚠️ Failed to decode attachment: %v", err)
		return
	}
	result.Images = append(result.Images, GeneratedImage{
		Data:     data,
		MimeType: att.MimeType,
		FileName: att.Name,
	})
}

func concatAttachments(lists ...[]attachment) []attachment {
	var out []attachment
	for _, list := range lists {
		out = append(out, list...)
	}
	return out
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
