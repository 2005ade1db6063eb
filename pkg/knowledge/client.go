// Package knowledge provides the public Go SDK for the knowledge platform
// REST API.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is the platform API client. All calls are scoped to one tenant.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tenantID   string
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL  string // Default: http://localhost:8085
	APIKey   string
	TenantID string
	Timeout  time.Duration
}

// NewClient creates a platform API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8085"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		tenantID:   cfg.TenantID,
	}, nil
}

// Passage is one retrieved chunk.
type Passage struct {
	ChunkID      uuid.UUID      `json:"chunk_id"`
	DocumentID   uuid.UUID      `json:"document_id"`
	Content      string         `json:"content"`
	SourceURI    string         `json:"source_uri,omitempty"`
	PageNumber   *int           `json:"page_number,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	BlendedScore float64        `json:"blended_score"`
	RerankScore  *float64       `json:"rerank_score,omitempty"`
}

// AskResponse is the retrieval result.
type AskResponse struct {
	Query    string    `json:"query"`
	TenantID string    `json:"tenant_id"`
	Results  []Passage `json:"results"`
}

// Ask runs a retrieval query.
func (c *Client) Ask(ctx context.Context, query string, topK int) (*AskResponse, error) {
	var resp AskResponse
	if err := c.postJSON(ctx, "/ask", map[string]any{"query": query, "top_k": topK}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatTurn is one prior conversation exchange.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a grounded chat question.
type ChatRequest struct {
	Question string     `json:"question"`
	History  []ChatTurn `json:"history,omitempty"`
	Model    string     `json:"model,omitempty"`
}

// ChatResponse is a grounded answer.
type ChatResponse struct {
	Answer   string    `json:"answer"`
	Model    string    `json:"model"`
	Passages []Passage `json:"passages"`
}

// Chat asks a question grounded on the tenant's documents.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.postJSON(ctx, "/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestResult reports an accepted document upload.
type IngestResult struct {
	DocumentID  uuid.UUID `json:"document_id"`
	BlobURI     string    `json:"blob_uri"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Ingest uploads a PDF for asynchronous ingestion.
func (c *Client) Ingest(ctx context.Context, filename string, data []byte) (*IngestResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.WriteField("content_type", "application/pdf"); err != nil {
		return nil, fmt.Errorf("write content type field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuthHeaders(req)

	var result IngestResult
	if err := c.do(req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// APIError is a non-success response from the platform API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)
	return c.do(req, http.StatusOK, out)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("X-Tenant-ID", c.tenantID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
