// Package vector provides the dense index client. It speaks a
// Pinecone-compatible REST API: a control plane for index bootstrap and a
// data plane for upserts and queries, with one namespace per tenant.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

// Vector is one embedded chunk ready for the index.
type Vector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Match is one scored query result.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the dense index interface.
type Store interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, namespace string, ids []string) error
}

// Config holds index client configuration.
type Config struct {
	APIKey     string
	IndexName  string
	IndexHost  string // data plane host; discovered from the control plane when empty
	ControlURL string // control plane base URL
	Dimension  int
	Metric     string
	Cloud      string
	Region     string
	Timeout    time.Duration
}

// Client implements Store over the REST API.
type Client struct {
	httpClient *http.Client
	cfg        Config
	indexHost  string
}

// NewClient creates an index client and bootstraps the index if it does not
// exist yet.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vector API key is required")
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("vector index name is required")
	}
	if cfg.ControlURL == "" {
		cfg.ControlURL = "https://api.pinecone.io"
	}
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		indexHost:  cfg.IndexHost,
	}

	if c.indexHost == "" {
		host, err := c.ensureIndex(ctx)
		if err != nil {
			return nil, err
		}
		c.indexHost = host
	}
	if !strings.HasPrefix(c.indexHost, "http") {
		c.indexHost = "https://" + c.indexHost
	}

	return c, nil
}

type indexDescription struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Status struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

type createIndexRequest struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Spec      indexSpec `json:"spec"`
}

type indexSpec struct {
	Serverless serverlessSpec `json:"serverless"`
}

type serverlessSpec struct {
	Cloud  string `json:"cloud"`
	Region string `json:"region"`
}

// ensureIndex describes the index, creating it when missing, and returns the
// data plane host.
func (c *Client) ensureIndex(ctx context.Context) (string, error) {
	desc, status, err := c.describeIndex(ctx)
	if err != nil {
		return "", err
	}
	if status == http.StatusOK {
		return desc.Host, nil
	}
	if status != http.StatusNotFound {
		return "", fmt.Errorf("describe index: unexpected status %d", status)
	}

	body, err := json.Marshal(createIndexRequest{
		Name:      c.cfg.IndexName,
		Dimension: c.cfg.Dimension,
		Metric:    c.cfg.Metric,
		Spec: indexSpec{Serverless: serverlessSpec{
			Cloud:  c.cfg.Cloud,
			Region: c.cfg.Region,
		}},
	})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, c.cfg.ControlURL+"/indexes", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict &&
		resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create index: status %d", resp.StatusCode)
	}

	// Creation is asynchronous; poll until the host is known.
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		desc, status, err := c.describeIndex(ctx)
		if err != nil {
			return "", err
		}
		if status == http.StatusOK && desc.Host != "" && desc.Status.Ready {
			return desc.Host, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return "", fmt.Errorf("index %s did not become ready", c.cfg.IndexName)
}

func (c *Client) describeIndex(ctx context.Context) (*indexDescription, int, error) {
	resp, err := c.do(ctx, http.MethodGet, c.cfg.ControlURL+"/indexes/"+c.cfg.IndexName, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var desc indexDescription
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode index description: %w", err)
	}
	return &desc, resp.StatusCode, nil
}

type upsertRequest struct {
	Vectors   []Vector `json:"vectors"`
	Namespace string   `json:"namespace"`
}

// Upsert writes vectors into the tenant namespace in batches of 100.
func (c *Client) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	const batchSize = 100
	for i := 0; i < len(vectors); i += batchSize {
		end := i + batchSize
		if end > len(vectors) {
			end = len(vectors)
		}
		body, err := json.Marshal(upsertRequest{Vectors: vectors[i:end], Namespace: namespace})
		if err != nil {
			return fmt.Errorf("marshal upsert: %w", err)
		}
		resp, err := c.do(ctx, http.MethodPost, c.indexHost+"/vectors/upsert", body)
		if err != nil {
			return apperr.TransientIO("vector upsert failed", err)
		}
		drainAndClose(resp)
		if resp.StatusCode != http.StatusOK {
			return apperr.TransientIO(fmt.Sprintf("vector upsert status %d", resp.StatusCode), nil)
		}
	}
	return nil
}

type queryRequest struct {
	Namespace       string    `json:"namespace"`
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

// Query runs a similarity search within the tenant namespace. A namespace
// that has never been written returns an empty result, not an error.
func (c *Client) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if topK <= 0 {
		return nil, nil
	}

	body, err := json.Marshal(queryRequest{
		Namespace:       namespace,
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.indexHost+"/query", body)
	if err != nil {
		return nil, apperr.TransientIO("vector query failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.TransientIO(fmt.Sprintf("vector query status %d", resp.StatusCode), nil)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return qr.Matches, nil
}

type deleteRequest struct {
	IDs       []string `json:"ids"`
	Namespace string   `json:"namespace"`
}

// Delete removes vectors by ID from the tenant namespace.
func (c *Client) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(deleteRequest{IDs: ids, Namespace: namespace})
	if err != nil {
		return fmt.Errorf("marshal delete: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.indexHost+"/vectors/delete", body)
	if err != nil {
		return apperr.TransientIO("vector delete failed", err)
	}
	drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return apperr.TransientIO(fmt.Sprintf("vector delete status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Api-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

var _ Store = (*Client)(nil)
