package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

func TestClientEmbed_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Return data out of order to exercise index reassembly.
		resp := EmbeddingResponse{
			Data: []EmbeddingData{
				{Index: 1, Embedding: []float32{0.3, 0.4}},
				{Index: 0, Embedding: []float32{0.1, 0.2}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL, Dimension: 2})
	require.NoError(t, err)

	got, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{0.1, 0.2}, got[0])
	assert.Equal(t, []float32{0.3, 0.4}, got[1])
}

func TestClientEmbed_UnauthorizedIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Error: &EmbeddingError{Message: "invalid api key"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "bad", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, apperr.CodeEmbeddingConfig, apperr.CodeOf(err))
}

func TestClientEmbed_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL, RetryLimit: time.Millisecond})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.False(t, apperr.IsPermanent(err))
}

func TestClientEmbed_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{{Index: 0, Embedding: []float32{0.5, 0.5}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL, Dimension: 2, RetryLimit: 5 * time.Second})
	require.NoError(t, err)

	got, err := client.Embed(context.Background(), []string{"text"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientEmbed_DoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Error: &EmbeddingError{Message: "invalid api key"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "bad", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEmbeddingConfig, apperr.CodeOf(err))
}

func TestMockClient_Deterministic(t *testing.T) {
	mock := NewMockClient(8)

	a, err := mock.EmbedSingle(context.Background(), "same text")
	require.NoError(t, err)
	b, err := mock.EmbedSingle(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := mock.EmbedSingle(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
