package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/embedding"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(observability.DefaultLogger(), embedding.NewMockClient(16), Config{
		ChunkSize:     1000,
		ChunkOverlap:  200,
		SchemaVersion: "2024-09-24",
	})
	require.NoError(t, err)
	return p
}

func TestRun_MissingFile(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "absent.pdf"), uuid.New(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMissingTempFile, apperr.CodeOf(err))
	assert.True(t, apperr.IsPermanent(err))
}

func TestRun_ChunkOverrideValidated(t *testing.T) {
	p := newTestPipeline(t)

	// A bad override fails before the file is even opened.
	_, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "absent.pdf"), uuid.New(), nil,
		&ChunkOverride{Size: 100, Overlap: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlap")
}

func TestHashContent_StableAndDistinct(t *testing.T) {
	assert.Equal(t, HashContent("same"), HashContent("same"))
	assert.NotEqual(t, HashContent("one"), HashContent("two"))
	assert.Len(t, HashContent("x"), 64)
}

func TestNew_DefaultsAndValidation(t *testing.T) {
	p, err := New(observability.DefaultLogger(), embedding.NewMockClient(8), Config{})
	require.NoError(t, err)
	assert.Equal(t, 1000, p.cfg.ChunkSize)

	_, err = New(observability.DefaultLogger(), embedding.NewMockClient(8), Config{
		ChunkSize:    100,
		ChunkOverlap: 100,
	})
	require.Error(t, err)
}

func TestPipelineMetadataStamping(t *testing.T) {
	// Exercise the metadata merge path without a real PDF by driving the
	// splitter and embedder directly the way Run does.
	p := newTestPipeline(t)
	texts := p.splitter.Split("page one text")
	require.Len(t, texts, 1)

	vectors, err := p.embedder.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Len(t, vectors[0], 16)
}
