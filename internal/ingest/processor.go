package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/pipeline"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
	"github.com/spherical-ai/knowledge-platform/internal/vector"
)

// BlobStore is the slice of the blob store the processor needs.
type BlobStore interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Processor executes one ingestion job end to end: download, chunk, embed,
// persist, index. It is shared by the pull worker, the push handler, and the
// reindex runner.
type Processor struct {
	logger *observability.Logger
	repo   *storage.MetadataRepo
	blobs  BlobStore
	pipe   *pipeline.Pipeline
	vecs   vector.Store
}

// NewProcessor wires a processor.
func NewProcessor(logger *observability.Logger, repo *storage.MetadataRepo, blobs BlobStore, pipe *pipeline.Pipeline, vecs vector.Store) *Processor {
	return &Processor{logger: logger, repo: repo, blobs: blobs, pipe: pipe, vecs: vecs}
}

// Process runs the ingestion state machine for one message. Permanent
// failures mark the document failed before returning; the caller decides ack
// semantics from the error classification.
func (p *Processor) Process(ctx context.Context, msg *Message) error {
	logger := p.logger.WithTenant(msg.TenantID).WithDocument(msg.DocumentID.String())
	start := time.Now()

	err := p.process(ctx, msg)
	if err != nil {
		if apperr.IsPermanent(err) {
			logger.Error().Err(err).Str("code", apperr.CodeOf(err)).Msg("ingestion failed permanently")
			if markErr := p.repo.MarkDocumentFailed(ctx, msg.TenantID, msg.DocumentID, apperr.CodeOf(err)); markErr != nil {
				logger.Error().Err(markErr).Msg("failed to record document failure")
			}
		} else {
			logger.Warn().Err(err).Msg("ingestion failed transiently")
		}
		return err
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("document ingested")
	return nil
}

func (p *Processor) process(ctx context.Context, msg *Message) error {
	// The document row may not exist yet for messages published out of band.
	doc := &storage.Document{
		ID:          msg.DocumentID,
		TenantID:    msg.TenantID,
		SourceURI:   msg.BlobURI,
		ContentType: msg.ContentType,
		Status:      storage.DocumentStatusPending,
		SubmittedAt: msg.SubmittedAt,
	}
	if msg.SourceURI != "" {
		doc.SourceURI = msg.SourceURI
	}
	if err := p.repo.UpsertDocument(ctx, doc); err != nil {
		return apperr.TransientIO("upsert document", err)
	}
	if err := p.repo.MarkDocumentProcessing(ctx, msg.TenantID, msg.DocumentID); err != nil {
		return apperr.TransientIO("mark document processing", err)
	}

	data, err := p.blobs.Download(ctx, msg.BlobURI)
	if err != nil {
		return err
	}

	tmpPath, cleanup, err := writeTempPDF(msg.DocumentID.String(), data)
	if err != nil {
		return apperr.TransientIO("stage blob to disk", err)
	}
	defer cleanup()

	var override *pipeline.ChunkOverride
	if msg.ChunkConfig != nil {
		override = &pipeline.ChunkOverride{
			Size:    msg.ChunkConfig.Size,
			Overlap: msg.ChunkConfig.Overlap,
		}
	}
	chunks, err := p.pipe.Run(ctx, tmpPath, msg.DocumentID, map[string]any{
		"tenant_id":   msg.TenantID,
		"document_id": msg.DocumentID.String(),
		"source_uri":  doc.SourceURI,
	}, override)
	if err != nil {
		return err
	}

	rows := make([]storage.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = storage.Chunk{
			ID:             c.ChunkID,
			TenantID:       msg.TenantID,
			DocumentID:     msg.DocumentID,
			Text:           c.Text,
			ContentHash:    c.ContentHash,
			SourceURI:      doc.SourceURI,
			PageNumber:     c.PageNumber,
			Metadata:       c.Metadata,
			SchemaVersion:  p.pipe.SchemaVersion(),
			EmbeddingModel: p.pipe.EmbeddingModel(),
		}
	}

	if err := p.repo.UpsertChunks(ctx, rows); err != nil {
		return apperr.TransientIO("upsert chunks", err)
	}

	// Vectors must carry the canonical chunk IDs the upsert settled on.
	// Re-delivered content conflicts back to its original row, and writing
	// the vector under that row's ID keeps the namespace free of orphans.
	vecs := make([]vector.Vector, len(chunks))
	for i, c := range chunks {
		metadata := make(map[string]any, len(c.Metadata)+2)
		for k, v := range c.Metadata {
			metadata[k] = v
		}
		metadata["document_id"] = msg.DocumentID.String()
		metadata["tenant_id"] = msg.TenantID
		vecs[i] = vector.Vector{
			ID:       rows[i].ID.String(),
			Values:   c.Embedding,
			Metadata: metadata,
		}
	}
	if err := p.vecs.Upsert(ctx, msg.TenantID, vecs); err != nil {
		return err
	}

	state := storage.DocumentIndexState{
		ChunkCount:     len(chunks),
		IndexedAt:      time.Now().UTC(),
		SchemaVersion:  p.pipe.SchemaVersion(),
		EmbeddingModel: p.pipe.EmbeddingModel(),
	}
	if err := p.repo.MarkDocumentCompleted(ctx, msg.TenantID, msg.DocumentID, state); err != nil {
		return apperr.TransientIO("mark document completed", err)
	}

	return nil
}

// writeTempPDF stages blob bytes to a temp file for the PDF loader.
func writeTempPDF(name string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", fmt.Sprintf("ingest-%s-*.pdf", filepath.Base(name)))
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
