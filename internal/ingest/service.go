package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/blob"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
)

// Uploader is the slice of the blob store the registration service needs.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Service registers uploaded documents: it gates the content type, stores
// the blob, records the pending document row, and publishes the ingestion
// message.
type Service struct {
	logger    *observability.Logger
	repo      *storage.MetadataRepo
	uploader  Uploader
	publisher *Publisher
}

// NewService wires a registration service.
func NewService(logger *observability.Logger, repo *storage.MetadataRepo, uploader Uploader, publisher *Publisher) *Service {
	return &Service{logger: logger, repo: repo, uploader: uploader, publisher: publisher}
}

// RegisterRequest describes one uploaded document.
type RegisterRequest struct {
	TenantID    string
	Filename    string
	ContentType string
	Data        []byte
	Priority    int
	RequestID   string
	AuthSubject string
}

// RegisterResult reports the accepted document.
type RegisterResult struct {
	DocumentID  uuid.UUID `json:"document_id"`
	BlobURI     string    `json:"blob_uri"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Register accepts a PDF upload and queues it for ingestion.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.TenantID == "" {
		return nil, apperr.Validation("tenant_id is required")
	}
	if len(req.Data) == 0 {
		return nil, apperr.Validation("document body is empty")
	}
	if req.ContentType != "application/pdf" {
		return nil, apperr.UnsupportedDocumentType(req.ContentType)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	documentID := uuid.New()
	now := time.Now().UTC()
	key := blob.ObjectKey(req.TenantID, documentID, req.Filename, now)

	blobURI, err := s.uploader.Upload(ctx, key, req.Data, req.ContentType)
	if err != nil {
		return nil, err
	}

	doc := &storage.Document{
		ID:          documentID,
		TenantID:    req.TenantID,
		SourceURI:   blobURI,
		ContentType: req.ContentType,
		Status:      storage.DocumentStatusPending,
		SubmittedAt: now,
	}
	if err := s.repo.UpsertDocument(ctx, doc); err != nil {
		return nil, apperr.TransientIO("record document", err)
	}

	msg := &Message{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		DocumentID:    documentID,
		Filename:      blob.SanitizeFilename(req.Filename),
		BlobURI:       blobURI,
		ContentType:   req.ContentType,
		Priority:      req.Priority,
		SchemaVersion: SchemaVersion,
		SubmittedAt:   now,
		Attributes: map[string]string{
			"tenant_id":      req.TenantID,
			"request_id":     req.RequestID,
			"schema_version": SchemaVersion,
			"auth_subject":   req.AuthSubject,
		},
	}
	if _, err := s.publisher.Publish(ctx, msg); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("document_id", documentID.String()).
		Str("blob_uri", blobURI).
		Msg("document registered for ingestion")

	return &RegisterResult{
		DocumentID:  documentID,
		BlobURI:     blobURI,
		Status:      storage.DocumentStatusPending,
		SubmittedAt: now,
	}, nil
}
