package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/embedding"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// ChunkEmbedding is one chunk of document text with its dense vector.
// ChunkID is freshly generated on every run; ContentHash is the stable
// identity used for idempotent persistence.
type ChunkEmbedding struct {
	ChunkID     uuid.UUID
	Text        string
	ContentHash string
	Embedding   []float32
	PageNumber  *int
	Metadata    map[string]any
}

// Config holds pipeline settings.
type Config struct {
	ChunkSize     int
	ChunkOverlap  int
	BatchSize     int
	SchemaVersion string
}

// Pipeline converts a PDF file into embedded chunks.
type Pipeline struct {
	logger   *observability.Logger
	embedder embedding.Embedder
	splitter *Splitter
	cfg      Config
}

// New creates a pipeline.
func New(logger *observability.Logger, embedder embedding.Embedder, cfg Config) (*Pipeline, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	splitter, err := NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		logger:   logger,
		embedder: embedder,
		splitter: splitter,
		cfg:      cfg,
	}, nil
}

// SchemaVersion reports the chunk schema version the pipeline stamps.
func (p *Pipeline) SchemaVersion() string {
	return p.cfg.SchemaVersion
}

// EmbeddingModel reports the provider model in use.
func (p *Pipeline) EmbeddingModel() string {
	return p.embedder.Model()
}

// ChunkOverride adjusts the splitter geometry for a single run. Messages may
// carry their own chunking settings; everything else about the pipeline stays
// as configured.
type ChunkOverride struct {
	Size    int
	Overlap int
}

// Run loads the PDF at path, splits it into chunks, and embeds them. The
// docContext entries are merged into each chunk's metadata; chunk-level keys
// (chunk_index, source_path, page) are stamped last. A non-nil override
// replaces the configured splitter geometry for this run only.
func (p *Pipeline) Run(ctx context.Context, path string, documentID uuid.UUID, docContext map[string]any, override *ChunkOverride) ([]ChunkEmbedding, error) {
	splitter := p.splitter
	if override != nil {
		s, err := NewSplitter(override.Size, override.Overlap)
		if err != nil {
			return nil, err
		}
		splitter = s
	}

	pages, err := LoadPDF(path)
	if err != nil {
		return nil, err
	}

	type span struct {
		text string
		page int
	}
	var spans []span
	for _, page := range pages {
		for _, text := range splitter.Split(page.Text) {
			spans = append(spans, span{text: text, page: page.Number})
		}
	}

	if len(spans) == 0 {
		return nil, apperr.EmptyDocument(documentID.String())
	}

	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.text
	}

	vectors, err := p.embedBatched(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(spans) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(spans))
	}

	chunks := make([]ChunkEmbedding, len(spans))
	for i, sp := range spans {
		metadata := make(map[string]any, len(docContext)+3)
		for k, v := range docContext {
			metadata[k] = v
		}
		metadata["chunk_index"] = i
		metadata["source_path"] = path
		metadata["page"] = sp.page

		page := sp.page
		chunks[i] = ChunkEmbedding{
			ChunkID:     uuid.New(),
			Text:        sp.text,
			ContentHash: HashContent(sp.text),
			Embedding:   vectors[i],
			PageNumber:  &page,
			Metadata:    metadata,
		}
	}

	p.logger.Debug().
		Str("document_id", documentID.String()).
		Int("pages", len(pages)).
		Int("chunks", len(chunks)).
		Msg("pipeline produced chunks")

	return chunks, nil
}

func (p *Pipeline) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += p.cfg.BatchSize {
		end := i + p.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.embedder.Embed(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// HashContent returns the hex SHA-256 of chunk text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
