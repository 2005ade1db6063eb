// Package retrieval implements hybrid dense plus lexical retrieval with an
// optional LLM rerank stage.
package retrieval

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/knowledge-platform/internal/cache"
	"github.com/spherical-ai/knowledge-platform/internal/embedding"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
	"github.com/spherical-ai/knowledge-platform/internal/vector"
)

// MetadataSearcher is the slice of the metadata repo the engine needs.
type MetadataSearcher interface {
	SearchLexical(ctx context.Context, tenantID, query string, limit int) ([]storage.LexicalHit, error)
	FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) (map[uuid.UUID]storage.Chunk, error)
}

// Passage is one retrieved chunk with its scores.
type Passage struct {
	ChunkID      uuid.UUID      `json:"chunk_id"`
	DocumentID   uuid.UUID      `json:"document_id"`
	Text         string         `json:"content"`
	SourceURI    string         `json:"source_uri,omitempty"`
	PageNumber   *int           `json:"page_number,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DenseScore   float64        `json:"dense_score"`
	LexicalScore float64        `json:"lexical_score"`
	BlendedScore float64        `json:"blended_score"`
	RerankScore  *float64       `json:"rerank_score,omitempty"`
}

// Diagnostics reports per-stage candidate counts.
type Diagnostics struct {
	DenseRetrieved   int  `json:"dense_retrieved"`
	LexicalRetrieved int  `json:"lexical_retrieved"`
	MergedCandidates int  `json:"merged_candidates"`
	Returned         int  `json:"returned"`
	DroppedStale     int  `json:"dropped_stale"`
	Reranked         bool `json:"reranked"`
	CacheHit         bool `json:"cache_hit"`
}

// Result is a retrieval response. The query and tenant echo back so callers
// can correlate responses without holding the request.
type Result struct {
	Query       string      `json:"query"`
	TenantID    string      `json:"tenant_id"`
	Results     []Passage   `json:"results"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Config holds engine settings.
type Config struct {
	DenseTopN     int
	LexicalTopM   int
	DenseWeight   float64
	LexicalWeight float64
	CacheResults  bool
	CacheTTL      time.Duration
}

// Engine runs the hybrid retrieval flow.
type Engine struct {
	logger   *observability.Logger
	embedder embedding.Embedder
	vectors  vector.Store
	metadata MetadataSearcher
	reranker *Reranker
	cache    cache.Client
	cfg      Config
}

// NewEngine wires a retrieval engine. The reranker and cache are optional.
func NewEngine(logger *observability.Logger, embedder embedding.Embedder, vectors vector.Store, metadata MetadataSearcher, reranker *Reranker, cacheClient cache.Client, cfg Config) *Engine {
	if cfg.DenseTopN <= 0 {
		cfg.DenseTopN = 20
	}
	if cfg.LexicalTopM <= 0 {
		cfg.LexicalTopM = 20
	}
	if cfg.DenseWeight == 0 && cfg.LexicalWeight == 0 {
		cfg.DenseWeight = 0.5
		cfg.LexicalWeight = 0.5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Engine{
		logger:   logger,
		embedder: embedder,
		vectors:  vectors,
		metadata: metadata,
		reranker: reranker,
		cache:    cacheClient,
		cfg:      cfg,
	}
}

// candidate accumulates both score sides for one chunk.
type candidate struct {
	chunk        storage.Chunk
	denseScore   float64
	hasDense     bool
	lexicalScore float64
	hasLexical   bool
}

// Retrieve runs the full hybrid flow and returns the topK passages. An empty
// query short-circuits without touching any backend.
func (e *Engine) Retrieve(ctx context.Context, tenantID, query string, topK int) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return &Result{Query: query, TenantID: tenantID, Results: []Passage{}}, nil
	}

	if e.cache != nil && e.cfg.CacheResults {
		key := cache.QueryCacheKey(tenantID, query, topK)
		if data, err := e.cache.Get(ctx, key); err == nil {
			var cached Result
			if err := json.Unmarshal(data, &cached); err == nil {
				cached.Diagnostics.CacheHit = true
				return &cached, nil
			}
		}
	}

	queryVector, err := e.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	var (
		matches []vector.Match
		hits    []storage.LexicalHit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		matches, err = e.vectors.Query(gctx, tenantID, queryVector, e.cfg.DenseTopN)
		return err
	})
	g.Go(func() error {
		var err error
		hits, err = e.metadata.SearchLexical(gctx, tenantID, query, e.cfg.LexicalTopM)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates, dropped, err := e.merge(ctx, tenantID, matches, hits)
	if err != nil {
		return nil, err
	}

	passages := blend(candidates, e.cfg.DenseWeight, e.cfg.LexicalWeight)

	diag := Diagnostics{
		DenseRetrieved:   len(matches),
		LexicalRetrieved: len(hits),
		MergedCandidates: len(passages),
		DroppedStale:     dropped,
	}

	if e.reranker != nil && len(passages) > 0 {
		passages, diag.Reranked = e.reranker.Rerank(ctx, query, passages, topK)
	}

	if len(passages) > topK {
		passages = passages[:topK]
	}
	diag.Returned = len(passages)

	result := &Result{Query: query, TenantID: tenantID, Results: passages, Diagnostics: diag}

	if e.cache != nil && e.cfg.CacheResults {
		if data, err := json.Marshal(result); err == nil {
			key := cache.QueryCacheKey(tenantID, query, topK)
			if err := e.cache.Set(ctx, key, data, e.cfg.CacheTTL); err != nil {
				e.logger.Warn().Err(err).Msg("retrieval cache write failed")
			}
		}
	}

	return result, nil
}

// merge hydrates dense matches from the metadata store, drops matches whose
// chunk no longer exists, and folds in the lexical hits.
func (e *Engine) merge(ctx context.Context, tenantID string, matches []vector.Match, hits []storage.LexicalHit) (map[uuid.UUID]*candidate, int, error) {
	candidates := make(map[uuid.UUID]*candidate, len(matches)+len(hits))

	ids := make([]uuid.UUID, 0, len(matches))
	scores := make(map[uuid.UUID]float64, len(matches))
	for _, m := range matches {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		scores[id] = m.Score
	}

	dropped := 0
	if len(ids) > 0 {
		chunks, err := e.metadata.FetchChunksByIDs(ctx, tenantID, ids)
		if err != nil {
			return nil, 0, err
		}
		for _, id := range ids {
			chunk, ok := chunks[id]
			if !ok {
				// Vector id with no surviving metadata row: superseded index
				// entry, drop it.
				dropped++
				continue
			}
			candidates[id] = &candidate{chunk: chunk, denseScore: scores[id], hasDense: true}
		}
	}

	for _, h := range hits {
		if c, ok := candidates[h.ID]; ok {
			c.lexicalScore = h.Rank
			c.hasLexical = true
			continue
		}
		candidates[h.ID] = &candidate{chunk: h.Chunk, lexicalScore: h.Rank, hasLexical: true}
	}

	return candidates, dropped, nil
}

// blend min-max normalizes each score side across the candidate set, combines
// them with the configured weights, and sorts descending with chunk_id as the
// deterministic tie-break. A missing side contributes zero; a degenerate side
// where max equals min normalizes to 1.0.
func blend(candidates map[uuid.UUID]*candidate, denseWeight, lexicalWeight float64) []Passage {
	if len(candidates) == 0 {
		return []Passage{}
	}

	denseNorm := normalizer(candidates, func(c *candidate) (float64, bool) {
		return c.denseScore, c.hasDense
	})
	lexicalNorm := normalizer(candidates, func(c *candidate) (float64, bool) {
		return c.lexicalScore, c.hasLexical
	})

	passages := make([]Passage, 0, len(candidates))
	for id, c := range candidates {
		var dense, lexical float64
		if c.hasDense {
			dense = denseNorm(c.denseScore)
		}
		if c.hasLexical {
			lexical = lexicalNorm(c.lexicalScore)
		}

		passages = append(passages, Passage{
			ChunkID:      id,
			DocumentID:   c.chunk.DocumentID,
			Text:         c.chunk.Text,
			SourceURI:    c.chunk.SourceURI,
			PageNumber:   c.chunk.PageNumber,
			Metadata:     c.chunk.Metadata,
			DenseScore:   dense,
			LexicalScore: lexical,
			BlendedScore: denseWeight*dense + lexicalWeight*lexical,
		})
	}

	sort.Slice(passages, func(i, j int) bool {
		if passages[i].BlendedScore != passages[j].BlendedScore {
			return passages[i].BlendedScore > passages[j].BlendedScore
		}
		return passages[i].ChunkID.String() < passages[j].ChunkID.String()
	})

	return passages
}

// normalizer builds a min-max normalization closure over the present values
// of one score side.
func normalizer(candidates map[uuid.UUID]*candidate, extract func(*candidate) (float64, bool)) func(float64) float64 {
	first := true
	var min, max float64
	for _, c := range candidates {
		v, ok := extract(c)
		if !ok {
			continue
		}
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if first {
		return func(float64) float64 { return 0 }
	}
	if max == min {
		return func(float64) float64 { return 1.0 }
	}
	span := max - min
	return func(v float64) float64 { return (v - min) / span }
}
