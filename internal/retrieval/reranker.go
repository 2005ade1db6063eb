package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/llm"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// maxPassageChars bounds how much of each passage the scoring prompt sees.
const maxPassageChars = 500

// RerankerConfig holds rerank stage settings.
type RerankerConfig struct {
	Model   string
	Timeout time.Duration
}

// Reranker scores passages against the query with a chat model. It is a
// best-effort stage: any failure falls back to the blended order.
type Reranker struct {
	logger *observability.Logger
	client llm.ChatClient
	cfg    RerankerConfig
}

// NewReranker creates a reranker.
func NewReranker(logger *observability.Logger, client llm.ChatClient, cfg RerankerConfig) *Reranker {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Reranker{logger: logger, client: client, cfg: cfg}
}

type rerankScores struct {
	Scores []struct {
		ChunkID string  `json:"chunk_id"`
		Score   float64 `json:"score"`
	} `json:"scores"`
}

// Rerank scores the top max(2*topK, topK) passages and reorders them by model
// score. The boolean reports whether reranking was applied; on timeout or an
// unusable response the blended order is returned unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, passages []Passage, topK int) ([]Passage, bool) {
	window := 2 * topK
	if window < topK {
		window = topK
	}
	limited := passages
	if len(limited) > window {
		limited = limited[:window]
	}
	rest := passages[len(limited):]

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	content, err := r.client.Complete(ctx, r.cfg.Model, []llm.Message{
		{Role: "system", Content: rerankSystemPrompt},
		{Role: "user", Content: buildRerankPrompt(query, limited)},
	}, llm.Options{Temperature: 0, JSONMode: true})
	if err != nil {
		r.logger.Warn().Err(err).Msg("rerank call failed, using blended order")
		return passages, false
	}

	scores, err := parseRerankResponse(content)
	if err != nil {
		r.logger.Warn().Err(err).Msg("rerank response unusable, using blended order")
		return passages, false
	}

	byID := make(map[uuid.UUID]float64, len(scores.Scores))
	for _, s := range scores.Scores {
		id, err := uuid.Parse(s.ChunkID)
		if err != nil {
			continue
		}
		// The contract is a relevance score in [0, 1]; clamp out-of-range
		// values the model may produce anyway.
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		byID[id] = score
	}
	if len(byID) == 0 {
		return passages, false
	}

	reranked := make([]Passage, len(limited))
	copy(reranked, limited)
	for i := range reranked {
		if score, ok := byID[reranked[i].ChunkID]; ok {
			s := score
			reranked[i].RerankScore = &s
		}
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		si, oki := scoreOf(reranked[i])
		sj, okj := scoreOf(reranked[j])
		if oki != okj {
			return oki
		}
		if si != sj {
			return si > sj
		}
		return reranked[i].BlendedScore > reranked[j].BlendedScore
	})

	return append(reranked, rest...), true
}

func scoreOf(p Passage) (float64, bool) {
	if p.RerankScore == nil {
		return 0, false
	}
	return *p.RerankScore, true
}

const rerankSystemPrompt = `You are a relevance judge. Score each passage for how well it answers the question with a number between 0 and 1. Respond with JSON only: {"scores": [{"chunk_id": "...", "score": 0.0}]}`

func buildRerankPrompt(query string, passages []Passage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", query)
	for _, p := range passages {
		fmt.Fprintf(&b, "chunk_id=%s\n%s\n\n", p.ChunkID, truncateRunes(p.Text, maxPassageChars))
	}
	return b.String()
}

// truncateRunes cuts text to at most max bytes without splitting a rune.
func truncateRunes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// parseRerankResponse tolerates code fences and leading prose around the
// JSON object.
func parseRerankResponse(content string) (*rerankScores, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}
	var scores rerankScores
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		return nil, fmt.Errorf("parse rerank scores: %w", err)
	}
	if len(scores.Scores) == 0 {
		return nil, fmt.Errorf("rerank response has no scores")
	}
	return &scores, nil
}
