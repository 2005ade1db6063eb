package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/llm"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/retrieval"
)

// historyTurnChars bounds how much of each prior turn the summary keeps.
const historyTurnChars = 400

// Retriever is the slice of the retrieval engine the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string, topK int) (*retrieval.Result, error)
}

// Config holds orchestrator settings.
type Config struct {
	DefaultModel   string
	FallbackModels []string
	MaxInputChars  int
	PromptName     string
	TopK           int
	Temperature    float64
	MaxTokens      int
}

// Turn is one prior conversation exchange.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat question.
type Request struct {
	TenantID      string `json:"tenant_id"`
	Question      string `json:"question"`
	History       []Turn `json:"history,omitempty"`
	Model         string `json:"model,omitempty"`
	PromptVersion string `json:"prompt_version,omitempty"`
}

// Response is one grounded answer.
type Response struct {
	Answer     string              `json:"answer"`
	Model      string              `json:"model"`
	Passages   []retrieval.Passage `json:"passages"`
	Redactions int                 `json:"redactions,omitempty"`
}

// Orchestrator runs the guarded retrieve-then-answer flow.
type Orchestrator struct {
	logger     *observability.Logger
	retriever  Retriever
	client     llm.ChatClient
	guardrails *Guardrails
	prompts    *PromptRegistry
	cfg        Config
}

// NewOrchestrator wires a chat orchestrator.
func NewOrchestrator(logger *observability.Logger, retriever Retriever, client llm.ChatClient, prompts *PromptRegistry, cfg Config) *Orchestrator {
	if cfg.PromptName == "" {
		cfg.PromptName = "grounded-answer"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	return &Orchestrator{
		logger:     logger,
		retriever:  retriever,
		client:     client,
		guardrails: NewGuardrails(cfg.MaxInputChars),
		prompts:    prompts,
		cfg:        cfg,
	}
}

// Ask answers one question grounded on retrieved passages. Guardrail
// rejections surface as validation errors; model exhaustion surfaces as a
// retryable upstream failure.
func (o *Orchestrator) Ask(ctx context.Context, req *Request) (*Response, error) {
	if req.TenantID == "" {
		return nil, apperr.Validation("tenant_id is required")
	}

	screen := o.guardrails.Inspect(req.Question)
	if !screen.Allowed {
		return nil, apperr.Validation(screen.Reason)
	}
	question := screen.RedactedText

	result, err := o.retriever.Retrieve(ctx, req.TenantID, question, o.cfg.TopK)
	if err != nil {
		return nil, err
	}

	system, user, err := o.prompts.Render(o.cfg.PromptName, req.PromptVersion, PromptData{
		Question: question,
		Context:  FormatContext(result.Results),
		History:  SummarizeHistory(req.History),
	})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("render prompt: %w", err))
	}

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	answer, model, err := o.complete(ctx, req.Model, messages)
	if err != nil {
		return nil, err
	}

	return &Response{
		Answer:     SanitizeOutput(answer),
		Model:      model,
		Passages:   result.Results,
		Redactions: screen.Redactions,
	}, nil
}

// AskStream answers like Ask but delivers the answer incrementally over a
// channel. The channel closes when the answer is complete.
func (o *Orchestrator) AskStream(ctx context.Context, req *Request) (<-chan string, *Response, error) {
	resp, err := o.Ask(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(resp.Answer, " ") {
			select {
			case <-ctx.Done():
				return
			case out <- word:
			}
		}
	}()
	return out, resp, nil
}

// complete tries the requested model, then the default, then each fallback
// in order. A transient failure on one model moves on to the next.
func (o *Orchestrator) complete(ctx context.Context, requested string, messages []llm.Message) (string, string, error) {
	models := o.modelOrder(requested)

	var lastErr error
	for _, model := range models {
		answer, err := o.client.Complete(ctx, model, messages, llm.Options{
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		})
		if err == nil {
			return answer, model, nil
		}
		lastErr = err
		o.logger.Warn().Err(err).Str("model", model).Msg("chat model failed, trying next")
		if ctx.Err() != nil {
			break
		}
	}
	return "", "", apperr.LLMFailed(fmt.Errorf("all chat models exhausted (%d tried): %w", len(models), lastErr))
}

func (o *Orchestrator) modelOrder(requested string) []string {
	seen := make(map[string]bool)
	var models []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	add(requested)
	add(o.cfg.DefaultModel)
	for _, m := range o.cfg.FallbackModels {
		add(m)
	}
	return models
}

// FormatContext renders retrieved passages as a numbered block the prompt
// can cite, one entry per passage.
func FormatContext(passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return "(no relevant passages found)"
	}
	var b strings.Builder
	for i, p := range passages {
		source := p.SourceURI
		if source == "" {
			source = p.DocumentID.String()
		}
		if p.PageNumber != nil {
			source = fmt.Sprintf("%s#page=%d", source, *p.PageNumber)
		}
		fmt.Fprintf(&b, "[%d] source=%s\n%s\n\n", i+1, source, p.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SummarizeHistory compresses prior turns into a compact transcript, keeping
// the leading characters of each turn.
func SummarizeHistory(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if len(content) > historyTurnChars {
			content = content[:historyTurnChars]
		}
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
