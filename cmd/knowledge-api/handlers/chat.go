package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spherical-ai/knowledge-platform/cmd/knowledge-api/middleware"
	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/chat"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// ChatHandler serves grounded chat requests.
type ChatHandler struct {
	logger       *observability.Logger
	orchestrator *chat.Orchestrator
}

// NewChatHandler creates a chat handler.
func NewChatHandler(logger *observability.Logger, orchestrator *chat.Orchestrator) *ChatHandler {
	return &ChatHandler{logger: logger, orchestrator: orchestrator}
}

// chatRequest is the POST /chat body. The tenant comes from the request
// context, not the body.
type chatRequest struct {
	Question      string      `json:"question"`
	History       []chat.Turn `json:"history,omitempty"`
	Model         string      `json:"model,omitempty"`
	PromptVersion string      `json:"prompt_version,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)
	if tenantID == "" {
		writeError(h.logger, w, apperr.Validation("tenant id is required"))
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(h.logger, w, apperr.Validation("invalid JSON body"))
		return
	}

	req := &chat.Request{
		TenantID:      tenantID,
		Question:      body.Question,
		History:       body.History,
		Model:         body.Model,
		PromptVersion: body.PromptVersion,
	}

	if body.Stream {
		h.stream(w, r, req)
		return
	}

	resp, err := h.orchestrator.Ask(ctx, req)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// stream delivers the answer as server-sent events, one data frame per
// fragment, terminated by a done frame.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *chat.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(h.logger, w, apperr.Validation("streaming unsupported by connection"))
		return
	}

	parts, resp, err := h.orchestrator.AskStream(r.Context(), req)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for part := range parts {
		frame, err := json.Marshal(map[string]string{"delta": part})
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	final, err := json.Marshal(map[string]any{"done": true, "model": resp.Model, "passages": resp.Passages})
	if err == nil {
		fmt.Fprintf(w, "data: %s\n\n", final)
		flusher.Flush()
	}
}
