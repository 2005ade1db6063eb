package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spherical-ai/knowledge-platform/cmd/knowledge-api/middleware"
	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/retrieval"
)

// defaultTopK is used when the request omits top_k.
const defaultTopK = 8

// maxTopK caps how many passages one request may ask for.
const maxTopK = 50

// RetrievalHandler serves hybrid retrieval queries.
type RetrievalHandler struct {
	logger *observability.Logger
	engine *retrieval.Engine
}

// NewRetrievalHandler creates a retrieval handler.
func NewRetrievalHandler(logger *observability.Logger, engine *retrieval.Engine) *RetrievalHandler {
	return &RetrievalHandler{logger: logger, engine: engine}
}

// askRequest is the POST /ask body.
type askRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Ask handles POST /ask.
func (h *RetrievalHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)
	if tenantID == "" {
		writeError(h.logger, w, apperr.Validation("tenant id is required"))
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, apperr.Validation("invalid JSON body"))
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	result, err := h.engine.Retrieve(ctx, tenantID, req.Query, topK)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
