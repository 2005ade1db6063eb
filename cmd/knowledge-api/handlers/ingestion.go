package handlers

import (
	"io"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/knowledge-platform/cmd/knowledge-api/middleware"
	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/ingest"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// maxUploadBytes caps multipart uploads.
const maxUploadBytes = 50 << 20

// IngestionHandler accepts document uploads and push deliveries.
type IngestionHandler struct {
	logger    *observability.Logger
	service   *ingest.Service
	processor *ingest.Processor
}

// NewIngestionHandler creates an ingestion handler.
func NewIngestionHandler(logger *observability.Logger, service *ingest.Service, processor *ingest.Processor) *IngestionHandler {
	return &IngestionHandler{logger: logger, service: service, processor: processor}
}

// Ingest handles POST /ingest. The document arrives as the multipart "file"
// field; priority is an optional form value.
func (h *IngestionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(h.logger, w, apperr.Validation("invalid multipart body"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(h.logger, w, apperr.Validation("missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(h.logger, w, apperr.Validation("unreadable file field"))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if override := r.FormValue("content_type"); override != "" {
		contentType = override
	}

	priority := 0
	if raw := r.FormValue("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			writeError(h.logger, w, apperr.Validation("priority must be an integer"))
			return
		}
	}

	result, err := h.service.Register(ctx, ingest.RegisterRequest{
		TenantID:    tenantID,
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
		Priority:    priority,
		RequestID:   chimiddleware.GetReqID(ctx),
		AuthSubject: middleware.SubjectFromContext(ctx),
	})
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// pushResponse is the acknowledgement body for push deliveries.
type pushResponse struct {
	Status string `json:"status"`
}

// Push handles POST /pubsub/push. Permanent failures acknowledge with 200 so
// the broker stops redelivering; transient failures return 500 to trigger a
// retry.
func (h *IngestionHandler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, pushResponse{Status: "permanent_error"})
		return
	}

	msg, err := ingest.DecodePushEnvelope(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dropping undecodable push envelope")
		writeJSON(w, http.StatusOK, pushResponse{Status: "permanent_error"})
		return
	}

	if err := h.processor.Process(ctx, msg); err != nil {
		if apperr.IsPermanent(err) {
			writeJSON(w, http.StatusOK, pushResponse{Status: "permanent_error"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, pushResponse{Status: "transient_error"})
		return
	}

	writeJSON(w, http.StatusOK, pushResponse{Status: "ok"})
}
