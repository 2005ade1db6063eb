package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// Pinger checks liveness of one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	logger   *observability.Logger
	database Pinger
	broker   Pinger
}

// NewHealthHandler creates a health handler. Either pinger may be nil when
// that dependency is not configured.
func NewHealthHandler(logger *observability.Logger, database, broker Pinger) *HealthHandler {
	return &HealthHandler{logger: logger, database: database, broker: broker}
}

// Healthz handles GET /healthz.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "knowledge-platform"})
}

// Readyz handles GET /readyz. It pings the metadata store and the broker
// with a short deadline.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	check := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "skipped"
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = "unavailable"
			ready = false
			return
		}
		checks[name] = "ok"
	}
	check("database", h.database)
	check("broker", h.broker)

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
