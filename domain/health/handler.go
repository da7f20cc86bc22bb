package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/internal/storage"
	"github.com/lattice-hq/lattice/internal/version"
)

// Handler handles health check requests
type Handler struct {
	executor graph.Executor
	store    *storage.Service
	startAt  time.Time
}

// NewHandler creates a new health handler
func NewHandler(executor graph.Executor, store *storage.Service) *Handler {
	return &Handler{
		executor: executor,
		store:    store,
		startAt:  time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health returns the overall service health, probing the graph backend and
// reporting blob storage configuration.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]Check{}
	overall := "healthy"

	graphCheck := Check{Status: "healthy"}
	if _, err := h.executor.Execute(ctx, &graph.Statement{Cypher: "RETURN 1 AS ok"}); err != nil {
		graphCheck = Check{Status: "unhealthy", Message: err.Error()}
		overall = "unhealthy"
	}
	checks["graph"] = graphCheck

	storageCheck := Check{Status: "healthy"}
	if !h.store.Enabled() {
		storageCheck = Check{Status: "disabled", Message: "blob storage not configured"}
	}
	checks["storage"] = storageCheck

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Version,
		Checks:    checks,
	})
}

// Ready reports process liveness without probing backends.
func (h *Handler) Ready(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
