package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"midora/internal/cache"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the full health check response.
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthHandler reports database and cache reachability.
type HealthHandler struct {
	db      *sql.DB
	cache   *cache.Client
	timeout time.Duration
}

// NewHealthHandler creates a health handler. cache may be nil when Redis is
// not configured; it is then left out of the report.
func NewHealthHandler(db *sql.DB, cache *cache.Client) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, timeout: 2 * time.Second}
}

// Health serves GET /healthz. It is mounted outside the API base path and
// is left out of the swagger document.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: map[string]ComponentHealth{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		resp.Components["database"] = ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		resp.Status = StatusUnhealthy
	} else {
		resp.Components["database"] = ComponentHealth{Status: StatusHealthy}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			resp.Components["cache"] = ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		} else {
			resp.Components["cache"] = ComponentHealth{Status: StatusHealthy}
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
