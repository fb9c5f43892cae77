package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"sp-rest-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg       *config.Config
	version   Version
	connected func() bool
}

// NewHealthHandler creates a HealthHandler. connected reports the gateway
// client state in server mode and may be nil.
func NewHealthHandler(cfg *config.Config, v Version, connected func() bool) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, connected: connected}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	mode := h.cfg.Gateway.Mode
	if mode == config.ModeStandalone {
		mode = "standalone"
	}
	body := map[string]any{
		"status":   "ok",
		"version":  string(h.version),
		"site_url": h.cfg.Site.URL,
		"mode":     mode,
	}
	if h.connected != nil {
		body["gateway_client_connected"] = h.connected()
	}
	return c.JSON(http.StatusOK, body)
}
