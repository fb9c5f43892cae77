package handler

import (
	"github.com/labstack/echo/v4"

	"sp-rest-proxy-go/internal/route"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// outside the local endpoints goes to the proxy, which answers 405 for calls
// it cannot classify.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	RegisterHealthRoutes(e, health)

	e.Any("/*", proxy.Handle)
	e.Add(route.MethodMerge, "/*", proxy.Handle)
}

// RegisterHealthRoutes wires only the local status endpoints. A gateway
// client serves these and nothing else.
func RegisterHealthRoutes(e *echo.Echo, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
}
