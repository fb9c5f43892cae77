package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Requests to any of the
// upgradePaths keep Connection and Upgrade so the websocket handshake works.
func SecurityHeaders(upgradePaths ...string) echo.MiddlewareFunc {
	exempt := make(map[string]bool, len(upgradePaths))
	for _, p := range upgradePaths {
		exempt[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !exempt[c.Request().URL.Path] {
				for _, h := range hopByHopHeaders {
					c.Request().Header.Del(h)
				}
			}

			// Set before the handler runs: proxied bodies are streamed and
			// headers cannot change once the status is written.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "SAMEORIGIN")

			return next(c)
		}
	}
}
