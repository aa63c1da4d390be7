package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityConfig selects the response headers that depend on deployment.
type SecurityConfig struct {
	// HSTS sends Strict-Transport-Security. Off when the API is served over
	// plain HTTP, as in development.
	HSTS bool
	// CacheControl is the default Cache-Control of every response. Handlers
	// may set their own; an empty value leaves the header out.
	CacheControl string
}

// SecurityHeaders sets the fixed security headers of the API plus the
// deployment dependent ones from cfg.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if cfg.CacheControl != "" {
				h.Set(echo.HeaderCacheControl, cfg.CacheControl)
			}
			return next(c)
		}
	}
}
