package middleware

import (
	"net/http"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	// XFrameOptions sets the X-Frame-Options header
	// Default: "DENY"
	XFrameOptions string

	// XContentTypeOptions sets the X-Content-Type-Options header
	// Default: "nosniff"
	XContentTypeOptions string

	// ContentSecurityPolicy sets the Content-Security-Policy header
	// Default: "default-src 'none'; frame-ancestors 'none'"
	ContentSecurityPolicy string

	// ReferrerPolicy sets the Referrer-Policy header
	// Default: "no-referrer"
	ReferrerPolicy string

	// CacheControl sets the Cache-Control header
	// Default: "no-store"
	CacheControl string
}

// DefaultSecurityHeadersConfig returns defaults for a JSON-only API.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		XFrameOptions:         "DENY",
		XContentTypeOptions:   "nosniff",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		CacheControl:          "no-store",
	}
}

// SecurityHeaders returns a middleware that adds security headers to responses
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if cfg.XFrameOptions != "" {
				h.Set("X-Frame-Options", cfg.XFrameOptions)
			}

			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}

			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}

			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}

			// Membership state changes constantly; never serve it from a cache.
			if cfg.CacheControl != "" {
				h.Set("Cache-Control", cfg.CacheControl)
			}

			next.ServeHTTP(w, r)
		})
	}
}
