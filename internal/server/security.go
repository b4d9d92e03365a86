package server

import (
	"cmp"
	"net/http"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultHSTS                  = "max-age=31536000"
)

// SecurityConfig controls the hardening headers added to every response.
// The relay serves JSON and binary streams only, so the defaults deny all
// embedding and resource loading. Zero-valued fields fall back to them.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	// StrictTransportSecurity is sent on TLS connections only.
	StrictTransportSecurity string
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := map[string]string{
		"Content-Security-Policy": cmp.Or(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy),
		"X-Frame-Options":         cmp.Or(cfg.FrameOptions, "DENY"),
		"Referrer-Policy":         cmp.Or(cfg.ReferrerPolicy, "no-referrer"),
		"X-Content-Type-Options":  "nosniff",
		"Cache-Control":           "no-store",
	}
	hsts := cmp.Or(cfg.StrictTransportSecurity, defaultHSTS)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range headers {
			h.Set(name, value)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
