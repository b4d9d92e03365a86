package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists browser origins allowed to reach the relay from pages on
// another host. Entries are "scheme://host[:port]", "scheme://*.domain" for
// any subdomain, or "*" for any origin. With no entries only same-origin
// pages are served.
type CORSConfig struct {
	AllowedOrigins []string
}

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsExposeHeaders = "X-Request-Id, Retry-After"
	corsMaxAge        = "600"
)

var corsAllowHeaders = []string{"Authorization", "Content-Type", "X-Request-Id"}

type corsPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []originSuffix
}

// originSuffix matches "scheme://<anything>.domain".
type originSuffix struct {
	scheme string
	domain string
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{exact: make(map[string]struct{})}
	for _, raw := range cfg.AllowedOrigins {
		origin := strings.TrimSpace(raw)
		switch {
		case origin == "":
			continue
		case origin == "*":
			policy.any = true
			continue
		}
		scheme, host, ok := strings.Cut(origin, "://")
		if ok && strings.HasPrefix(host, "*.") && len(host) > 2 {
			policy.suffixes = append(policy.suffixes, originSuffix{
				scheme: strings.ToLower(scheme),
				domain: strings.ToLower(host[1:]),
			})
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", raw, err)
		}
		policy.exact[normalized] = struct{}{}
	}
	return policy, nil
}

// OriginChecker returns a WebSocket upgrade check applying the same policy
// as the HTTP routes. Requests without an Origin header come from
// non-browser clients and are accepted.
func OriginChecker(cfg CORSConfig) (func(*http.Request) bool, error) {
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || policy.allows(origin, originForRequest(r))
	}, nil
}

func normalizeOrigin(origin string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func (p corsPolicy) allows(origin, requestOrigin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}
	if p.any || normalized == requestOrigin {
		return true
	}
	if _, ok := p.exact[normalized]; ok {
		return true
	}
	scheme, host, _ := strings.Cut(normalized, "://")
	hostname := stripPort(host)
	for _, s := range p.suffixes {
		if s.scheme == scheme && strings.HasSuffix(hostname, s.domain) && len(hostname) > len(s.domain) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.allows(origin, originForRequest(r)) {
			if logger != nil {
				logger.Warn("blocked cross-origin request", "origin", origin, "path", r.URL.Path)
			}
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", strings.Join(allowedRequestHeaders(r.Header.Get("Access-Control-Request-Headers")), ", "))
		h.Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

// allowedRequestHeaders keeps the requested headers the relay accepts. An
// empty request yields the full allow list.
func allowedRequestHeaders(requested string) []string {
	if strings.TrimSpace(requested) == "" {
		return corsAllowHeaders
	}
	var out []string
	for _, name := range strings.Split(requested, ",") {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		for _, allowed := range corsAllowHeaders {
			if name == allowed {
				out = append(out, allowed)
				break
			}
		}
	}
	return out
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}
