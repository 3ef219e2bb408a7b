package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// WithOriginPolicy enforces the configured browser-origin allowlist and sets
// CORS headers on cross-origin requests. Requests without an Origin header
// (curl, server-to-server) pass through untouched.
func (s *Server) WithOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, host, ok := normalizeOrigin(originHeader)
		if !ok || !originAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Preflight support for browser clients. The per-route handler doesn't
		// need to run for preflight.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// CheckOrigin reports whether a WebSocket upgrade from originHeader should be
// accepted, per the same allowlist as WithOriginPolicy.
func (s *Server) CheckOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	normalized, host, ok := normalizeOrigin(originHeader)
	return ok && originAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func normalizeOrigin(raw string) (normalized, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", "", false
	}
	host = strings.ToLower(u.Host)
	return u.Scheme + "://" + host, host, true
}

func originAllowed(normalized, originHost, requestHost string, allowlist []string) bool {
	// Same-host requests are always accepted, so a frontend served by this
	// process works without configuration.
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}
