package proxy

import (
	"net"
	"net/http"
	"strings"
)

// Hop-by-hop headers are connection-scoped and must not cross the
// proxy in either direction. Host is included because the upstream
// request carries its own.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

func copyEndToEndHeaders(dst http.Header, src http.Header, skip ...string) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		skipped := false
		for _, s := range skip {
			if strings.EqualFold(k, s) {
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// bearerToken pulls the client credential from Authorization: Bearer
// or the X-API-Key header.
func bearerToken(h http.Header) string {
	auth := strings.TrimSpace(h.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(h.Get("X-API-Key"))
}

// clientIP returns the peer address. When TrustProxy is set the RealIP
// middleware has already rewritten RemoteAddr from X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	hsts := s.cfg.TLSEnabled() || s.cfg.ForceHTTPS
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		if strings.HasPrefix(r.URL.Path, "/admin") {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// httpsEnforceMiddleware rejects plaintext requests when HTTPS is
// required. Health probes stay reachable for load balancers, and
// X-Forwarded-Proto is honored only behind a trusted proxy.
func (s *Server) httpsEnforceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.ForceHTTPS || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		secure := r.TLS != nil
		if !secure && s.cfg.TrustProxy {
			secure = strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
		}
		if !secure {
			writeError(w, http.StatusForbidden, errTypeInvalidRequest, "https_required",
				"HTTPS required. Please use a secure connection.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
