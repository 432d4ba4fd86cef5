// Package proxy implements the authenticating gateway in front of the
// Privatemode inference API: bearer-key authentication, layered rate
// limiting, transparent request relay with streaming support, usage
// metering, and the admin API.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Open-Paws/privatemode-proxy/pkg/config"
	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
	"github.com/Open-Paws/privatemode-proxy/pkg/ratelimit"
	"github.com/Open-Paws/privatemode-proxy/pkg/usage"
)

const (
	maxRequestBody  = 64 << 20
	maxResponseBody = 64 << 20
)

type keyContextKey struct{}

func keyFromContext(ctx context.Context) (keystore.Record, bool) {
	rec, ok := ctx.Value(keyContextKey{}).(keystore.Record)
	return rec, ok
}

type Server struct {
	cfg      *config.Config
	settings *config.SettingsStore
	keys     *keystore.Store
	limiter  *ratelimit.Limiter
	tracker  *usage.Tracker
	monitor  *UpstreamMonitor
	admin    *AdminHandler

	httpServer   *http.Server
	client       *http.Client
	upstreamBase *url.URL

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(cfg *config.Config, settings *config.SettingsStore, keys *keystore.Store, tracker *usage.Tracker) (*Server, error) {
	base, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		settings: settings,
		keys:     keys,
		limiter:  ratelimit.New(),
		tracker:  tracker,
		monitor:  NewUpstreamMonitor(cfg.UpstreamURL, upstreamCheckInterval),
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
		},
		upstreamBase: base,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.lifecycleMiddleware)
	r.Use(s.httpsEnforceMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.With(s.authMiddleware).Get("/auth/key-info", s.handleKeyInfo)

	if cfg.AdminEnabled() {
		s.admin = NewAdminHandler(cfg, keys, settings, tracker, s.monitor, s.limiter, s.activeProxyRequests.Load)
		s.admin.RegisterRoutes(r)
	} else {
		log.Warn("admin API disabled, no ADMIN_PASSWORD or ADMIN_PASSWORD_HASH configured")
	}

	// Everything else relays to the upstream behind key auth.
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Handle("/*", http.HandlerFunc(s.proxyHandler))
	})

	// Unmatched routes get the error envelope too, not chi's plain
	// text defaults.
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errTypeInvalidRequest, "method_not_allowed", "Method not allowed")
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go s.monitor.Run(ctx)
	go s.sweepLoop(ctx)

	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			log.Info("gateway listening", "addr", s.cfg.ListenAddr, "tls", true, "upstream", s.cfg.UpstreamURL)
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			log.Info("gateway listening", "addr", s.cfg.ListenAddr, "upstream", s.cfg.UpstreamURL)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.waitForProxyIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	if err := s.tracker.Flush(); err != nil {
		log.Error("flush usage history", "error", err)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// lifecycleMiddleware refuses new relay work while draining and counts
// in-flight relay requests so shutdown can wait for them.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/v1/"
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, errTypeUpstream, "shutting_down", "server shutting down")
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Sweep(10 * time.Minute); n > 0 {
				log.Debug("swept idle rate limit counters", "count", n)
			}
		}
	}
}

// authMiddleware admits a request in fixed order: global window, then
// source IP window, then key authentication, then the per-key window.
// Rejections never reach the upstream.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := s.settings.Snapshot()

		global := s.limiter.Check(ratelimit.ScopeGlobal, "", set.RateLimitRequests, set.RateLimitWindow())
		if !global.Allowed {
			writeRateLimited(w, global, "Global rate limit exceeded")
			return
		}

		ip := clientIP(r)
		ipRes := s.limiter.Check(ratelimit.ScopeIP, ip, set.IPRateLimitRequests, set.IPRateLimitWindow())
		if !ipRes.Allowed {
			writeRateLimited(w, ipRes, "Rate limit exceeded for this address")
			return
		}

		secret := bearerToken(r.Header)
		if secret == "" {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "missing_api_key",
				"Missing API key. Use Authorization: Bearer <key> or X-API-Key header")
			return
		}
		rec, err := s.keys.Authenticate(secret)
		if err != nil {
			switch {
			case errors.Is(err, keystore.ErrKeyDisabled):
				writeError(w, http.StatusForbidden, errTypeAuthentication, "key_disabled", "API key has been disabled")
			case errors.Is(err, keystore.ErrKeyExpired):
				writeError(w, http.StatusForbidden, errTypeAuthentication, "key_expired", "API key has expired")
			default:
				writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid_api_key", "Invalid API key")
			}
			return
		}

		applied := global
		limit := rec.RateLimit
		if limit == 0 {
			limit = set.KeyRateLimitRequests
		}
		if limit > 0 {
			keyRes := s.limiter.Check(ratelimit.ScopeKey, rec.KeyID, limit, set.RateLimitWindow())
			if !keyRes.Allowed {
				writeRateLimited(w, keyRes, "Rate limit exceeded for this API key")
				return
			}
			applied = keyRes
		}
		setRateLimitHeaders(w.Header(), applied)

		ctx := context.WithValue(r.Context(), keyContextKey{}, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result, message string) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	retry := int(res.RetryAfter / time.Second)
	if res.RetryAfter%time.Second != 0 || retry == 0 {
		retry++
	}
	h.Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, errTypeRateLimit, "rate_limit_exceeded", message)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"upstream": s.monitor.Snapshot(),
	})
}

// handleKeyInfo returns the caller's own key attributes, secret
// excluded.
func (s *Server) handleKeyInfo(w http.ResponseWriter, r *http.Request) {
	rec, ok := keyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid_api_key", "Invalid API key")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"key_id":       rec.KeyID,
		"display_name": rec.DisplayName,
		"created_at":   rec.CreatedAt,
		"expires_at":   rec.ExpiresAt,
		"rate_limit":   rec.RateLimit,
	})
}
