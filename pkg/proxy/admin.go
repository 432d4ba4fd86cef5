package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/Open-Paws/privatemode-proxy/pkg/config"
	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
	"github.com/Open-Paws/privatemode-proxy/pkg/ratelimit"
	"github.com/Open-Paws/privatemode-proxy/pkg/usage"
	"github.com/Open-Paws/privatemode-proxy/pkg/version"
)

const adminLoginLimit = 5
const adminLoginWindow = 5 * time.Minute

// AdminHandler serves the management API: key lifecycle, runtime rate
// limit settings, upstream status, and usage reporting.
type AdminHandler struct {
	cfg            *config.Config
	keys           *keystore.Store
	settings       *config.SettingsStore
	tracker        *usage.Tracker
	monitor        *UpstreamMonitor
	limiter        *ratelimit.Limiter
	activeRequests func() int64
	startedAt      time.Time
}

func NewAdminHandler(cfg *config.Config, keys *keystore.Store, settings *config.SettingsStore, tracker *usage.Tracker, monitor *UpstreamMonitor, limiter *ratelimit.Limiter, activeRequests func() int64) *AdminHandler {
	return &AdminHandler{
		cfg:            cfg,
		keys:           keys,
		settings:       settings,
		tracker:        tracker,
		monitor:        monitor,
		limiter:        limiter,
		activeRequests: activeRequests,
		startedAt:      time.Now().UTC(),
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/api", func(api chi.Router) {
		api.Use(h.requireAdmin)
		api.Get("/keys", h.listKeys)
		api.Post("/keys", h.createKey)
		api.Post("/keys/reload", h.reloadKeys)
		api.Put("/keys/{id}", h.updateKey)
		api.Post("/keys/{id}/revoke", h.revokeKey)
		api.Post("/keys/{id}/enable", h.enableKey)
		api.Delete("/keys/{id}", h.deleteKey)
		api.Get("/settings/rate-limits", h.getRateLimits)
		api.Put("/settings/rate-limits", h.putRateLimits)
		api.Get("/status", h.status)
		api.Get("/usage", h.usageReport)
		api.Get("/ws", h.liveUsage)
	})
}

// requireAdmin accepts the admin password as a bearer token or HTTP
// basic password. Failed attempts are throttled per source IP so the
// password cannot be brute forced.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		// The throttle is consulted before the credential is even
		// looked at: while it is engaged, a correct password is
		// rejected too, so the limit bounds brute forcing.
		throttle := h.limiter.Peek(ratelimit.ScopeAdminLogin, ip, adminLoginLimit, adminLoginWindow)
		if !throttle.Allowed {
			writeRateLimited(w, throttle, "Too many failed login attempts")
			return
		}
		if h.verifyCredential(adminCredential(r)) {
			h.limiter.Reset(ratelimit.ScopeAdminLogin, ip)
			next.ServeHTTP(w, r)
			return
		}
		h.limiter.Check(ratelimit.ScopeAdminLogin, ip, adminLoginLimit, adminLoginWindow)
		w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
		writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid_admin_credentials", "Invalid admin credentials")
	})
}

func adminCredential(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if _, pass, ok := r.BasicAuth(); ok {
		return pass
	}
	return ""
}

func (h *AdminHandler) verifyCredential(candidate string) bool {
	if candidate == "" {
		return false
	}
	if hash := strings.TrimSpace(h.cfg.AdminPasswordHash); hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
	}
	expected := h.cfg.AdminPassword
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type keyView struct {
	KeyID       string     `json:"key_id"`
	Key         string     `json:"key"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RateLimit   int        `json:"rate_limit"`
	Enabled     bool       `json:"enabled"`
}

func redactedView(rec keystore.Record) keyView {
	return keyView{
		KeyID:       rec.KeyID,
		Key:         rec.RedactedSecret(),
		DisplayName: rec.DisplayName,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		RateLimit:   rec.RateLimit,
		Enabled:     rec.Enabled,
	}
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, _ *http.Request) {
	records := h.keys.List()
	views := make([]keyView, 0, len(records))
	for _, rec := range records {
		views = append(views, redactedView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (h *AdminHandler) createKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName   string `json:"display_name"`
		ExpiresInDays *int   `json:"expires_in_days"`
		RateLimit     int    `json:"rate_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_json", "invalid request body")
		return
	}
	if req.RateLimit < keystore.RateLimitUnlimited {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_rate_limit", "rate_limit must be -1, 0, or positive")
		return
	}

	rec := keystore.Record{
		KeyID:       keystore.NewKeyID(),
		Secret:      keystore.GenerateSecret(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		CreatedAt:   time.Now().UTC(),
		RateLimit:   req.RateLimit,
		Enabled:     true,
	}
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays <= 0 {
			writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_expiry", "expires_in_days must be positive")
			return
		}
		exp := rec.CreatedAt.AddDate(0, 0, *req.ExpiresInDays)
		rec.ExpiresAt = &exp
	}
	if err := h.keys.Upsert(rec); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInvalidRequest, "save_failed", err.Error())
		return
	}
	log.Info("api key created", "key_id", rec.KeyID, "display_name", rec.DisplayName)

	// The full secret is returned exactly once, at creation.
	view := redactedView(rec)
	view.Key = rec.Secret
	writeJSON(w, http.StatusCreated, view)
}

func (h *AdminHandler) updateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.keys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "key_not_found", "key not found")
		return
	}
	var req struct {
		DisplayName *string    `json:"display_name"`
		RateLimit   *int       `json:"rate_limit"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_json", "invalid request body")
		return
	}
	if req.DisplayName != nil {
		rec.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.RateLimit != nil {
		if *req.RateLimit < keystore.RateLimitUnlimited {
			writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_rate_limit", "rate_limit must be -1, 0, or positive")
			return
		}
		rec.RateLimit = *req.RateLimit
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		rec.ExpiresAt = &exp
	}
	if err := h.keys.Upsert(rec); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInvalidRequest, "save_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactedView(rec))
}

func (h *AdminHandler) revokeKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyEnabled(w, r, false)
}

func (h *AdminHandler) enableKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyEnabled(w, r, true)
}

func (h *AdminHandler) setKeyEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = h.keys.Enable(id)
	} else {
		err = h.keys.Revoke(id)
	}
	if errors.Is(err, keystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "key_not_found", "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInvalidRequest, "save_failed", err.Error())
		return
	}
	log.Info("api key state changed", "key_id", id, "enabled", enabled)
	rec, _ := h.keys.Get(id)
	writeJSON(w, http.StatusOK, redactedView(rec))
}

func (h *AdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.keys.Delete(id)
	if errors.Is(err, keystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "key_not_found", "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInvalidRequest, "save_failed", err.Error())
		return
	}
	log.Info("api key removed", "key_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "key_id": id})
}

// reloadKeys re-reads the backing file, picking up keys edited or
// rotated outside the admin API. A malformed file leaves the current
// set serving.
func (h *AdminHandler) reloadKeys(w http.ResponseWriter, _ *http.Request) {
	if err := h.keys.Reload(); err != nil {
		log.Error("key reload failed, previous set kept", "error", err)
		writeError(w, http.StatusUnprocessableEntity, errTypeInvalidRequest, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "keys": len(h.keys.List())})
}

func (h *AdminHandler) getRateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

func (h *AdminHandler) putRateLimits(w http.ResponseWriter, r *http.Request) {
	var req config.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_json", "invalid request body")
		return
	}
	err := h.settings.Update(func(s *config.Settings) error {
		*s = req
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_settings", err.Error())
		return
	}
	log.Info("rate limit settings updated",
		"global", req.RateLimitRequests, "window", req.RateLimitWindowSeconds,
		"ip", req.IPRateLimitRequests, "key_default", req.KeyRateLimitRequests)
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

func (h *AdminHandler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         version.Current(),
		"uptime_seconds":  int64(time.Since(h.startedAt) / time.Second),
		"active_requests": h.activeRequests(),
		"keys":            len(h.keys.List()),
		"upstream":        h.monitor.Snapshot(),
		"rate_limits":     h.settings.Snapshot(),
	})
}

// usageReport aggregates usage, optionally filtered by key_id, model
// and an RFC 3339 time range, and optionally grouped per day or key.
func (h *AdminHandler) usageReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := usage.Filter{
		KeyID: strings.TrimSpace(q.Get("key_id")),
		Model: strings.TrimSpace(q.Get("model")),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_from", "from must be RFC 3339")
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_to", "to must be RFC 3339")
		return
	}

	out := map[string]any{"summary": h.tracker.Aggregate(f)}
	switch q.Get("group_by") {
	case "":
	case "day":
		out["by_day"] = h.tracker.ByDay(f)
	case "key":
		out["by_key"] = h.tracker.ByKey(f)
	default:
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "bad_group_by", "group_by must be day or key")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// liveUsage streams every usage record to the admin over a websocket
// as it is recorded.
func (h *AdminHandler) liveUsage(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	events, cancel := h.tracker.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case rec, ok := <-events:
			if !ok {
				return
			}
			msg, err := json.Marshal(map[string]any{"type": "usage", "record": rec})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
