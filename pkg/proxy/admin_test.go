package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Open-Paws/privatemode-proxy/pkg/config"
	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
	"github.com/Open-Paws/privatemode-proxy/pkg/usage"
	"golang.org/x/crypto/bcrypt"
)

func (e *testEnv) adminDo(t *testing.T, method, path, password, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if password != "" {
		req.Header.Set("Authorization", "Bearer "+password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAdminRequiresCredentials(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials status = %d", resp.StatusCode)
	}

	resp = env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", resp.StatusCode)
	}

	resp = env.adminDo(t, http.MethodGet, "/admin/api/keys", "admin-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("correct password status = %d", resp.StatusCode)
	}
}

func TestAdminBasicAuthAccepted(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/admin/api/keys", nil)
	req.SetBasicAuth("admin", "admin-pass")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("basic auth status = %d", resp.StatusCode)
	}
}

func TestAdminPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, func(cfg *config.Config) {
		cfg.AdminPassword = ""
		cfg.AdminPasswordHash = string(hash)
	})

	resp := env.adminDo(t, http.MethodGet, "/admin/api/status", "hashed-secret", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("hashed password status = %d", resp.StatusCode)
	}

	resp = env.adminDo(t, http.MethodGet, "/admin/api/status", "wrong", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", resp.StatusCode)
	}
}

func TestAdminLoginThrottle(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	for i := 0; i < adminLoginLimit; i++ {
		resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("throttled attempt status = %d, want 429", resp.StatusCode)
	}
}

func TestAdminThrottleRejectsCorrectPassword(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	for i := 0; i < adminLoginLimit; i++ {
		resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, resp.StatusCode)
		}
	}

	// While the throttle is engaged even the real password is refused,
	// so the window bounds an attacker's guess rate.
	resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "admin-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("correct password while throttled status = %d, want 429", resp.StatusCode)
	}
	if retry := resp.Header.Get("Retry-After"); retry == "" {
		t.Error("throttled response missing Retry-After")
	}
}

func TestAdminLoginResetOnSuccess(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	for i := 0; i < adminLoginLimit-1; i++ {
		resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
		resp.Body.Close()
	}
	resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "admin-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct password before throttle status = %d", resp.StatusCode)
	}

	// The success wiped the earlier failures, so a full window of new
	// attempts is available again.
	for i := 0; i < adminLoginLimit; i++ {
		resp := env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("post-reset attempt %d status = %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp = env.adminDo(t, http.MethodGet, "/admin/api/keys", "wrong-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("attempt past the refreshed limit status = %d, want 429", resp.StatusCode)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	// Create.
	resp := env.adminDo(t, http.MethodPost, "/admin/api/keys", "admin-pass",
		`{"display_name":"ci pipeline","rate_limit":50,"expires_in_days":30}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created keyView
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(created.Key, "pm_") {
		t.Fatalf("created secret %q missing prefix", created.Key)
	}
	if created.ExpiresAt == nil || created.RateLimit != 50 {
		t.Errorf("created = %+v", created)
	}

	// The new key authenticates immediately.
	proxied := env.do(t, http.MethodPost, "/v1/chat/completions", created.Key, `{"model":"gpt-oss-120b"}`)
	proxied.Body.Close()
	if proxied.StatusCode != http.StatusOK {
		t.Fatalf("new key proxy status = %d", proxied.StatusCode)
	}

	// Listing redacts the secret.
	resp = env.adminDo(t, http.MethodGet, "/admin/api/keys", "admin-pass", "")
	var listing struct {
		Keys []keyView `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(listing.Keys) != 1 {
		t.Fatalf("listed %d keys", len(listing.Keys))
	}
	if listing.Keys[0].Key == created.Key || !strings.HasPrefix(listing.Keys[0].Key, "****") {
		t.Errorf("listed key not redacted: %q", listing.Keys[0].Key)
	}

	// Update.
	resp = env.adminDo(t, http.MethodPut, "/admin/api/keys/"+created.KeyID, "admin-pass", `{"rate_limit":10}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	if rec, _ := env.keys.Get(created.KeyID); rec.RateLimit != 10 {
		t.Errorf("rate limit after update = %d", rec.RateLimit)
	}

	// Revoke stops authentication at once.
	resp = env.adminDo(t, http.MethodPost, "/admin/api/keys/"+created.KeyID+"/revoke", "admin-pass", "")
	resp.Body.Close()
	denied := env.do(t, http.MethodPost, "/v1/chat/completions", created.Key, `{}`)
	denied.Body.Close()
	if denied.StatusCode != http.StatusForbidden {
		t.Errorf("revoked key status = %d, want 403", denied.StatusCode)
	}

	// Enable restores it.
	resp = env.adminDo(t, http.MethodPost, "/admin/api/keys/"+created.KeyID+"/enable", "admin-pass", "")
	resp.Body.Close()
	restored := env.do(t, http.MethodPost, "/v1/chat/completions", created.Key, `{}`)
	restored.Body.Close()
	if restored.StatusCode != http.StatusOK {
		t.Errorf("re-enabled key status = %d", restored.StatusCode)
	}

	// Delete removes it from listings and authentication.
	resp = env.adminDo(t, http.MethodDelete, "/admin/api/keys/"+created.KeyID, "admin-pass", "")
	resp.Body.Close()
	gone := env.do(t, http.MethodPost, "/v1/chat/completions", created.Key, `{}`)
	gone.Body.Close()
	if gone.StatusCode != http.StatusUnauthorized {
		t.Errorf("deleted key status = %d, want 401", gone.StatusCode)
	}
}

func TestAdminKeyNotFound(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	resp := env.adminDo(t, http.MethodPost, "/admin/api/keys/key_missing/revoke", "admin-pass", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminRateLimitSettings(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, keystore.Record{KeyID: "key_a", Secret: "pm_valid", Enabled: true})

	body := `{"rate_limit_requests":1,"rate_limit_window":60,"ip_rate_limit_requests":1000,"ip_rate_limit_window":60,"key_rate_limit_requests":0}`
	resp := env.adminDo(t, http.MethodPut, "/admin/api/settings/rate-limits", "admin-pass", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings status = %d", resp.StatusCode)
	}

	// The tightened global limit applies to the very next request.
	first := env.do(t, http.MethodPost, "/v1/chat/completions", "pm_valid", `{}`)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", first.StatusCode)
	}
	second := env.do(t, http.MethodPost, "/v1/chat/completions", "pm_valid", `{}`)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", second.StatusCode)
	}

	// Settings survive in the TOML file.
	if _, err := os.Stat(env.cfg.SettingsFile); err != nil {
		t.Errorf("settings file not written: %v", err)
	}
	reopened, err := config.OpenSettingsStore(env.cfg.SettingsFile, config.SeedFromConfig(env.cfg))
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Snapshot().RateLimitRequests; got != 1 {
		t.Errorf("persisted rate_limit_requests = %d, want 1", got)
	}
}

func TestAdminRejectsInvalidSettings(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	resp := env.adminDo(t, http.MethodPut, "/admin/api/settings/rate-limits", "admin-pass",
		`{"rate_limit_requests":0,"rate_limit_window":60,"ip_rate_limit_requests":1000,"ip_rate_limit_window":60}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := env.settings.Snapshot().RateLimitRequests; got != 100 {
		t.Errorf("settings changed by invalid update: %d", got)
	}
}

func TestAdminReloadBadFileKeepsServing(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, keystore.Record{KeyID: "key_a", Secret: "pm_valid", Enabled: true})

	if err := os.WriteFile(env.cfg.KeysFile, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp := env.adminDo(t, http.MethodPost, "/admin/api/keys/reload", "admin-pass", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reload status = %d, want 422", resp.StatusCode)
	}

	still := env.do(t, http.MethodPost, "/v1/chat/completions", "pm_valid", `{}`)
	still.Body.Close()
	if still.StatusCode != http.StatusOK {
		t.Errorf("existing key status after failed reload = %d", still.StatusCode)
	}
}

func TestAdminStatus(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, keystore.Record{KeyID: "key_a", Secret: "pm_valid", Enabled: true})

	resp := env.adminDo(t, http.MethodGet, "/admin/api/status", "admin-pass", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Keys           int            `json:"keys"`
		ActiveRequests int64          `json:"active_requests"`
		RateLimits     map[string]any `json:"rate_limits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Keys != 1 {
		t.Errorf("keys = %d, want 1", payload.Keys)
	}
	if payload.RateLimits == nil {
		t.Error("rate_limits missing")
	}
}

func TestAdminUsageReport(t *testing.T) {
	up := chatUpstream(t)
	env := newTestEnv(t, up.URL, nil)

	day1 := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	records := []usage.Record{
		{Timestamp: day1, KeyID: "key_a", Model: "gpt-oss-120b", Endpoint: "chat", TotalTokens: 100},
		{Timestamp: day1, KeyID: "key_b", Model: "llama-3.3-70b", Endpoint: "chat", TotalTokens: 200},
		{Timestamp: day2, KeyID: "key_a", Model: "gpt-oss-120b", Endpoint: "embeddings", TotalTokens: 300},
	}
	for _, rec := range records {
		if err := env.tracker.Add(rec); err != nil {
			t.Fatal(err)
		}
	}

	resp := env.adminDo(t, http.MethodGet, "/admin/api/usage?key_id=key_a&group_by=day", "admin-pass", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Summary usage.Summary    `json:"summary"`
		ByDay   []usage.DayTotal `json:"by_day"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Summary.Requests != 2 || payload.Summary.TotalTokens != 400 {
		t.Errorf("summary = %+v", payload.Summary)
	}
	if len(payload.ByDay) != 2 {
		t.Errorf("by_day entries = %d, want 2", len(payload.ByDay))
	}

	bad := env.adminDo(t, http.MethodGet, "/admin/api/usage?from=yesterday", "admin-pass", "")
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", bad.StatusCode)
	}
}
