package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

const upstreamCheckInterval = 60 * time.Second
const upstreamRetryInterval = 10 * time.Second

// UpstreamStatus is the last observed state of the Privatemode
// upstream.
type UpstreamStatus struct {
	Reachable   bool      `json:"reachable"`
	LatencyMS   int64     `json:"latency_ms"`
	LastError   string    `json:"last_error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// UpstreamMonitor probes the upstream health endpoint periodically and
// folds in the outcome of relayed requests, so the status reflects
// real traffic between probes. Failed upstreams are rechecked on a
// shorter interval.
type UpstreamMonitor struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	retry    time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	status  UpstreamStatus
	forceCh chan struct{}
}

func NewUpstreamMonitor(baseURL string, interval time.Duration) *UpstreamMonitor {
	if interval <= 0 {
		interval = upstreamCheckInterval
	}
	return &UpstreamMonitor{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		retry:    upstreamRetryInterval,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

func (m *UpstreamMonitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	m.checkOnce(ctx)
	t := time.NewTicker(m.retry)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.shouldCheck() {
				m.checkOnce(ctx)
			}
		case <-m.forceCh:
			m.checkOnce(ctx)
		}
	}
}

// Trigger requests an immediate recheck without blocking.
func (m *UpstreamMonitor) Trigger() {
	if m == nil {
		return
	}
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

func (m *UpstreamMonitor) Snapshot() UpstreamStatus {
	if m == nil {
		return UpstreamStatus{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// RecordProxyResult updates the status from a relayed request, so a
// dead upstream is noticed before the next scheduled probe.
func (m *UpstreamMonitor) RecordProxyResult(latency time.Duration, reqErr error) {
	if m == nil {
		return
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.CheckedAt = now
	m.status.LatencyMS = latency.Milliseconds()
	if reqErr != nil {
		m.status.Reachable = false
		m.status.LastError = reqErr.Error()
		return
	}
	m.status.Reachable = true
	m.status.LastError = ""
	m.status.LastSuccess = now
}

func (m *UpstreamMonitor) shouldCheck() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status.CheckedAt.IsZero() {
		return true
	}
	age := m.now().Sub(m.status.CheckedAt)
	if m.status.Reachable {
		return age >= m.interval
	}
	return age >= m.retry
}

func (m *UpstreamMonitor) checkOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		m.RecordProxyResult(0, err)
		return
	}
	start := m.now()
	resp, err := m.client.Do(req)
	latency := m.now().Sub(start)
	if err != nil {
		m.RecordProxyResult(latency, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		m.RecordProxyResult(latency, &upstreamStatusError{code: resp.StatusCode})
		return
	}
	m.RecordProxyResult(latency, nil)
}

type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return "upstream health returned " + http.StatusText(e.code)
}
