package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUpstreamMonitorCheckOnce(t *testing.T) {
	healthy := true
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %q", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer up.Close()

	m := NewUpstreamMonitor(up.URL, time.Minute)
	m.checkOnce(context.Background())
	if st := m.Snapshot(); !st.Reachable || st.LastSuccess.IsZero() {
		t.Errorf("healthy upstream: %+v", st)
	}

	healthy = false
	m.checkOnce(context.Background())
	if st := m.Snapshot(); st.Reachable || st.LastError == "" {
		t.Errorf("failing upstream: %+v", st)
	}
}

func TestUpstreamMonitorUnreachable(t *testing.T) {
	m := NewUpstreamMonitor("http://127.0.0.1:1", time.Minute)
	m.checkOnce(context.Background())
	if st := m.Snapshot(); st.Reachable {
		t.Errorf("unreachable upstream marked reachable: %+v", st)
	}
}

func TestUpstreamMonitorRecordProxyResult(t *testing.T) {
	m := NewUpstreamMonitor("http://example.invalid", time.Minute)

	m.RecordProxyResult(50*time.Millisecond, nil)
	st := m.Snapshot()
	if !st.Reachable || st.LatencyMS != 50 || st.LastSuccess.IsZero() {
		t.Errorf("after success: %+v", st)
	}

	m.RecordProxyResult(time.Second, errors.New("connection refused"))
	st = m.Snapshot()
	if st.Reachable || st.LastError == "" {
		t.Errorf("after failure: %+v", st)
	}
	if st.LastSuccess.IsZero() {
		t.Error("LastSuccess should survive a later failure")
	}
}
