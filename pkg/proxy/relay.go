package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
	"github.com/Open-Paws/privatemode-proxy/pkg/usage"
)

// proxyHandler relays an authenticated request to the upstream. The
// body and response pass through unmodified except for hop-by-hop
// headers and the swapped Authorization credential.
func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	rec, _ := keyFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "request_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "read_body", "failed to read request body")
		return
	}

	endpoint := endpointType(r.URL.Path)
	requestModel := modelFromRequest(body)
	audioBytes := 0
	if endpoint == "transcriptions" {
		audioBytes = len(body)
	}

	if isStreamRequest(body) {
		s.relayStreaming(w, r, rec, body, endpoint, requestModel, audioBytes)
		return
	}
	s.relayBuffered(w, r, rec, body, endpoint, requestModel, audioBytes)
}

func (s *Server) buildUpstreamRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	u := *s.upstreamBase
	u.Path = strings.TrimRight(u.Path, "/") + r.URL.Path
	u.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	// The client's credential stays at the gateway; the upstream gets
	// the Privatemode key instead.
	copyEndToEndHeaders(req.Header, r.Header, "Authorization", "X-API-Key")
	if s.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamAPIKey)
	}
	return req, nil
}

func (s *Server) relayBuffered(w http.ResponseWriter, r *http.Request, rec keystore.Record, body []byte, endpoint, requestModel string, audioBytes int) {
	req, err := s.buildUpstreamRequest(r.Context(), r, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream_request", "failed to build upstream request")
		return
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.monitor.RecordProxyResult(latency, err)
		writeUpstreamFailure(w, err)
		return
	}
	defer resp.Body.Close()
	s.monitor.RecordProxyResult(latency, nil)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream_read", "failed to read upstream response")
		return
	}
	// A truncated body must never be forwarded as if it were whole.
	if len(respBody) > maxResponseBody {
		writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream_response_too_large", "upstream response too large to buffer")
		return
	}

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		model, u, usageErr := usage.ParseResponse(respBody)
		if model == "" {
			model = requestModel
		}
		if usageErr == nil || audioBytes > 0 {
			s.recordUsage(r, rec, model, endpoint, u.PromptTokens, u.CompletionTokens, u.TotalTokens, audioBytes)
		}
	}
}

func (s *Server) relayStreaming(w http.ResponseWriter, r *http.Request, rec keystore.Record, body []byte, endpoint, requestModel string, audioBytes int) {
	req, err := s.buildUpstreamRequest(r.Context(), r, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream_request", "failed to build upstream request")
		return
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.monitor.RecordProxyResult(time.Since(start), err)
		writeUpstreamFailure(w, err)
		return
	}
	defer resp.Body.Close()
	s.monitor.RecordProxyResult(time.Since(start), nil)

	copyEndToEndHeaders(w.Header(), resp.Header, "Content-Length")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	// Chunks are handed to the client exactly as read; the tap only
	// observes them for the trailing usage frame.
	var tap usage.StreamTap
	buf := make([]byte, 32*1024)
	relayErr := error(nil)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			tap.Consume(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				relayErr = writeErr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				relayErr = readErr
			}
			break
		}
	}
	if relayErr != nil {
		log.Debug("stream relay interrupted", "path", r.URL.Path, "error", relayErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		model, u, ok := tap.Result()
		if model == "" {
			model = requestModel
		}
		if ok || audioBytes > 0 {
			s.recordUsage(r, rec, model, endpoint, u.PromptTokens, u.CompletionTokens, u.TotalTokens, audioBytes)
		}
	}
}

func (s *Server) recordUsage(r *http.Request, rec keystore.Record, model, endpoint string, promptTokens, completionTokens, totalTokens, audioBytes int) {
	err := s.tracker.Add(usage.Record{
		RequestID:        middleware.GetReqID(r.Context()),
		KeyID:            rec.KeyID,
		Model:            model,
		Endpoint:         endpoint,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		AudioBytes:       audioBytes,
	})
	if err != nil {
		log.Error("record usage", "key_id", rec.KeyID, "error", err)
	}
}

func writeUpstreamFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, errTypeUpstream, "upstream_timeout", "Upstream timeout")
		return
	}
	writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream_unreachable", "Upstream request failed")
}

func endpointType(path string) string {
	switch {
	case strings.Contains(path, "/chat/completions"):
		return "chat"
	case strings.Contains(path, "/embeddings"):
		return "embeddings"
	case strings.Contains(path, "/audio/transcriptions"):
		return "transcriptions"
	case strings.Contains(path, "/completions"):
		return "completions"
	default:
		return "other"
	}
}

func modelFromRequest(body []byte) string {
	if len(body) == 0 {
		return "unknown"
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return "unknown"
	}
	return payload.Model
}

func isStreamRequest(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var payload struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Stream
}
