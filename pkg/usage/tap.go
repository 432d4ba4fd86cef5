package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoUsage means the upstream response carried no usage block, so
// there is nothing to bill.
var ErrNoUsage = errors.New("response contains no usage data")

type responseEnvelope struct {
	Model string        `json:"model"`
	Usage *openai.Usage `json:"usage"`
}

// ParseResponse extracts the model and token usage from a buffered
// completion or embedding response body.
func ParseResponse(body []byte) (string, openai.Usage, error) {
	if len(body) == 0 {
		return "", openai.Usage{}, ErrNoUsage
	}
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", openai.Usage{}, ErrNoUsage
	}
	if env.Usage == nil || env.Usage.TotalTokens == 0 {
		return env.Model, openai.Usage{}, ErrNoUsage
	}
	return env.Model, *env.Usage, nil
}

// StreamTap observes SSE chunks as they are relayed to the client and
// remembers the usage block from the final frame. Feeding it never
// modifies the chunks, so the relayed stream stays byte-identical.
type StreamTap struct {
	pending []byte
	model   string
	usage   *openai.Usage
}

// Consume inspects one relayed chunk. Frames may be split across
// chunk boundaries; incomplete lines are buffered until their newline
// arrives.
func (t *StreamTap) Consume(chunk []byte) {
	t.pending = append(t.pending, chunk...)
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(t.pending[:idx]))
		t.pending = t.pending[idx+1:]
		t.consumeLine(line)
	}
}

func (t *StreamTap) consumeLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return
	}
	var env responseEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return
	}
	if env.Model != "" {
		t.model = env.Model
	}
	// Only the final frame carries a usage block; keep the last one
	// seen in case intermediate frames report partial counts.
	if env.Usage != nil && env.Usage.TotalTokens > 0 {
		u := *env.Usage
		t.usage = &u
	}
}

// Result returns the model and usage observed in the stream. ok is
// false when no frame carried usage.
func (t *StreamTap) Result() (string, openai.Usage, bool) {
	if rest := strings.TrimSpace(string(t.pending)); rest != "" {
		t.pending = nil
		t.consumeLine(rest)
	}
	if t.usage == nil {
		return t.model, openai.Usage{}, false
	}
	return t.model, *t.usage, true
}
