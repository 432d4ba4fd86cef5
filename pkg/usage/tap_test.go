package usage

import (
	"errors"
	"testing"
)

func TestParseResponse(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","model":"gpt-oss-120b","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	model, u, err := ParseResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if model != "gpt-oss-120b" {
		t.Errorf("model = %q", model)
	}
	if u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
}

func TestParseResponseNoUsage(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "<html>bad gateway</html>"},
		{"missing usage", `{"id":"resp_1","object":"response"}`},
		{"zero usage", `{"model":"gpt-oss-120b","usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseResponse([]byte(tt.body)); !errors.Is(err, ErrNoUsage) {
				t.Errorf("err = %v, want ErrNoUsage", err)
			}
		})
	}
}

func TestStreamTapFinalFrame(t *testing.T) {
	var tap StreamTap
	frames := []string{
		"data: {\"model\":\"gpt-oss-120b\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"model\":\"gpt-oss-120b\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: {\"model\":\"gpt-oss-120b\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n",
		"data: [DONE]\n\n",
	}
	for _, f := range frames {
		tap.Consume([]byte(f))
	}
	model, u, ok := tap.Result()
	if !ok {
		t.Fatal("usage not captured")
	}
	if model != "gpt-oss-120b" {
		t.Errorf("model = %q", model)
	}
	if u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
}

func TestStreamTapSplitChunks(t *testing.T) {
	// Frames arbitrarily split across relay chunks must still parse.
	full := "data: {\"model\":\"gpt-oss-120b\",\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\ndata: [DONE]\n\n"
	var tap StreamTap
	for i := 0; i < len(full); i += 11 {
		end := i + 11
		if end > len(full) {
			end = len(full)
		}
		tap.Consume([]byte(full[i:end]))
	}
	_, u, ok := tap.Result()
	if !ok || u.TotalTokens != 10 {
		t.Fatalf("usage = %+v, ok = %v", u, ok)
	}
}

func TestStreamTapNoUsage(t *testing.T) {
	var tap StreamTap
	tap.Consume([]byte("data: {\"model\":\"gpt-oss-120b\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
	if _, _, ok := tap.Result(); ok {
		t.Error("ok = true for stream without usage frame")
	}
}

func TestStreamTapMissingTrailingNewline(t *testing.T) {
	var tap StreamTap
	tap.Consume([]byte("data: {\"model\":\"gpt-oss-120b\",\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}"))
	_, u, ok := tap.Result()
	if !ok || u.TotalTokens != 2 {
		t.Fatalf("usage = %+v, ok = %v", u, ok)
	}
}
