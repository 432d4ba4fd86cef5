package pricing

import (
	"math"
	"testing"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCost(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		tokens     int
		audioBytes int
		want       float64
	}{
		{"chat model per 1M tokens", "gpt-oss-120b", 1_000_000, 0, 5.0},
		{"chat model fraction", "llama-3.3-70b", 100, 0, 0.0005},
		{"embedding model", "qwen3-embedding-4b", 1_000_000, 0, 0.13},
		{"audio model per MB", "whisper-large-v3", 0, 1024 * 1024, 0.096},
		{"audio model half MB", "whisper-large-v3", 0, 512 * 1024, 0.048},
		{"audio model ignores tokens", "whisper-large-v3", 1_000_000, 0, 0},
		{"unknown model uses default rate", "unknown-model", 1_000_000, 0, 5.0},
		{"zero tokens", "gpt-oss-120b", 0, 0, 0},
		{"negative tokens clamp to zero", "gpt-oss-120b", -5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.model, tt.tokens, tt.audioBytes)
			if !approxEqual(got, tt.want) {
				t.Errorf("Cost(%q, %d, %d) = %v, want %v", tt.model, tt.tokens, tt.audioBytes, got, tt.want)
			}
		})
	}
}

func TestKnown(t *testing.T) {
	if !Known("gemma-3-27b") {
		t.Error("gemma-3-27b should be known")
	}
	if Known("made-up-model") {
		t.Error("made-up-model should not be known")
	}
}
