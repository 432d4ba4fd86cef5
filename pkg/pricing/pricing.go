// Package pricing converts recorded usage into EUR cost using the
// Privatemode price list.
package pricing

const (
	// EUR per 1M tokens for chat models and for anything unknown.
	defaultTokenRate = 5.0
	embeddingRate    = 0.13
	// EUR per MB of audio input.
	audioRate = 0.096

	tokensPerUnit = 1_000_000
	bytesPerMB    = 1024 * 1024
)

type kind int

const (
	kindToken kind = iota
	kindAudio
)

type rate struct {
	kind kind
	eur  float64
}

var rates = map[string]rate{
	"gpt-oss-120b":        {kindToken, defaultTokenRate},
	"llama-3.3-70b":       {kindToken, defaultTokenRate},
	"gemma-3-27b":         {kindToken, defaultTokenRate},
	"qwen3-coder-30b-a3b": {kindToken, defaultTokenRate},

	"multilingual-e5":    {kindToken, embeddingRate},
	"qwen3-embedding-4b": {kindToken, embeddingRate},

	"whisper-large-v3": {kindAudio, audioRate},
}

// Cost returns the EUR cost for one request. Token models bill per
// million tokens, audio models per megabyte of input; unknown models
// fall back to the default token rate.
func Cost(model string, tokens int, audioBytes int) float64 {
	r, ok := rates[model]
	if !ok {
		r = rate{kindToken, defaultTokenRate}
	}
	switch r.kind {
	case kindAudio:
		if audioBytes <= 0 {
			return 0
		}
		return float64(audioBytes) / bytesPerMB * r.eur
	default:
		if tokens <= 0 {
			return 0
		}
		return float64(tokens) / tokensPerUnit * r.eur
	}
}

// Known reports whether the model has an explicit price entry.
func Known(model string) bool {
	_, ok := rates[model]
	return ok
}
