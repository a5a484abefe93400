// Package tokens estimates token counts for inbound requests. The
// optimization rule engine uses these estimates to evaluate content-length
// conditions, and the gateway falls back to them when an upstream response
// omits usage data.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// Estimator counts tokens with tiktoken, falling back to a character
// heuristic for models with no known encoding.
type Estimator struct {
	mu         sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// CountText returns the token count of a plain text string.
func (e *Estimator) CountText(model, text string) int {
	codec, err := e.getCodec(model)
	if err != nil {
		return estimateByChars(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return estimateByChars(text)
	}
	return len(ids)
}

// CountRequest estimates the prompt tokens of a chat request: message
// content plus per-message overhead, tool call payloads, and the final
// assistant priming.
func (e *Estimator) CountRequest(req *domain.ChatRequest) int {
	codec, err := e.getCodec(req.Model)

	count := func(text string) int {
		if err != nil {
			return estimateByChars(text)
		}
		ids, _, encErr := codec.Encode(text)
		if encErr != nil {
			return estimateByChars(text)
		}
		return len(ids)
	}

	// Per-message overhead per OpenAI's documented accounting: 3 tokens per
	// message plus 1 for the role, and 3 for assistant priming at the end.
	total := 3
	for _, msg := range req.Messages {
		total += 4
		total += count(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += count(tc.Function.Name)
			total += count(tc.Function.Arguments)
			total += 3
		}
	}
	return total
}

func (e *Estimator) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelEncoding(model)

	e.mu.RLock()
	if cached, ok := e.codecCache[encoding]; ok {
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.codecCache[encoding] = codec
	e.mu.Unlock()
	return codec, nil
}

// modelEncoding maps model names to tiktoken encodings. Claude models have no
// public tokenizer; o200k_base is the closest stand-in and good enough for
// threshold checks.
func modelEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// estimateByChars approximates tokens as chars/4, the common heuristic for
// English text.
func estimateByChars(text string) int {
	return (len(text) + 3) / 4
}
