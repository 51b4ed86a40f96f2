// Package tokencount provides token accounting for chat completions.
//
// It uses tiktoken-go to count tokens per model family, falling back to a
// character estimate when no encoding is available. Counts feed the usage
// invariant on finalized responses and cost estimation.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// Counter is a thread-safe token counter with a per-model encoding cache.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is a shared counter for callers without their own.
var DefaultCounter = NewCounter()

func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps provider model ids onto tiktoken-known names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "llama"),
		strings.Contains(model, "mixtral"),
		strings.Contains(model, "qwen"),
		strings.Contains(model, "deepseek"):
		// Close enough for accounting purposes.
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountText counts tokens in a plain string for the given model.
func (c *Counter) CountText(text, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages counts prompt tokens for a chat request, including the
// per-message framing overhead of OpenAI-compatible APIs.
func (c *Counter) CountMessages(messages []domain.ChatMessage, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	const (
		tokensPerMessage = 3
		tokensPerRole    = 1
		replyPrimer      = 3
	)
	n := replyPrimer
	for _, m := range messages {
		n += tokensPerMessage + tokensPerRole
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	return n, nil
}

// Usage computes the full token accounting for a finalized completion.
// Counting failures degrade to a ~4 chars/token estimate rather than
// failing the request.
func (c *Counter) Usage(messages []domain.ChatMessage, completion, model string) domain.Usage {
	prompt, err := c.CountMessages(messages, model)
	if err != nil {
		slog.Warn("prompt token count failed, estimating",
			slog.String("model", model), slog.Any("error", err))
		for _, m := range messages {
			prompt += len(m.Content) / 4
		}
	}
	out, err := c.CountText(completion, model)
	if err != nil {
		slog.Warn("completion token count failed, estimating",
			slog.String("model", model), slog.Any("error", err))
		out = len(completion) / 4
	}
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
