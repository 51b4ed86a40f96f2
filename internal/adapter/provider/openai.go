// Package provider implements the model backends behind the gateway: an
// OpenAI-compatible HTTP client used for every upstream vendor, a
// deterministic mock for dev and tests, and a registry that maps models to
// providers with bounded fallback.
package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider/tokencount"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// UsageReporter is implemented by streams that carry upstream-reported
// usage. Callers fall back to local token counting when absent.
type UsageReporter interface {
	Usage() (domain.Usage, bool)
}

// OpenAICompatible talks to any OpenAI-compatible chat completions API.
type OpenAICompatible struct {
	name       string
	baseURL    string
	apiKey     string
	hc         *http.Client
	counter    *tokencount.Counter
	maxElapsed time.Duration
}

// NewOpenAICompatible constructs a provider client for one upstream vendor.
func NewOpenAICompatible(name, baseURL, apiKey string, timeout time.Duration) *OpenAICompatible {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAICompatible{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		hc:         &http.Client{Timeout: timeout},
		counter:    tokencount.DefaultCounter,
		maxElapsed: 20 * time.Second,
	}
}

// Name returns the vendor identifier.
func (c *OpenAICompatible) Name() string { return c.name }

// CountTokens reports prompt token usage for the request messages.
func (c *OpenAICompatible) CountTokens(req domain.ChatRequest) (int, error) {
	return c.counter.CountMessages(req.Messages, req.Model)
}

type upstreamRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type upstreamResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

type upstreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke performs one completion call. The request is retried with
// exponential backoff until a response body is open; streaming bodies are
// never retried mid-flight.
func (c *OpenAICompatible) Invoke(ctx domain.Context, req domain.ChatRequest) (domain.Stream, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: provider %s has no API key", domain.ErrConfiguration, c.name)
	}
	payload, err := json.Marshal(upstreamRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrProtocol, err)
	}

	var resp *http.Response
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt; bodies are single-use.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
		r.Header.Set("Content-Type", "application/json")
		res, err := c.hc.Do(r)
		observability.ProviderRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		if err != nil {
			observability.ProviderRequestsTotal.WithLabelValues(c.name, "network_error").Inc()
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			observability.ProviderRequestsTotal.WithLabelValues(c.name, "ok").Inc()
			resp = res
			return nil
		}
		observability.ProviderRequestsTotal.WithLabelValues(c.name, fmt.Sprintf("status_%d", res.StatusCode)).Inc()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		_ = res.Body.Close()
		return classifyStatus(res.StatusCode, string(body))
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 4 * time.Second
	expo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, fmt.Errorf("provider %s: %w", c.name, err)
	}

	if req.Stream {
		return newSSEStream(resp.Body), nil
	}
	defer func() { _ = resp.Body.Close() }()
	var out upstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider %s: %w: decode response: %v", c.name, domain.ErrProtocol, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: %w: empty choices", c.name, domain.ErrProtocol)
	}
	finish := out.Choices[0].FinishReason
	if finish == "" {
		finish = "stop"
	}
	return newStaticStream(out.Choices[0].Message.Content, finish, out.Usage), nil
}

// classifyStatus maps an upstream HTTP status onto a domain error,
// permanent where a retry cannot help.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: upstream status %d", domain.ErrAuth, status))
	case status == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: upstream status %d", domain.ErrNotFound, status))
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: upstream status 429", domain.ErrRateLimited)
	case status >= 400 && status < 500:
		if strings.Contains(body, "context_length") || strings.Contains(body, "maximum context") {
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrContextLength, firstLine(body)))
		}
		return backoff.Permanent(fmt.Errorf("%w: upstream status %d: %s", domain.ErrProtocol, status, firstLine(body)))
	default:
		return fmt.Errorf("%w: upstream status %d", domain.ErrProviderUnavailable, status)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// staticStream replays one finalized completion as a two-step stream.
type staticStream struct {
	content string
	finish  string
	usage   *domain.Usage
	step    int
}

func newStaticStream(content, finish string, usage *domain.Usage) *staticStream {
	return &staticStream{content: content, finish: finish, usage: usage}
}

func (s *staticStream) Next(_ domain.Context) (domain.ChatChunk, error) {
	switch s.step {
	case 0:
		s.step++
		return domain.ChatChunk{Content: s.content}, nil
	case 1:
		s.step++
		return domain.ChatChunk{FinishReason: s.finish}, nil
	default:
		return domain.ChatChunk{}, io.EOF
	}
}

func (s *staticStream) Close() error { return nil }

// Usage reports upstream-provided usage when present.
func (s *staticStream) Usage() (domain.Usage, bool) {
	if s.usage == nil {
		return domain.Usage{}, false
	}
	return *s.usage, true
}

// sseStream parses an OpenAI server-sent-events response body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc}
}

// Next returns the next content delta. io.EOF follows the final chunk.
func (s *sseStream) Next(ctx domain.Context) (domain.ChatChunk, error) {
	if s.done {
		return domain.ChatChunk{}, io.EOF
	}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			s.done = true
			return domain.ChatChunk{}, err
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return domain.ChatChunk{}, io.EOF
		}
		var chunk upstreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.done = true
			return domain.ChatChunk{}, fmt.Errorf("%w: decode stream chunk: %v", domain.ErrProtocol, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		out := domain.ChatChunk{Content: chunk.Choices[0].Delta.Content}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			out.FinishReason = *fr
		}
		return out, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return domain.ChatChunk{}, fmt.Errorf("%w: stream interrupted: %v", domain.ErrProviderUnavailable, err)
	}
	return domain.ChatChunk{}, io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }
