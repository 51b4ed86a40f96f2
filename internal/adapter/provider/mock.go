package provider

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// Mock is a deterministic in-process provider for dev and tests. The same
// request always yields the same completion.
type Mock struct {
	name string
	// Latency chunks: the mock streams the completion in word groups.
	wordsPerChunk int
}

// NewMock constructs the mock provider.
func NewMock() *Mock {
	return &Mock{name: "mock", wordsPerChunk: 4}
}

// Name returns the provider identifier.
func (m *Mock) Name() string { return m.name }

// CountTokens estimates roughly four characters per token.
func (m *Mock) CountTokens(req domain.ChatRequest) (int, error) {
	n := 0
	for _, msg := range req.Messages {
		n += len(msg.Content)/4 + 4
	}
	return n, nil
}

// Invoke synthesizes a deterministic completion keyed on the last user
// message.
func (m *Mock) Invoke(_ domain.Context, req domain.ChatRequest) (domain.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty messages", domain.ErrInvalidArgument)
	}
	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			lastUser = msg.Content
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Model + "\x00" + lastUser))
	content := fmt.Sprintf(
		"Mock completion %08x for model %s. The request was understood and this deterministic answer stands in for a real provider response.",
		h.Sum32(), req.Model)

	if !req.Stream {
		return newStaticStream(content, "stop", nil), nil
	}
	words := strings.Fields(content)
	chunks := make([]string, 0, len(words)/m.wordsPerChunk+1)
	for i := 0; i < len(words); i += m.wordsPerChunk {
		end := i + m.wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		piece := strings.Join(words[i:end], " ")
		if end < len(words) {
			piece += " "
		}
		chunks = append(chunks, piece)
	}
	return &mockStream{chunks: chunks}, nil
}

type mockStream struct {
	chunks []string
	pos    int
	done   bool
}

func (s *mockStream) Next(ctx domain.Context) (domain.ChatChunk, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatChunk{}, err
	}
	if s.pos < len(s.chunks) {
		c := domain.ChatChunk{Content: s.chunks[s.pos]}
		s.pos++
		return c, nil
	}
	if !s.done {
		s.done = true
		return domain.ChatChunk{FinishReason: "stop"}, nil
	}
	return domain.ChatChunk{}, io.EOF
}

func (s *mockStream) Close() error { return nil }
