package tokencount

import (
	"os"
	"testing"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// TestMain loads BPE encodings from the bundled offline loader so tests do
// not fetch them over the network.
func TestMain(m *testing.M) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	os.Exit(m.Run())
}

func TestNormalizeModelName(t *testing.T) {
	assert.Equal(t, "gpt-4", normalizeModelName("gpt-4o-mini"))
	assert.Equal(t, "gpt-3.5-turbo", normalizeModelName("GPT-3.5-Turbo"))
	assert.Equal(t, "gpt-4", normalizeModelName("meta-llama/llama-3.3-70b"))
	assert.Equal(t, "gpt-4", normalizeModelName("something-new"))
}

func TestCountMessages(t *testing.T) {
	c := NewCounter()
	msgs := []domain.ChatMessage{
		{Role: "system", Content: "You are a credit analysis assistant."},
		{Role: "user", Content: "What is my current utilization?"},
	}
	n, err := c.CountMessages(msgs, "gpt-4o-mini")
	require.NoError(t, err)
	// Framing overhead alone is 3 + 2*(3+1) = 11 tokens.
	assert.Greater(t, n, 11)

	// Longer content counts more tokens.
	msgs[1].Content += " Please include every revolving account with its balance and limit."
	n2, err := c.CountMessages(msgs, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Greater(t, n2, n)
}

func TestUsage_Invariant(t *testing.T) {
	c := NewCounter()
	msgs := []domain.ChatMessage{{Role: "user", Content: "short question"}}
	u := c.Usage(msgs, "a somewhat longer completion text about the account", "llama-3.3-70b")
	assert.Greater(t, u.PromptTokens, 0)
	assert.Greater(t, u.CompletionTokens, 0)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
}
