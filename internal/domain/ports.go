package domain

import "time"

// ChatMessage is one message in an OpenAI-compatible chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest mirrors the OpenAI chat-completions request shape.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Usage is the token accounting block of a chat response.
// Invariant: TotalTokens == PromptTokens + CompletionTokens at finalization.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one streamed fragment of a completion. Chunks are ordered
// and monotonically extend the response.
type ChatChunk struct {
	Content      string
	FinishReason string // "" until the final chunk; then "stop" or "length"
}

// ChatResult is a finalized provider response.
type ChatResult struct {
	Content      string
	FinishReason string
	Usage        Usage
	Provider     string
	Model        string
	Cached       bool
}

// Stream yields completion chunks in order. Next returns io.EOF after the
// final chunk has been delivered.
type Stream interface {
	Next(ctx Context) (ChatChunk, error)
	Close() error
}

// Provider is the uniform contract every model backend satisfies.
type Provider interface {
	Name() string
	// Invoke performs one completion call. The returned stream must be
	// drained or closed by the caller.
	Invoke(ctx Context, req ChatRequest) (Stream, error)
	// CountTokens reports prompt token usage for the request messages.
	CountTokens(req ChatRequest) (int, error)
}

// Cache is the two-tier cache port (C6). Class selects the TTL.
type Cache interface {
	Get(ctx Context, class, key string) ([]byte, bool)
	Set(ctx Context, class, key string, value []byte)
}

// Cache classes with distinct TTLs.
const (
	CacheClassSearch       = "search"
	CacheClassLLMResponse  = "llm_response"
	CacheClassSchemaFields = "schema_fields"
	CacheClassCreditReport = "credit_report"
)

// Run is one backend trace run returned by the observability backend.
type Run struct {
	RunID         string     `json:"run_id"`
	Session       string     `json:"session"`
	Model         string     `json:"model"`
	Spectrum      Spectrum   `json:"spectrum"`
	LatencyMS     int64      `json:"latency_ms"`
	TotalTokens   int        `json:"total_tokens"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	Error         string     `json:"error,omitempty"`
	FeedbackScore *float64   `json:"feedback_score,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Tags          []string   `json:"tags,omitempty"`
}

// AggregateStats is the grouped run statistics shape from the backend.
type AggregateStats struct {
	TotalRuns  int                `json:"total_runs"`
	MeanScore  float64            `json:"mean_score"`
	ErrorRate  float64            `json:"error_rate"`
	Groups     map[string]float64 `json:"groups,omitempty"`
	GroupedBy  string             `json:"grouped_by"`
	WindowFrom time.Time          `json:"window_from"`
	WindowTo   time.Time          `json:"window_to"`
}

// WorkspaceStats summarizes the remote workspace.
type WorkspaceStats struct {
	Projects   int `json:"projects"`
	Datasets   int `json:"datasets"`
	Repos      int `json:"repos"`
	RunsLast24 int `json:"runs_last_24h"`
}

// DatasetExample is one exemplar committed to a backend dataset.
type DatasetExample struct {
	Input    string   `json:"input"`
	Output   string   `json:"output"`
	Score    float64  `json:"score"`
	Spectrum Spectrum `json:"spectrum"`
}

// AnnotationItem is one item enqueued for human review.
type AnnotationItem struct {
	TraceID   string    `json:"trace_id"`
	Model     string    `json:"model"`
	Spectrum  Spectrum  `json:"spectrum"`
	Input     string    `json:"input"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportState enumerates bulk-export poll results.
type ExportState string

const (
	ExportPending ExportState = "pending"
	ExportReady   ExportState = "ready"
	ExportFailed  ExportState = "failed"
)

// ExportStatus is the result of polling a bulk export.
type ExportStatus struct {
	State ExportState `json:"state"`
	URL   string      `json:"url,omitempty"`
	Err   string      `json:"error,omitempty"`
}
