package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/cache"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider/tokencount"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/vcycle"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Providers  *provider.Registry
	Cache      domain.Cache
	Counter    *tokencount.Counter
	Manager    *vcycle.Manager
	RedisCheck func(ctx domain.Context) error // nil when the L2 tier is disabled
	StartedAt  time.Time
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, providers *provider.Registry, c domain.Cache, manager *vcycle.Manager, redisCheck func(domain.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Providers:  providers,
		Cache:      c,
		Counter:    tokencount.DefaultCounter,
		Manager:    manager,
		RedisCheck: redisCheck,
		StartedAt:  time.Now(),
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chatMessageWire struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string            `json:"model" validate:"required"`
	Messages    []chatMessageWire `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64          `json:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxTokens   *int              `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	Stream      bool              `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int                `json:"index"`
	Message      domain.ChatMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	SystemFingerprint string       `json:"system_fingerprint"`
	Choices           []chatChoice `json:"choices"`
	Usage             domain.Usage `json:"usage"`
	Cached            bool         `json:"cached,omitempty"`
}

type deltaChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []deltaChoice `json:"choices"`
	Cached            bool          `json:"cached,omitempty"`
}

// cachedResponse looks up the fingerprint and, on a hit, returns the stored
// response with the cached marker set.
func (s *Server) cachedResponse(r *http.Request, key string) (chatCompletionResponse, bool) {
	if s.Cache == nil {
		return chatCompletionResponse{}, false
	}
	data, ok := s.Cache.Get(r.Context(), domain.CacheClassLLMResponse, key)
	if !ok {
		return chatCompletionResponse{}, false
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return chatCompletionResponse{}, false
	}
	resp.Cached = true
	return resp, true
}

// canonicalFingerprint derives the cache key material for a request. The
// stream flag is excluded: streamed and buffered calls share semantics.
func canonicalFingerprint(req domain.ChatRequest) string {
	b, _ := json.Marshal(struct {
		Model       string               `json:"model"`
		Messages    []domain.ChatMessage `json:"messages"`
		Temperature *float64             `json:"temperature,omitempty"`
		TopP        *float64             `json:"top_p,omitempty"`
		MaxTokens   *int                 `json:"max_tokens,omitempty"`
	}{req.Model, req.Messages, req.Temperature, req.TopP, req.MaxTokens})
	return string(b)
}

func (s *Server) systemFingerprint(model string, spectrum domain.Spectrum) string {
	if s.Manager != nil {
		if v, ok := s.Manager.Variants().Deployed(model, spectrum); ok {
			return "fp_" + v.VariantID
		}
	}
	return "fp_gateway"
}

// applyVariant merges the dispatch-time variant snapshot into the request.
// The variant system prompt leads the message list; sampling parameters the
// caller set explicitly win over variant defaults.
func applyVariant(req domain.ChatRequest, v domain.PromptVariant) domain.ChatRequest {
	if v.SystemPrompt != "" {
		msgs := make([]domain.ChatMessage, 0, len(req.Messages)+1)
		msgs = append(msgs, domain.ChatMessage{Role: "system", Content: v.SystemPrompt})
		msgs = append(msgs, req.Messages...)
		req.Messages = msgs
	}
	if req.Temperature == nil && v.Parameters.Temperature > 0 {
		t := v.Parameters.Temperature
		req.Temperature = &t
	}
	if req.TopP == nil && v.Parameters.TopP > 0 {
		p := v.Parameters.TopP
		req.TopP = &p
	}
	if req.MaxTokens == nil && v.Parameters.MaxTokens > 0 {
		n := v.Parameters.MaxTokens
		req.MaxTokens = &n
	}
	return req
}

// dispatchKey identifies the caller for experiment-arm allocation. It must
// match what the trace carries so dispatch and measurement agree.
func dispatchKey(r *http.Request) string {
	if s := r.Header.Get("X-Session-Id"); s != "" {
		return s
	}
	return r.Header.Get("X-Request-Id")
}

func lastUserMessage(messages []domain.ChatMessage) string {
	var out string
	for _, m := range messages {
		if m.Role == "user" {
			out = m.Content
		}
	}
	return out
}

// ChatCompletionsHandler serves POST /v1/chat/completions.
func (s *Server) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var wire chatCompletionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&wire); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(wire); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		req := domain.ChatRequest{
			Model:       wire.Model,
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			MaxTokens:   wire.MaxTokens,
			Stream:      wire.Stream,
		}
		for _, m := range wire.Messages {
			req.Messages = append(req.Messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
		}

		spectrum := classifySpectrum(lastUserMessage(req.Messages))
		if s.Manager != nil {
			if v, ok := s.Manager.DispatchVariant(req.Model, spectrum, dispatchKey(r)); ok {
				req = applyVariant(req, v)
			}
		}
		if wire.Stream {
			s.serveStreaming(w, r, req, spectrum)
			return
		}
		s.serveBuffered(w, r, req, spectrum)
	}
}

func (s *Server) serveBuffered(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, spectrum domain.Spectrum) {
	key := cache.Key(domain.CacheClassLLMResponse, canonicalFingerprint(req))
	if cached, ok := s.cachedResponse(r, key); ok {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, cached)
		return
	}

	start := time.Now()
	stream, served, err := s.Providers.Invoke(r.Context(), req)
	if err != nil {
		s.offerTrace(r, req, spectrum, served, "", start, err)
		writeError(w, r, err, nil)
		return
	}
	defer func() { _ = stream.Close() }()

	var content, finish string
	for {
		chunk, nerr := stream.Next(r.Context())
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			s.offerTrace(r, req, spectrum, served, content, start, nerr)
			writeError(w, r, nerr, nil)
			return
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if finish == "" {
		finish = "stop"
	}

	usage := s.usageFor(stream, req, content)
	resp := chatCompletionResponse{
		ID:                "chatcmpl-" + ulid.Make().String(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             req.Model,
		SystemFingerprint: s.systemFingerprint(req.Model, spectrum),
		Choices: []chatChoice{{
			Message:      domain.ChatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}

	if finish == "stop" && content != "" {
		s.storeResponse(r, key, resp)
	}
	s.offerTraceWithUsage(r, req, spectrum, served, content, usage, finish, start, nil)
	writeJSON(w, http.StatusOK, resp)
}

// storeResponse writes a finalized completion into the response cache.
func (s *Server) storeResponse(r *http.Request, key string, resp chatCompletionResponse) {
	if s.Cache == nil {
		return
	}
	if body, err := json.Marshal(resp); err == nil {
		s.Cache.Set(r.Context(), domain.CacheClassLLMResponse, key, body)
	}
}

func (s *Server) serveStreaming(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, spectrum domain.Spectrum) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: streaming unsupported by connection", domain.ErrProtocol), nil)
		return
	}

	key := cache.Key(domain.CacheClassLLMResponse, canonicalFingerprint(req))
	if cached, hit := s.cachedResponse(r, key); hit {
		w.Header().Set("X-Cache", "hit")
		s.replayCachedStream(w, flusher, cached)
		return
	}

	start := time.Now()
	stream, served, err := s.Providers.Invoke(r.Context(), req)
	if err != nil {
		s.offerTrace(r, req, spectrum, served, "", start, err)
		writeError(w, r, err, nil)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + ulid.Make().String()
	created := time.Now().Unix()
	fingerprint := s.systemFingerprint(req.Model, spectrum)
	writeChunk := func(delta map[string]string, finish *string) {
		b, _ := json.Marshal(chatCompletionChunk{
			ID:                id,
			Object:            "chat.completion.chunk",
			Created:           created,
			Model:             req.Model,
			SystemFingerprint: fingerprint,
			Choices:           []deltaChoice{{Delta: delta, FinishReason: finish}},
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	writeChunk(map[string]string{"role": "assistant"}, nil)
	var content, finish string
	var streamErr error
	for {
		chunk, nerr := stream.Next(r.Context())
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			// Headers are gone; terminate the stream and record the failure.
			streamErr = nerr
			break
		}
		if chunk.Content != "" {
			content += chunk.Content
			writeChunk(map[string]string{"content": chunk.Content}, nil)
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if streamErr == nil {
		if finish == "" {
			finish = "stop"
		}
		writeChunk(map[string]string{}, &finish)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	usage := s.usageFor(stream, req, content)
	if streamErr == nil && finish == "stop" && content != "" {
		s.storeResponse(r, key, chatCompletionResponse{
			ID:                id,
			Object:            "chat.completion",
			Created:           created,
			Model:             req.Model,
			SystemFingerprint: fingerprint,
			Choices: []chatChoice{{
				Message:      domain.ChatMessage{Role: "assistant", Content: content},
				FinishReason: finish,
			}},
			Usage: usage,
		})
	}
	s.offerTraceWithUsage(r, req, spectrum, served, content, usage, finish, start, streamErr)
}

// replayCachedStream re-serves a cached completion as a synthetic SSE
// stream; every chunk carries the cached marker.
func (s *Server) replayCachedStream(w http.ResponseWriter, flusher http.Flusher, cached chatCompletionResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(delta map[string]string, finish *string) {
		b, _ := json.Marshal(chatCompletionChunk{
			ID:                cached.ID,
			Object:            "chat.completion.chunk",
			Created:           cached.Created,
			Model:             cached.Model,
			SystemFingerprint: cached.SystemFingerprint,
			Choices:           []deltaChoice{{Delta: delta, FinishReason: finish}},
			Cached:            true,
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	emit(map[string]string{"role": "assistant"}, nil)
	finish := "stop"
	if len(cached.Choices) > 0 {
		emit(map[string]string{"content": cached.Choices[0].Message.Content}, nil)
		if cached.Choices[0].FinishReason != "" {
			finish = cached.Choices[0].FinishReason
		}
	}
	emit(map[string]string{}, &finish)
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// usageFor prefers upstream-reported usage and recomputes the total so the
// accounting invariant always holds.
func (s *Server) usageFor(stream domain.Stream, req domain.ChatRequest, content string) domain.Usage {
	if ur, ok := stream.(provider.UsageReporter); ok {
		if u, present := ur.Usage(); present {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
			return u
		}
	}
	return s.Counter.Usage(req.Messages, content, req.Model)
}

func (s *Server) offerTrace(r *http.Request, req domain.ChatRequest, spectrum domain.Spectrum, served, content string, start time.Time, err error) {
	s.offerTraceWithUsage(r, req, spectrum, served, content, s.Counter.Usage(req.Messages, content, req.Model), "", start, err)
}

func (s *Server) offerTraceWithUsage(r *http.Request, req domain.ChatRequest, spectrum domain.Spectrum, served, content string, usage domain.Usage, finish string, start time.Time, err error) {
	if s.Manager == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	tags := []string{"source:gateway"}
	if served != "" {
		tags = append(tags, "provider:"+served)
	}
	s.Manager.Offer(domain.TraceRecord{
		TraceID:      r.Header.Get("X-Request-Id"),
		Session:      r.Header.Get("X-Session-Id"),
		Model:        req.Model,
		Spectrum:     spectrum,
		LatencyMS:    time.Since(start).Milliseconds(),
		TotalTokens:  usage.PromptTokens + usage.CompletionTokens,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Error:        errMsg,
		CreatedAt:    time.Now().UTC(),
		Tags:         tags,
		Input:        lastUserMessage(req.Messages),
		Output:       content,
		StructuralOK: err == nil && finish == "stop" && content != "",
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsHandler serves GET /v1/models.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		infos := s.Providers.Models()
		data := make([]modelEntry, 0, len(infos))
		for _, m := range infos {
			data = append(data, modelEntry{
				ID:      m.ID,
				Object:  "model",
				Created: s.StartedAt.Unix(),
				OwnedBy: m.OwnedBy,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
	}
}

// HealthHandler serves GET /health with a shallow liveness answer.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.StartedAt).Seconds()),
		})
	}
}

// DetailedHealthHandler serves GET /health/detailed with component states.
func (s *Server) DetailedHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		code := http.StatusOK
		overall := "ok"

		if s.RedisCheck == nil {
			components["redis"] = "disabled"
		} else if err := s.RedisCheck(r.Context()); err != nil {
			// L2 loss degrades to L1-only; the gateway stays up.
			components["redis"] = "degraded"
			overall = "degraded"
		} else {
			components["redis"] = "ok"
		}

		models := s.Providers.Models()
		if len(models) == 0 {
			components["providers"] = "error"
			overall = "error"
			code = http.StatusServiceUnavailable
		} else {
			components["providers"] = "ok"
		}

		body := map[string]interface{}{
			"status":     overall,
			"components": components,
			"models":     len(models),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}
		if s.Manager != nil {
			body["virtuous_cycle"] = s.Manager.Status()
		}
		writeJSON(w, code, body)
	}
}
