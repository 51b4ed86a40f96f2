// Package obsclient is the single adapter for the external trace, feedback,
// dataset, and annotation backend. All calls carry the API key and
// organization headers; retries follow a bounded backoff that honors
// Retry-After and never retries auth or other 4xx failures.
package obsclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	headerAPIKey = "X-API-Key"
	headerOrgID  = "X-Organization-Id"

	// serverPageCap is the backend's hard cap on list page sizes.
	serverPageCap = 100
)

// Client talks to the observability backend over HTTPS.
type Client struct {
	cfg     config.Config
	baseURL string
	shortHC *http.Client
	bulkHC  *http.Client
	budget  *budget
}

// New constructs a Client. Credential presence is validated by config.Load;
// the client assumes both headers are set.
func New(cfg config.Config) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: cfg.ObsBaseURL,
		shortHC: &http.Client{Timeout: cfg.ObsShortTimeout},
		bulkHC:  &http.Client{Timeout: cfg.ObsBulkTimeout},
		budget:  newBudget(cfg.ObsRequestsPerMin),
	}
}

// ListRunsParams filters and paginates a runs listing.
type ListRunsParams struct {
	Session          string
	Since            *time.Time
	Until            *time.Time
	FilterExpression string
	Limit            int
	Cursor           string
}

// ListRuns paginates backend runs. Results are ordered by created_at
// descending unless Since is set, in which case ascending.
func (c *Client) ListRuns(ctx domain.Context, p ListRunsParams) ([]domain.Run, string, error) {
	limit := p.Limit
	if limit <= 0 || limit > serverPageCap {
		limit = serverPageCap
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "desc")
	if p.Session != "" {
		q.Set("session", p.Session)
	}
	if p.Since != nil {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
		q.Set("order", "asc")
	}
	if p.Until != nil {
		q.Set("until", p.Until.UTC().Format(time.RFC3339))
	}
	if p.FilterExpression != "" {
		q.Set("filter", p.FilterExpression)
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	var out struct {
		Runs       []domain.Run `json:"runs"`
		NextCursor string       `json:"next_cursor"`
	}
	if err := c.do(ctx, c.shortHC, "list_runs", http.MethodGet, "/v1/runs?"+q.Encode(), nil, &out); err != nil {
		return nil, "", err
	}
	return out.Runs, out.NextCursor, nil
}

// GetRunStats returns aggregate statistics, optionally grouped by
// model, spectrum, hour, or none.
func (c *Client) GetRunStats(ctx domain.Context, session, groupBy string) (domain.AggregateStats, error) {
	switch groupBy {
	case "", "none", "model", "spectrum", "hour":
	default:
		return domain.AggregateStats{}, fmt.Errorf("%w: group_by %q", domain.ErrInvalidArgument, groupBy)
	}
	q := url.Values{}
	if session != "" {
		q.Set("session", session)
	}
	if groupBy != "" {
		q.Set("group_by", groupBy)
	}
	var out domain.AggregateStats
	if err := c.do(ctx, c.shortHC, "run_stats", http.MethodGet, "/v1/runs/stats?"+q.Encode(), nil, &out); err != nil {
		return domain.AggregateStats{}, err
	}
	return out, nil
}

// SubmitFeedback records a score (and optional comment) against a run.
func (c *Client) SubmitFeedback(ctx domain.Context, runID string, score float64, comment string) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: feedback score %v out of [0,1]", domain.ErrInvalidArgument, score)
	}
	body := map[string]any{"run_id": runID, "score": score}
	if comment != "" {
		body["comment"] = comment
	}
	return c.do(ctx, c.shortHC, "submit_feedback", http.MethodPost, "/v1/feedback", body, nil)
}

// CreateDataset creates a named dataset and returns its id.
func (c *Client) CreateDataset(ctx domain.Context, name, description string) (string, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var out struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := c.do(ctx, c.shortHC, "create_dataset", http.MethodPost, "/v1/datasets", body, &out); err != nil {
		return "", err
	}
	return out.DatasetID, nil
}

// AddExamples appends examples to a dataset and returns how many were added.
func (c *Client) AddExamples(ctx domain.Context, datasetID string, examples []domain.DatasetExample) (int, error) {
	var out struct {
		AddedCount int `json:"added_count"`
	}
	body := map[string]any{"examples": examples}
	path := "/v1/datasets/" + url.PathEscape(datasetID) + "/examples"
	if err := c.do(ctx, c.bulkHC, "add_examples", http.MethodPost, path, body, &out); err != nil {
		return 0, err
	}
	return out.AddedCount, nil
}

// StartBulkExport schedules a long-running export and returns its id.
func (c *Client) StartBulkExport(ctx domain.Context, query, format string) (string, error) {
	if format != "ndjson" && format != "csv" {
		return "", fmt.Errorf("%w: export format %q", domain.ErrInvalidArgument, format)
	}
	body := map[string]any{"query": query, "format": format}
	var out struct {
		ExportID string `json:"export_id"`
	}
	if err := c.do(ctx, c.bulkHC, "start_bulk_export", http.MethodPost, "/v1/exports", body, &out); err != nil {
		return "", err
	}
	return out.ExportID, nil
}

// PollBulkExport reports the state of a previously started export.
func (c *Client) PollBulkExport(ctx domain.Context, exportID string) (domain.ExportStatus, error) {
	var out domain.ExportStatus
	path := "/v1/exports/" + url.PathEscape(exportID)
	if err := c.do(ctx, c.shortHC, "poll_bulk_export", http.MethodGet, path, nil, &out); err != nil {
		return domain.ExportStatus{}, err
	}
	return out, nil
}

// ListAnnotationQueues returns the backend's annotation queue ids.
func (c *Client) ListAnnotationQueues(ctx domain.Context) ([]string, error) {
	var out struct {
		Queues []string `json:"queues"`
	}
	if err := c.do(ctx, c.shortHC, "list_annotation_queues", http.MethodGet, "/v1/annotation-queues", nil, &out); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

// Enqueue submits an item for human annotation.
func (c *Client) Enqueue(ctx domain.Context, queueID string, item domain.AnnotationItem) error {
	path := "/v1/annotation-queues/" + url.PathEscape(queueID) + "/items"
	return c.do(ctx, c.shortHC, "enqueue_annotation", http.MethodPost, path, item, nil)
}

// WorkspaceStats summarizes the remote workspace.
func (c *Client) WorkspaceStats(ctx domain.Context) (domain.WorkspaceStats, error) {
	var out domain.WorkspaceStats
	if err := c.do(ctx, c.shortHC, "workspace_stats", http.MethodGet, "/v1/workspace/stats", nil, &out); err != nil {
		return domain.WorkspaceStats{}, err
	}
	return out, nil
}

// do runs one backend call under the local request budget with bounded
// retries on connection errors and 429/5xx responses.
func (c *Client) do(ctx domain.Context, hc *http.Client, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=obsclient.%s: %w", op, err)
		}
	}

	// One idempotency key per logical write, shared across retries, so a
	// retried POST is never double-applied by the backend.
	var idemKey string
	if method == http.MethodPost {
		idemKey = uuid.NewString()
	}

	attempt := func() error {
		if err := c.budget.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(headerAPIKey, c.cfg.ObsAPIKey)
		req.Header.Set(headerOrgID, c.cfg.ObsOrgID)
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.Do(req)
		observability.ObsRequestsTotal.WithLabelValues(op, outcome(err, resp)).Inc()
		observability.ObsRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			// Connection failure: retryable.
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			slog.Error("obs backend auth failure", slog.String("op", op), slog.Int("status", resp.StatusCode))
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrAuth, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, path))
		case resp.StatusCode == http.StatusTooManyRequests:
			c.waitRetryAfter(ctx, resp)
			slog.Warn("obs backend rate limited", slog.String("op", op))
			return fmt.Errorf("%w: status 429", domain.ErrRateLimited)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Warn("obs backend 4xx", slog.String("op", op), slog.Int("status", resp.StatusCode), slog.String("body", string(snippet)))
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrProtocol, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Warn("obs backend 5xx", slog.String("op", op), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("%w: status %d", domain.ErrTransient, resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decode: %v", domain.ErrProtocol, err))
			}
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.ObsRetryInitial
	expo.MaxInterval = c.cfg.ObsRetryMax
	expo.RandomizationFactor = 1 // full jitter
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.cfg.ObsRetryMaxAttempts)), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		return fmt.Errorf("op=obsclient.%s: %w", op, err)
	}
	return nil
}

// waitRetryAfter honors a Retry-After header, bounded by the retry ceiling.
func (c *Client) waitRetryAfter(ctx domain.Context, resp *http.Response) {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return
	}
	d := time.Duration(secs) * time.Second
	if d > c.cfg.ObsRetryMax {
		d = c.cfg.ObsRetryMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func outcome(err error, resp *http.Response) string {
	switch {
	case err != nil:
		return "error"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return "ok"
	default:
		return strconv.Itoa(resp.StatusCode)
	}
}
