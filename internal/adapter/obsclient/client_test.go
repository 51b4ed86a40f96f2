package obsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		ObsAPIKey:           "test-key",
		ObsOrgID:            "org-1",
		ObsBaseURL:          baseURL,
		ObsRequestsPerMin:   1000,
		ObsShortTimeout:     2 * time.Second,
		ObsBulkTimeout:      2 * time.Second,
		ObsRetryInitial:     time.Millisecond,
		ObsRetryMax:         5 * time.Millisecond,
		ObsRetryMaxAttempts: 3,
	}
}

func TestListRuns_SendsCredentialHeadersAndPaginates(t *testing.T) {
	var gotKey, gotOrg, gotOrder string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotOrg = r.Header.Get("X-Organization-Id")
		gotOrder = r.URL.Query().Get("order")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runs":        []domain.Run{{RunID: "r1"}, {RunID: "r2"}},
			"next_cursor": "c2",
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	runs, next, err := c.ListRuns(context.Background(), ListRunsParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, "c2", next)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "org-1", gotOrg)
	assert.Equal(t, "desc", gotOrder)
}

func TestListRuns_SinceFlipsOrderAscending(t *testing.T) {
	var gotOrder string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrder = r.URL.Query().Get("order")
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []domain.Run{}})
	}))
	defer srv.Close()

	since := time.Now().Add(-time.Hour)
	c := New(testConfig(srv.URL))
	_, _, err := c.ListRuns(context.Background(), ListRunsParams{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, "asc", gotOrder)
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.WorkspaceStats{Projects: 4})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	stats, err := c.WorkspaceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Projects)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_AuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.WorkspaceStats(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuth))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_NotFoundIsReturnedWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.PollBulkExport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_429RetriedHonoringRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.WorkspaceStats{})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ObsRetryMax = 10 * time.Millisecond // bounds the Retry-After sleep
	c := New(cfg)
	start := time.Now()
	_, err := c.WorkspaceStats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	require.NoError(t, c.SubmitFeedback(context.Background(), "run-1", 0.9, ""))
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestDo_GetCarriesNoIdempotencyKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Idempotency-Key")
		_ = json.NewEncoder(w).Encode(domain.WorkspaceStats{})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.WorkspaceStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubmitFeedback_RejectsOutOfRangeScore(t *testing.T) {
	c := New(testConfig("http://unused"))
	err := c.SubmitFeedback(context.Background(), "run-1", 1.5, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestStartBulkExport_ValidatesFormat(t *testing.T) {
	c := New(testConfig("http://unused"))
	_, err := c.StartBulkExport(context.Background(), "q", "xml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestCreateDatasetAndAddExamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/datasets":
			_ = json.NewEncoder(w).Encode(map[string]string{"dataset_id": "ds-1"})
		case "/v1/datasets/ds-1/examples":
			var body struct {
				Examples []domain.DatasetExample `json:"examples"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]int{"added_count": len(body.Examples)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	id, err := c.CreateDataset(context.Background(), "exemplars", "high-quality traces")
	require.NoError(t, err)
	require.Equal(t, "ds-1", id)

	n, err := c.AddExamples(context.Background(), id, []domain.DatasetExample{{Input: "a"}, {Input: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBudget_SuspendsInsteadOfFailing(t *testing.T) {
	b := newBudget(60) // one per second
	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 60; i++ {
		require.Zero(t, b.reserve())
	}
	d := b.reserve()
	assert.Greater(t, d, time.Duration(0))
}

func TestBudget_WaitRespectsContext(t *testing.T) {
	b := newBudget(60)
	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 61; i++ {
		b.reserve()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := b.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
