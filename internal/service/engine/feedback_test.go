package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

type fakeDatasetWriter struct {
	createCalls int
	addCalls    int
	added       []domain.DatasetExample
	failAdd     bool
}

func (f *fakeDatasetWriter) CreateDataset(_ domain.Context, name, _ string) (string, error) {
	f.createCalls++
	return "ds-" + name, nil
}

func (f *fakeDatasetWriter) AddExamples(_ domain.Context, _ string, examples []domain.DatasetExample) (int, error) {
	f.addCalls++
	if f.failAdd {
		return 0, errors.New("backend unavailable")
	}
	f.added = append(f.added, examples...)
	return len(examples), nil
}

func exemplar(i int) domain.DatasetExample {
	return domain.DatasetExample{
		Input:    fmt.Sprintf("query %d about account history", i),
		Output:   "answer",
		Score:    0.97,
		Spectrum: domain.SpectrumFinancial,
	}
}

func TestFeedbackIntegrator_DedupesAgainstIndex(t *testing.T) {
	ix := NewPatternIndex(nil)
	text := "how many hard inquiries in the last two years"
	_, err := ix.Admit(qualityRec("t1", 0.97), text)
	require.NoError(t, err)

	f := NewFeedbackIntegrator(&fakeDatasetWriter{}, ix)
	assert.False(t, f.Offer(domain.DatasetExample{Input: text, Spectrum: domain.SpectrumFinancial}))
	assert.True(t, f.Offer(exemplar(1)))
	assert.Equal(t, 1, f.Pending())
}

func TestFeedbackIntegrator_FlushOnBatchSize(t *testing.T) {
	w := &fakeDatasetWriter{}
	f := NewFeedbackIntegrator(w, nil)
	f.lastFlush = time.Now()

	for i := 0; i < feedbackBatchSize-1; i++ {
		require.True(t, f.Offer(exemplar(i)))
	}
	n, err := f.MaybeFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n) // under both triggers

	require.True(t, f.Offer(exemplar(feedbackBatchSize)))
	n, err = f.MaybeFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, feedbackBatchSize, n)
	assert.Equal(t, 1, w.createCalls)
	assert.Len(t, w.added, feedbackBatchSize)
	assert.Equal(t, 0, f.Pending())

	// The dataset is created once, then reused.
	require.True(t, f.Offer(exemplar(999)))
	f.now = func() time.Time { return time.Now().Add(2 * feedbackFlushInterval) }
	_, err = f.MaybeFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, w.createCalls)
	assert.Equal(t, 2, w.addCalls)
}

func TestFeedbackIntegrator_FlushOnInterval(t *testing.T) {
	w := &fakeDatasetWriter{}
	f := NewFeedbackIntegrator(w, nil)
	require.True(t, f.Offer(exemplar(1)))

	f.now = func() time.Time { return f.lastFlush.Add(feedbackFlushInterval + time.Second) }
	n, err := f.MaybeFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFeedbackIntegrator_RequeueOnError(t *testing.T) {
	w := &fakeDatasetWriter{failAdd: true}
	f := NewFeedbackIntegrator(w, nil)
	for i := 0; i < feedbackBatchSize; i++ {
		require.True(t, f.Offer(exemplar(i)))
	}
	_, err := f.MaybeFlush(context.Background())
	require.Error(t, err)
	assert.Equal(t, feedbackBatchSize, f.Pending())

	// Backend recovery drains the requeued batch.
	w.failAdd = false
	n, err := f.MaybeFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, feedbackBatchSize, n)
	assert.Equal(t, 0, f.Pending())
}
