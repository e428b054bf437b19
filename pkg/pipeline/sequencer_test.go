package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	cancelled atomic.Bool
	progress  []int
	started   []string
	finished  map[string]error
	attempts  map[string]int
}

func newRecorder() *recorder {
	return &recorder{finished: map[string]error{}, attempts: map[string]int{}}
}

func (r *recorder) Cancelled() bool { return r.cancelled.Load() }

func (r *recorder) StageStarted(name string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attempt == 1 {
		r.started = append(r.started, name)
	}
}

func (r *recorder) StageFinished(name string, attempts int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[name] = err
	r.attempts[name] = attempts
}

func (r *recorder) Progress(stage string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progress)
}

func (r *recorder) assertMonotonic(t *testing.T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.progress); i++ {
		assert.GreaterOrEqual(t, r.progress[i], r.progress[i-1], "progress went backwards: %v", r.progress)
	}
	for _, p := range r.progress {
		assert.LessOrEqual(t, p, pipeline.MaxProgress)
	}
}

func (r *recorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return 0
	}
	return r.progress[len(r.progress)-1]
}

func ok(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error { return nil }

func newItem() *pipeline.WorkItem {
	return pipeline.NewWorkItem("task-1", models.InputRef{AudioPath: "a.wav", Fingerprint: "f1"})
}

func TestNewSequencer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		stages  []pipeline.Stage
		wantErr string
	}{
		{"empty", nil, "no stages"},
		{"weights below 100", []pipeline.Stage{{Name: "a", Weight: 40, Run: ok}, {Name: "b", Weight: 50, Run: ok}}, "sum to 90"},
		{"weights above 100", []pipeline.Stage{{Name: "a", Weight: 60, Run: ok}, {Name: "b", Weight: 50, Run: ok}}, "sum to 110"},
		{"duplicate", []pipeline.Stage{{Name: "a", Weight: 50, Run: ok}, {Name: "a", Weight: 50, Run: ok}}, "duplicate stage"},
		{"negative weight", []pipeline.Stage{{Name: "a", Weight: -10, Run: ok}, {Name: "b", Weight: 110, Run: ok}}, "negative weight"},
		{"missing run", []pipeline.Stage{{Name: "a", Weight: 100}}, "no run function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.NewSequencer(tt.stages)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	seq, err := pipeline.NewSequencer([]pipeline.Stage{{Name: "a", Weight: 30, Run: ok}, {Name: "b", Weight: 70, Run: ok}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seq.Stages())
}

func TestSequencer_RetriesTimedOutStage(t *testing.T) {
	var attempts int32
	slowThenFast := func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		return nil
	}
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "one", Weight: 20, Run: ok},
		{Name: "two", Weight: 30, Run: ok},
		{Name: "three", Weight: 50, Timeout: 30 * time.Millisecond, Retries: 2, Run: slowThenFast},
	}, pipeline.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	rec := newRecorder()
	_, err = seq.Run(context.Background(), newItem(), rec)
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 3, rec.attempts["three"])
	assert.NoError(t, rec.finished["three"])
	assert.Equal(t, pipeline.MaxProgress, rec.last())
	rec.assertMonotonic(t)
}

func TestSequencer_StopsAtFailingStage(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	mark := func(name string, err error) pipeline.RunFunc {
		return func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		}
	}
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "one", Weight: 25, Run: mark("one", nil)},
		{Name: "two", Weight: 25, Retries: 3, Run: mark("two", errors.New("model rejected input"))},
		{Name: "three", Weight: 25, Run: mark("three", nil)},
		{Name: "four", Weight: 25, Run: mark("four", nil)},
	}, pipeline.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	rec := newRecorder()
	_, err = seq.Run(context.Background(), newItem(), rec)
	require.Error(t, err)

	te, isTaskErr := models.AsTaskError(err)
	require.True(t, isTaskErr)
	assert.Equal(t, models.StageFailureCode, te.Code)
	assert.Equal(t, "two", te.Stage)
	assert.NotContains(t, te.Message, "model rejected input")
	assert.Equal(t, []string{"one", "two"}, ran)
	assert.Equal(t, 1, rec.attempts["two"], "non-transient errors are not retried")
	assert.Equal(t, 25, rec.last())
}

func TestSequencer_TransientErrorsExhaustRetries(t *testing.T) {
	var attempts int32
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "flaky", Weight: 100, Retries: 2, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			atomic.AddInt32(&attempts, 1)
			return models.Transient(errors.New("503 service unavailable"))
		}},
	}, pipeline.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	_, err = seq.Run(context.Background(), newItem(), newRecorder())
	te, isTaskErr := models.AsTaskError(err)
	require.True(t, isTaskErr)
	assert.Equal(t, models.StageFailureCode, te.Code)
	assert.Equal(t, "flaky", te.Stage)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSequencer_KeepsStageTaxonomyCode(t *testing.T) {
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "preprocess", Weight: 100, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			return models.ValidationError("unsupported audio format %q", "txt")
		}},
	})
	require.NoError(t, err)

	_, err = seq.Run(context.Background(), newItem(), newRecorder())
	te, isTaskErr := models.AsTaskError(err)
	require.True(t, isTaskErr)
	assert.Equal(t, models.ValidationErrorCode, te.Code)
	assert.Equal(t, "preprocess", te.Stage)
}

func TestSequencer_CancelledBeforeStage(t *testing.T) {
	rec := newRecorder()
	var ran []string
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "one", Weight: 50, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			ran = append(ran, "one")
			rec.cancelled.Store(true)
			return nil
		}},
		{Name: "two", Weight: 50, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			ran = append(ran, "two")
			return nil
		}},
	})
	require.NoError(t, err)

	_, err = seq.Run(context.Background(), newItem(), rec)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, []string{"one"}, ran)
}

func TestSequencer_SubProgressStaysInBand(t *testing.T) {
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "one", Weight: 40, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			env.Report(0.5)
			env.Report(0.25)
			env.Report(3)
			return nil
		}},
		{Name: "two", Weight: 60, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			env.Report(0.5)
			return nil
		}},
	})
	require.NoError(t, err)

	rec := newRecorder()
	_, err = seq.Run(context.Background(), newItem(), rec)
	require.NoError(t, err)
	rec.assertMonotonic(t)
	assert.Contains(t, rec.progress, 20)
	assert.Contains(t, rec.progress, 70)
	assert.Equal(t, pipeline.MaxProgress, rec.last())
}

func TestSequencer_AbandonedAttemptDoesNotLeak(t *testing.T) {
	var attempts int32
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "transcribe", Weight: 100, Timeout: 20 * time.Millisecond, Retries: 1, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				// ignores its deadline and writes late
				time.Sleep(60 * time.Millisecond)
				item.Language = "late"
				env.Report(1)
				return nil
			}
			item.Language = "en"
			return nil
		}},
	}, pipeline.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	out, err := seq.Run(context.Background(), newItem(), newRecorder())
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, "en", out.Language)
}

func TestSequencer_InvariantViolationFailsStage(t *testing.T) {
	seq, err := pipeline.NewSequencer([]pipeline.Stage{
		{Name: "merge", Weight: 100, Run: func(ctx context.Context, item *pipeline.WorkItem, env pipeline.Env) error {
			item.Segments = []models.TranscriptSegment{{Start: 0, End: 1, Text: "hi"}}
			item.Merged = true
			return nil
		}},
	})
	require.NoError(t, err)

	_, err = seq.Run(context.Background(), newItem(), newRecorder())
	te, isTaskErr := models.AsTaskError(err)
	require.True(t, isTaskErr)
	assert.Equal(t, models.StageFailureCode, te.Code)
	assert.Equal(t, "merge", te.Stage)
}
