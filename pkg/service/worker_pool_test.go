package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/service"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct {
}

func newLogger(t *testing.T) service.Logger {
	return &testLogger{}
}

func (l *testLogger) Infof(format string, args ...interface{}) {
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
}

func TestWorkerPool_Execution(t *testing.T) {
	tests := []struct {
		name      string
		workers   int
		queueSize int
		jobs      int
	}{
		{name: "Single worker", workers: 1, queueSize: 10, jobs: 10},
		{name: "Several workers", workers: 4, queueSize: 20, jobs: 20},
		{name: "Default worker count", workers: 0, queueSize: 5, jobs: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := service.NewWorkerPool(context.Background(), tt.queueSize, newLogger(t))
			wp.Start(tt.workers)

			var done atomic.Int32
			for i := 0; i < tt.jobs; i++ {
				require.NoError(t, wp.Enqueue(fmt.Sprintf("job-%d", i), func(ctx context.Context) {
					done.Add(1)
				}))
			}
			wp.Stop()

			assert.Equal(t, int32(tt.jobs), done.Load())
			assert.Equal(t, 0, wp.Pending())
			assert.Equal(t, 0, wp.Active())
			assert.Positive(t, wp.Workers())
		})
	}
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), 10, newLogger(t))
	wp.Start(2)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	for i := 0; i < 8; i++ {
		require.NoError(t, wp.Enqueue(fmt.Sprintf("job-%d", i), func(ctx context.Context) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}))
	}
	wp.Stop()
	assert.Equal(t, 2, peak)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), 1, newLogger(t))
	wp.Start(1)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, wp.Enqueue("blocking", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, wp.Enqueue("queued", func(ctx context.Context) {}))
	assert.Equal(t, 1, wp.Pending())
	assert.Equal(t, 1, wp.Active())

	err := wp.Enqueue("rejected", func(ctx context.Context) {})
	assert.ErrorIs(t, err, models.ErrQueueFull)

	close(release)
	wp.Stop()
	assert.ErrorIs(t, wp.Enqueue("late", func(ctx context.Context) {}), service.ErrPoolStopped)
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), 2, newLogger(t))
	wp.Start(1)

	var ran atomic.Bool
	require.NoError(t, wp.Enqueue("panics", func(ctx context.Context) { panic("boom") }))
	require.NoError(t, wp.Enqueue("after", func(ctx context.Context) { ran.Store(true) }))
	wp.Stop()
	assert.True(t, ran.Load())
}

func TestWorkerPool_PassesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wp := service.NewWorkerPool(ctx, 1, newLogger(t))
	wp.Start(1)
	cancel()

	var seen error
	require.NoError(t, wp.Enqueue("job", func(ctx context.Context) { seen = ctx.Err() }))
	wp.Stop()
	assert.ErrorIs(t, seen, context.Canceled)
}

func TestTaskService_WriteThrough(t *testing.T) {
	store := storage.NewMockStore()
	ts := service.NewTaskService(store, newLogger(t))

	now := time.Now().UTC()
	task := models.Task{ID: "t1", Status: models.PendingTaskStatus, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, ts.SaveTask(task))
	assert.Error(t, ts.SaveTask(task), "duplicate ids are rejected")

	task.Status = models.RunningTaskStatus
	task.Progress = 10
	require.NoError(t, ts.UpdateTask(task))
	got, err := ts.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.RunningTaskStatus, got.Status)
	assert.Equal(t, 10, got.Progress)

	assert.Error(t, ts.UpdateTask(models.Task{ID: "unknown"}))

	require.NoError(t, ts.DeleteTasks([]string{"t1"}))
	_, err = ts.GetTask("t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, ts.DeleteTasks(nil))
}
