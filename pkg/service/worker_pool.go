package service

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrPoolStopped is returned by Enqueue after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is the unit of work run by the pool. ctx is the pool's context.
type Job func(ctx context.Context)

type queuedJob struct {
	id string
	fn Job
}

// WorkerPool runs queued jobs on a fixed number of workers. The queue is
// bounded; Enqueue never blocks.
type WorkerPool struct {
	ctx     context.Context
	logger  Logger
	jobs    chan queuedJob
	workers int
	active  atomic.Int32
	stopped bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewWorkerPool(ctx context.Context, queueSize int, logger Logger) *WorkerPool {
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		ctx:    ctx,
		logger: logger,
		jobs:   make(chan queuedJob, queueSize),
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.workers = workers
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Enqueue queues fn under id. It fails with models.ErrQueueFull when the
// queue has no room and with ErrPoolStopped after Stop.
func (wp *WorkerPool) Enqueue(id string, fn Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.jobs <- queuedJob{id: id, fn: fn}:
		return nil
	default:
		return models.ErrQueueFull
	}
}

// Stop stops accepting jobs and waits until every queued and running job
// has finished.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Pending returns the number of queued jobs not yet picked up.
func (wp *WorkerPool) Pending() int {
	return len(wp.jobs)
}

// Active returns the number of jobs currently running.
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

// Workers returns the number of workers started.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// QueueCapacity returns the size of the job queue.
func (wp *WorkerPool) QueueCapacity() int {
	return cap(wp.jobs)
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		wp.execute(job)
	}
}

func (wp *WorkerPool) execute(job queuedJob) {
	wp.active.Add(1)
	defer wp.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Job %s panicked: %v", job.id, r)
		}
	}()
	job.fn(wp.ctx)
}
