package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ignatij/meetflow/pkg/cache"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/pkg/errors"
)

// runTask is the worker job of one task. The task is the only writer of its
// own state from here on.
func (o *Orchestrator) runTask(ctx context.Context, id string) {
	flag, ok := o.tasks.cancelFlag(id)
	if !ok {
		return
	}
	task, err := o.tasks.update(id, func(t *models.Task) error {
		if t.Status != models.PendingTaskStatus {
			return errNotPending
		}
		if flag.Load() {
			t.Status = models.CancelledTaskStatus
			return nil
		}
		t.Status = models.RunningTaskStatus
		return nil
	})
	if err != nil {
		// cancelled while queued
		return
	}
	_ = o.persist.UpdateTask(task)
	if task.Status == models.CancelledTaskStatus {
		o.logger.Infof("Task %s cancelled before start", id)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("Task %s panicked: %v", id, r)
			o.fail(id, models.NewTaskError(models.StageFailureCode, "internal error", fmt.Errorf("%v", r)))
		}
	}()

	started := time.Now()
	o.logger.Infof("Task %s started", id)
	tracker := &taskTracker{o: o, id: id, flag: flag}

	var (
		res    *models.MergedResult
		shared bool
	)
	for {
		res, shared, err = o.cache.GetOrCompute(ctx, task.Input.Fingerprint, func(ctx context.Context) (*models.MergedResult, error) {
			out, err := o.sequencer.Run(ctx, pipeline.NewWorkItem(id, task.Input), tracker)
			if err != nil {
				return nil, err
			}
			return out.Result, nil
		})
		// a waiter whose leader was cancelled computes on its own
		if err != nil && shared && errors.Is(err, models.ErrCancelled) && !flag.Load() && ctx.Err() == nil {
			o.logger.Infof("Task %s: shared computation was cancelled, retrying", id)
			continue
		}
		break
	}

	switch {
	case err == nil && shared && flag.Load():
		o.finishCancelled(id)
	case err == nil:
		if !shared {
			o.remember(ctx, id, res)
		}
		o.complete(id, res, shared, time.Since(started))
	case errors.Is(err, models.ErrCancelled), errors.Is(err, context.Canceled):
		o.finishCancelled(id)
	default:
		o.fail(id, failureOf(err))
	}
}

func (o *Orchestrator) complete(id string, res *models.MergedResult, shared bool, took time.Duration) {
	t, err := o.tasks.update(id, func(t *models.Task) error {
		t.Status = models.CompletedTaskStatus
		t.Progress = 100
		t.Stage = ""
		t.Result = res
		t.CacheHit = shared
		return nil
	})
	if err != nil {
		o.logger.Errorf("Failed to complete task %s: %v", id, err)
		return
	}
	_ = o.persist.UpdateTask(t)
	o.logger.Infof("Task %s completed in %s (cache hit: %t)", id, took.Round(time.Millisecond), shared)
}

func (o *Orchestrator) fail(id string, te *models.TaskError) {
	t, err := o.tasks.update(id, func(t *models.Task) error {
		t.Status = models.FailedTaskStatus
		t.Error = te
		if te.Stage != "" {
			t.Stage = te.Stage
		}
		return nil
	})
	if err != nil {
		o.logger.Errorf("Failed to mark task %s failed: %v", id, err)
		return
	}
	_ = o.persist.UpdateTask(t)
	o.logger.Errorf("Task %s failed: %v", id, te)
}

func (o *Orchestrator) finishCancelled(id string) {
	t, err := o.tasks.update(id, func(t *models.Task) error {
		t.Status = models.CancelledTaskStatus
		return nil
	})
	if err != nil {
		o.logger.Errorf("Failed to mark task %s cancelled: %v", id, err)
		return
	}
	_ = o.persist.UpdateTask(t)
	o.logger.Infof("Task %s cancelled at stage %q", id, t.Stage)
}

// remember stores the finished meeting for later context queries. Failures
// only cost future context.
func (o *Orchestrator) remember(ctx context.Context, id string, res *models.MergedResult) {
	if o.memory == nil || res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()
	if err := o.memory.Remember(ctx, res.MeetingID, res.Segments); err != nil {
		o.logger.Errorf("Failed to remember meeting %s: %v", id, err)
	}
}

func failureOf(err error) *models.TaskError {
	if te, ok := models.AsTaskError(err); ok {
		out := *te
		return &out
	}
	var ce *cache.ComputationError
	if errors.As(err, &ce) {
		return models.NewTaskError(models.CacheComputationErrorCode,
			"result computation failed: "+models.Describe(ce.Err), err)
	}
	return models.NewTaskError(models.CacheComputationErrorCode, models.Describe(err), err)
}

// taskTracker reflects sequencer progress into the task registry.
type taskTracker struct {
	o    *Orchestrator
	id   string
	flag *atomic.Bool
}

func (tt *taskTracker) Cancelled() bool {
	return tt.flag.Load()
}

func (tt *taskTracker) StageStarted(name string, attempt int) {
	now := time.Now().UTC()
	tt.apply(func(t *models.Task) {
		t.Stage = name
		if n := len(t.Stages); attempt > 1 && n > 0 && t.Stages[n-1].Name == name {
			t.Stages[n-1].Attempts = attempt
			return
		}
		t.Stages = append(t.Stages, models.StageRecord{
			Name:      name,
			Status:    models.RunningStageStatus,
			Attempts:  attempt,
			StartedAt: now,
		})
	})
}

func (tt *taskTracker) StageFinished(name string, attempts int, err error) {
	now := time.Now().UTC()
	tt.apply(func(t *models.Task) {
		n := len(t.Stages)
		if n == 0 || t.Stages[n-1].Name != name {
			return
		}
		rec := &t.Stages[n-1]
		rec.Attempts = attempts
		rec.FinishedAt = &now
		switch {
		case err == nil:
			rec.Status = models.CompletedStageStatus
		case errors.Is(err, models.ErrCancelled):
			rec.Status = models.SkippedStageStatus
			rec.Message = "cancelled"
		default:
			rec.Status = models.FailedStageStatus
			rec.Message = models.Describe(err)
		}
	})
}

func (tt *taskTracker) Progress(stage string, progress int) {
	tt.apply(func(t *models.Task) {
		t.Stage = stage
		if progress > t.Progress {
			t.Progress = progress
		}
	})
}

func (tt *taskTracker) apply(fn func(t *models.Task)) {
	t, err := tt.o.tasks.update(tt.id, func(t *models.Task) error {
		fn(t)
		return nil
	})
	if err != nil {
		tt.o.logger.Errorf("Failed to record progress of task %s: %v", tt.id, err)
		return
	}
	_ = tt.o.persist.UpdateTask(t)
}
