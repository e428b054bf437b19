package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	errIllegalTransition = errors.New("illegal task status transition")
	errNotPending        = errors.New("task is no longer pending")
)

type taskEntry struct {
	task      models.Task
	cancelled atomic.Bool
}

// registry holds every live task. Readers always get copies; all writes
// go through update so status transitions stay legal.
type registry struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*taskEntry)}
}

func (r *registry) add(t models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = &taskEntry{task: t.Clone()}
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *registry) get(id string) (models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return e.task.Clone(), true
}

// cancelFlag returns the cooperative cancellation flag of a task.
func (r *registry) cancelFlag(id string) (*atomic.Bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return &e.cancelled, true
}

// update applies fn to a working copy of the task and stores it if the
// result is consistent. fn returning an error leaves the task untouched.
func (r *registry) update(id string, fn func(t *models.Task) error) (models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	before := e.task
	if before.Status.IsTerminal() {
		return before.Clone(), errors.Wrapf(errIllegalTransition, "task %s is %s", id, before.Status)
	}
	next := before.Clone()
	if err := fn(&next); err != nil {
		return before.Clone(), err
	}
	if next.Status != before.Status && !before.Status.CanTransition(next.Status) {
		return before.Clone(), errors.Wrapf(errIllegalTransition, "%s -> %s", before.Status, next.Status)
	}
	if next.Progress < before.Progress {
		next.Progress = before.Progress
	}
	if (next.Progress == 100) != (next.Status == models.CompletedTaskStatus) {
		return before.Clone(), errors.Errorf("task %s: progress %d with status %s", id, next.Progress, next.Status)
	}
	next.UpdatedAt = time.Now().UTC()
	e.task = next
	return next.Clone(), nil
}

// list returns every task, newest first.
func (r *registry) list() []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *registry) count(status models.TaskStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tasks {
		if e.task.Status == status {
			n++
		}
	}
	return n
}

func (r *registry) pendingIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.tasks {
		if e.task.Status == models.PendingTaskStatus {
			ids = append(ids, id)
		}
	}
	return ids
}

// prune drops terminal tasks last updated before cutoff and returns their ids.
func (r *registry) prune(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.tasks {
		if e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(r.tasks, id)
		}
	}
	sort.Strings(ids)
	return ids
}
