package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	// DefaultStageTimeout applies to stages declared without a timeout.
	DefaultStageTimeout = 5 * time.Minute
	// MaxProgress is the highest progress the sequencer reports. Only the
	// orchestrator moves a task to 100, together with COMPLETED.
	MaxProgress = 99
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Env is handed to a stage attempt. Report takes the fraction of the stage
// that is done and is ignored once the attempt has ended.
type Env struct {
	Report    func(fraction float64)
	Cancelled func() bool
}

// RunFunc does the work of a stage on a private copy of the work item.
type RunFunc func(ctx context.Context, item *WorkItem, env Env) error

// Stage is one named, weighted step of the pipeline.
type Stage struct {
	Name    string
	Weight  int
	Timeout time.Duration
	Retries int
	Run     RunFunc
}

// Tracker receives the observable effects of a run.
type Tracker interface {
	Cancelled() bool
	StageStarted(name string, attempt int)
	StageFinished(name string, attempts int, err error)
	Progress(stage string, progress int)
}

type SequencerOption func(*Sequencer)

func WithLogger(l Logger) SequencerOption {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// WithRetryBackoff sets the first wait between attempts of a stage. Waits
// grow exponentially from there.
func WithRetryBackoff(initial time.Duration) SequencerOption {
	return func(s *Sequencer) {
		s.retryInterval = initial
	}
}

// Sequencer runs a fixed ordered list of stages.
type Sequencer struct {
	stages        []Stage
	logger        Logger
	retryInterval time.Duration
}

// NewSequencer validates the stage list: names must be unique, weights
// non-negative and summing to exactly 100.
func NewSequencer(stages []Stage, opts ...SequencerOption) (*Sequencer, error) {
	if len(stages) == 0 {
		return nil, errors.New("no stages")
	}
	seen := make(map[string]struct{}, len(stages))
	total := 0
	for _, st := range stages {
		if st.Name == "" {
			return nil, errors.New("stage with empty name")
		}
		if _, ok := seen[st.Name]; ok {
			return nil, errors.Errorf("duplicate stage %q", st.Name)
		}
		seen[st.Name] = struct{}{}
		if st.Weight < 0 {
			return nil, errors.Errorf("stage %q: negative weight %d", st.Name, st.Weight)
		}
		if st.Retries < 0 {
			return nil, errors.Errorf("stage %q: negative retries %d", st.Name, st.Retries)
		}
		if st.Run == nil {
			return nil, errors.Errorf("stage %q: no run function", st.Name)
		}
		total += st.Weight
	}
	if total != 100 {
		return nil, errors.Errorf("stage weights sum to %d, want 100", total)
	}

	s := &Sequencer{
		stages:        append([]Stage(nil), stages...),
		logger:        nopLogger{},
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stages returns the stage names in execution order.
func (s *Sequencer) Stages() []string {
	names := make([]string, len(s.stages))
	for i, st := range s.stages {
		names[i] = st.Name
	}
	return names
}

// Run executes the stages in order against item. It stops at the first
// failing stage and returns the last good work item with a *models.TaskError
// naming that stage, or models.ErrCancelled when cancellation was observed
// before a stage.
func (s *Sequencer) Run(ctx context.Context, item *WorkItem, tracker Tracker) (*WorkItem, error) {
	band := &progressBand{tracker: tracker}
	for _, st := range s.stages {
		if tracker.Cancelled() || ctx.Err() != nil {
			s.logger.Infof("Task %s cancelled before stage %s", item.TaskID, st.Name)
			return item, models.ErrCancelled
		}

		band.enter(st.Name, st.Weight)
		next, attempts, err := s.runStage(ctx, st, item, band, tracker)
		if err == nil {
			if verr := next.Verify(item); verr != nil {
				s.logger.Errorf("Stage %s broke work item invariants for task %s: %v", st.Name, item.TaskID, verr)
				err = models.NewTaskError(models.StageFailureCode, "stage produced inconsistent output", verr)
			}
		}
		if err != nil && ctx.Err() != nil {
			s.logger.Infof("Task %s interrupted during stage %s: %v", item.TaskID, st.Name, err)
			err = models.ErrCancelled
		}
		tracker.StageFinished(st.Name, attempts, err)
		if err != nil {
			if errors.Is(err, models.ErrCancelled) {
				return item, models.ErrCancelled
			}
			s.logger.Errorf("Stage %s failed for task %s after %d attempt(s): %v", st.Name, item.TaskID, attempts, err)
			return item, stageError(st.Name, err)
		}
		item = next
		band.complete()
	}
	return item, nil
}

func (s *Sequencer) runStage(ctx context.Context, st Stage, item *WorkItem, band *progressBand, tracker Tracker) (*WorkItem, int, error) {
	var (
		result   *WorkItem
		attempts int
	)
	op := func() error {
		if attempts > 0 && tracker.Cancelled() {
			return backoff.Permanent(models.ErrCancelled)
		}
		attempts++
		tracker.StageStarted(st.Name, attempts)
		next, err := s.attempt(ctx, st, item, band, tracker)
		if err == nil {
			result = next
			return nil
		}
		if models.IsTransient(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.retryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(st.Retries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.logger.Infof("Retrying stage %s for task %s in %s (attempt %d/%d): %v",
			st.Name, item.TaskID, wait, attempts+1, st.Retries+1, err)
	})
	return result, attempts, err
}

// attempt runs the stage once on a clone of item with its own timeout. A run
// that outlives its timeout is abandoned together with its clone.
func (s *Sequencer) attempt(ctx context.Context, st Stage, item *WorkItem, band *progressBand, tracker Tracker) (*WorkItem, error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ended atomic.Bool
	env := Env{
		Report: func(fraction float64) {
			if !ended.Load() {
				band.report(fraction)
			}
		},
		Cancelled: tracker.Cancelled,
	}

	clone := item.Clone()
	done := make(chan error, 1)
	go func() {
		done <- st.Run(attemptCtx, clone, env)
	}()

	select {
	case err := <-done:
		ended.Store(true)
		if err != nil {
			return nil, err
		}
		return clone, nil
	case <-attemptCtx.Done():
		ended.Store(true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(errors.Wrapf(attemptCtx.Err(), "stage %s timed out after %s", st.Name, timeout))
	}
}

func stageError(stage string, err error) *models.TaskError {
	if te, ok := models.AsTaskError(err); ok {
		out := *te
		if out.Stage == "" && out.Agent == "" {
			out.Stage = stage
		}
		return &out
	}
	te := models.NewTaskError(models.StageFailureCode, fmt.Sprintf("%s failed: %s", stage, models.Describe(err)), err)
	te.Stage = stage
	return te
}

// progressBand maps stage-local fractions onto overall progress and keeps
// the reported value monotonic and below MaxProgress.
type progressBand struct {
	mu       sync.Mutex
	tracker  Tracker
	stage    string
	base     int
	weight   int
	reported int
}

func (b *progressBand) enter(stage string, weight int) {
	b.mu.Lock()
	b.stage, b.weight = stage, weight
	b.mu.Unlock()
	b.set(b.base)
}

func (b *progressBand) report(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.mu.Lock()
	p := b.base + int(fraction*float64(b.weight))
	b.mu.Unlock()
	b.set(p)
}

func (b *progressBand) complete() {
	b.mu.Lock()
	b.base += b.weight
	p := b.base
	b.mu.Unlock()
	b.set(p)
}

func (b *progressBand) set(p int) {
	if p > MaxProgress {
		p = MaxProgress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p < b.reported {
		return
	}
	b.reported = p
	b.tracker.Progress(b.stage, p)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
