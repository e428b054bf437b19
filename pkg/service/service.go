package service

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/meetflow/pkg/agent"
	"github.com/ignatij/meetflow/pkg/cache"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/ignatij/meetflow/pkg/retriever"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used across the orchestrator
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("orchestrator is shut down")

// Config is read once at construction and never changes afterwards.
type Config struct {
	MaxConcurrentTasks int
	QueueSize          int

	StageWeights      map[string]int
	StageTimeout      time.Duration
	StageRetries      int
	StageRetryBackoff time.Duration

	AgentTimeout      time.Duration
	AgentRetries      int
	AgentRetryBackoff time.Duration

	CacheSize int
	CacheTTL  time.Duration

	ContextTopK     int
	ContextMinScore float64
	// ContextTimeout bounds the history lookup of the context agent.
	ContextTimeout time.Duration

	// TaskRetention is how long terminal tasks stay queryable. Zero keeps
	// them until Prune is called explicitly.
	TaskRetention   time.Duration
	JanitorInterval time.Duration

	// Revision takes part in the fingerprint; bump it when the pipeline
	// changes so stale results are not served.
	Revision string
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 3,
		QueueSize:          100,
		StageWeights:       pipeline.DefaultWeights(),
		StageTimeout:       pipeline.DefaultStageTimeout,
		StageRetries:       2,
		StageRetryBackoff:  time.Second,
		AgentTimeout:       agent.DefaultCallTimeout,
		AgentRetries:       agent.DefaultRetries,
		AgentRetryBackoff:  time.Second,
		CacheSize:          256,
		CacheTTL:           24 * time.Hour,
		ContextTopK:        5,
		ContextMinScore:    0.3,
		ContextTimeout:     agent.DefaultRetrievalTimeout,
		TaskRetention:      7 * 24 * time.Hour,
		JanitorInterval:    time.Hour,
		Revision:           "v1",
	}
}

// Dependencies are the external collaborators of the orchestrator. Embedder
// and Memory are optional; without them no meeting history is kept.
type Dependencies struct {
	Store       storage.Store
	Loader      pipeline.AudioLoader
	Diarizer    pipeline.Diarizer
	Transcriber pipeline.Transcriber
	Emotion     pipeline.EmotionClassifier
	Backend     agent.Backend
	Embedder    retriever.Embedder
	Memory      retriever.MemoryStore
	Logger      Logger
}

type SubmitRequest struct {
	AudioPath string                 `json:"audio_path"`
	Options   models.AnalysisOptions `json:"options"`
}

// Health is a point-in-time view of the orchestrator load.
type Health struct {
	Accepting     bool `json:"accepting"`
	Queued        int  `json:"queued"`
	Running       int  `json:"running"`
	Capacity      int  `json:"capacity"`
	QueueCapacity int  `json:"queue_capacity"`
	CachedResults int  `json:"cached_results"`
}

// Orchestrator accepts analysis requests, runs them on a bounded worker
// pool and answers status queries. Identical content is analysed once.
type Orchestrator struct {
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	logger    Logger
	tasks     *registry
	persist   *TaskService
	cache     *cache.Cache
	sequencer *pipeline.Sequencer
	memory    *retriever.Retriever
	wp        *WorkerPool
	closed    atomic.Bool
	stopOnce  sync.Once
	janitor   chan struct{}
	wg        sync.WaitGroup
}

func NewOrchestrator(ctx context.Context, cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Store == nil {
		deps.Store = storage.NewMockStore()
	}
	if deps.Backend == nil {
		return nil, errors.New("reasoning backend is required")
	}
	cfg.StageWeights = copyWeights(cfg.StageWeights)

	var memory *retriever.Retriever
	if deps.Embedder != nil && deps.Memory != nil {
		memory = retriever.New(deps.Embedder, deps.Memory, deps.Logger)
	}
	agents := []agent.Agent{
		agent.ActionAgent{},
		agent.SentimentAgent{},
		agent.ContextAgent{
			Retriever: memory,
			TopK:      cfg.ContextTopK,
			MinScore:  cfg.ContextMinScore,
			Timeout:   cfg.ContextTimeout,
			Logger:    deps.Logger,
		},
	}
	coordinator := agent.NewCoordinator(deps.Backend, agents, agent.Config{
		CallTimeout:      cfg.AgentTimeout,
		Retries:          cfg.AgentRetries,
		RetryBackoff:     cfg.AgentRetryBackoff,
		RetrievalTimeout: cfg.ContextTimeout,
	}, deps.Logger)

	// Agents recover from their own timeouts, so the analyze stage has to
	// outlast the slowest of them.
	stages, err := pipeline.BuildStages(pipeline.Collaborators{
		Loader:      deps.Loader,
		Diarizer:    deps.Diarizer,
		Transcriber: deps.Transcriber,
		Emotion:     deps.Emotion,
		Analyzer:    coordinator,
	}, pipeline.StagePolicy{
		Weights:        cfg.StageWeights,
		Timeout:        cfg.StageTimeout,
		Retries:        cfg.StageRetries,
		AnalyzeTimeout: coordinator.Budget(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid stage configuration")
	}
	seqOpts := []pipeline.SequencerOption{pipeline.WithLogger(deps.Logger)}
	if cfg.StageRetryBackoff > 0 {
		seqOpts = append(seqOpts, pipeline.WithRetryBackoff(cfg.StageRetryBackoff))
	}
	sequencer, err := pipeline.NewSequencer(stages, seqOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid stage configuration")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		cfg:       cfg,
		ctx:       runCtx,
		cancel:    cancel,
		logger:    deps.Logger,
		tasks:     newRegistry(),
		persist:   NewTaskService(deps.Store, deps.Logger),
		cache:     cache.New(cfg.CacheSize, cfg.CacheTTL, deps.Store, deps.Logger),
		sequencer: sequencer,
		memory:    memory,
		wp:        NewWorkerPool(runCtx, cfg.QueueSize, deps.Logger),
		janitor:   make(chan struct{}),
	}
	o.wp.Start(cfg.MaxConcurrentTasks)
	if cfg.TaskRetention > 0 && cfg.JanitorInterval > 0 {
		o.wg.Add(1)
		go o.runJanitor()
	}
	o.logger.Infof("Orchestrator started with %d worker(s), queue size %d, stages %v",
		o.wp.Workers(), o.wp.QueueCapacity(), sequencer.Stages())
	return o, nil
}

// Submit registers an analysis request and returns its task id without
// waiting for the analysis. Content that was analysed before with the same
// options completes immediately from the cache.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if err := validateRequest(req); err != nil {
		return "", err
	}
	fingerprint, err := cache.FingerprintFile(req.AudioPath, req.Options, o.cfg.Revision)
	if err != nil {
		return "", models.ValidationError("cannot read audio file %s", req.AudioPath)
	}

	now := time.Now().UTC()
	task := models.Task{
		ID:     uuid.NewString(),
		Status: models.PendingTaskStatus,
		Input: models.InputRef{
			AudioPath:   req.AudioPath,
			Fingerprint: fingerprint,
			Options:     req.Options,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if res, ok := o.cache.Peek(fingerprint); ok {
		task.Status = models.CompletedTaskStatus
		task.Progress = 100
		task.CacheHit = true
		task.Result = res
		o.tasks.add(task)
		_ = o.persist.SaveTask(task)
		o.logger.Infof("Task %s served from cache (%s)", task.ID, fingerprint[:12])
		return task.ID, nil
	}

	o.tasks.add(task)
	_ = o.persist.SaveTask(task)
	id := task.ID
	if err := o.wp.Enqueue(id, func(ctx context.Context) { o.runTask(ctx, id) }); err != nil {
		o.tasks.remove(id)
		_ = o.persist.DeleteTasks([]string{id})
		if errors.Is(err, ErrPoolStopped) {
			return "", ErrClosed
		}
		o.logger.Errorf("Rejected task for %s: %v", req.AudioPath, err)
		return "", err
	}
	o.logger.Infof("Task %s queued for %s", id, req.AudioPath)
	return id, nil
}

func validateRequest(req SubmitRequest) error {
	if req.AudioPath == "" {
		return models.ValidationError("audio path is required")
	}
	if req.Options.NumSpeakers < 0 {
		return models.ValidationError("num_speakers must not be negative, got %d", req.Options.NumSpeakers)
	}
	info, err := os.Stat(req.AudioPath)
	if err != nil {
		return models.ValidationError("cannot read audio file %s", req.AudioPath)
	}
	if info.IsDir() {
		return models.ValidationError("%s is a directory", req.AudioPath)
	}
	return nil
}

// GetStatus returns a snapshot of the task. Tasks that are no longer held
// in memory are looked up in the store.
func (o *Orchestrator) GetStatus(id string) (models.Task, error) {
	if t, ok := o.tasks.get(id); ok {
		return t, nil
	}
	t, err := o.persist.GetTask(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Task{}, models.ErrNotFound
		}
		return models.Task{}, errors.Wrapf(err, "failed to load task %s", id)
	}
	return t, nil
}

// GetResult returns the merged result of a completed task. It fails with
// models.ErrNotReady while the task is in flight, with the task's
// *models.TaskError when it failed and with models.ErrCancelled when it was
// cancelled.
func (o *Orchestrator) GetResult(id string) (*models.MergedResult, error) {
	t, err := o.GetStatus(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.CompletedTaskStatus:
		return t.Result, nil
	case models.FailedTaskStatus:
		if t.Error != nil {
			return nil, t.Error
		}
		return nil, models.NewTaskError(models.StageFailureCode, "task failed", nil)
	case models.CancelledTaskStatus:
		return nil, models.ErrCancelled
	}
	return nil, models.ErrNotReady
}

// Cancel requests cancellation. A pending task is cancelled at once; a
// running one stops at its next checkpoint. Terminal tasks are unaffected.
func (o *Orchestrator) Cancel(id string) error {
	flag, ok := o.tasks.cancelFlag(id)
	if !ok {
		if _, err := o.GetStatus(id); err != nil {
			return err
		}
		return nil
	}
	t, _ := o.tasks.get(id)
	if t.Status.IsTerminal() {
		return nil
	}
	flag.Store(true)
	if cancelled, err := o.cancelPending(id); err == nil {
		o.logger.Infof("Task %s cancelled before start", cancelled.ID)
		return nil
	}
	o.logger.Infof("Cancellation requested for running task %s", id)
	return nil
}

func (o *Orchestrator) cancelPending(id string) (models.Task, error) {
	t, err := o.tasks.update(id, func(t *models.Task) error {
		if t.Status != models.PendingTaskStatus {
			return errNotPending
		}
		t.Status = models.CancelledTaskStatus
		return nil
	})
	if err != nil {
		return t, err
	}
	_ = o.persist.UpdateTask(t)
	return t, nil
}

// List returns snapshots of every task held in memory, newest first.
func (o *Orchestrator) List() []models.Task {
	return o.tasks.list()
}

func (o *Orchestrator) Health() Health {
	queued := o.tasks.count(models.PendingTaskStatus)
	return Health{
		Accepting:     !o.closed.Load() && o.wp.Pending() < o.wp.QueueCapacity(),
		Queued:        queued,
		Running:       o.tasks.count(models.RunningTaskStatus),
		Capacity:      o.wp.Workers(),
		QueueCapacity: o.wp.QueueCapacity(),
		CachedResults: o.cache.Len(),
	}
}

// Prune forgets terminal tasks not updated within olderThan and returns how
// many were dropped. Cached results are kept.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	ids := o.tasks.prune(time.Now().UTC().Add(-olderThan))
	if len(ids) == 0 {
		return 0
	}
	_ = o.persist.DeleteTasks(ids)
	o.logger.Infof("Pruned %d finished task(s)", len(ids))
	return len(ids)
}

// Close stops accepting tasks, cancels the pending ones and waits for the
// running ones to finish. If ctx ends first, running tasks are asked to stop
// and Close waits for them to reach a terminal state.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Store(true)
	for _, id := range o.tasks.pendingIDs() {
		if flag, ok := o.tasks.cancelFlag(id); ok {
			flag.Store(true)
		}
		_, _ = o.cancelPending(id)
	}

	done := make(chan struct{})
	go func() {
		o.wp.Stop()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, t := range o.tasks.list() {
			if t.Status == models.RunningTaskStatus {
				if flag, ok := o.tasks.cancelFlag(t.ID); ok {
					flag.Store(true)
				}
			}
		}
		o.cancel()
		<-done
	}

	o.stopOnce.Do(func() { close(o.janitor) })
	o.wg.Wait()
	o.cancel()
	o.logger.Infof("Orchestrator stopped")
	return err
}

func (o *Orchestrator) runJanitor() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Prune(o.cfg.TaskRetention)
		case <-o.janitor:
			return
		case <-o.ctx.Done():
			return
		}
	}
}

func copyWeights(w map[string]int) map[string]int {
	if w == nil {
		return nil
	}
	out := make(map[string]int, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
