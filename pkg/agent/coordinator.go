package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCallTimeout = 2 * time.Minute
	DefaultRetries     = 2
	// DefaultRetrievalTimeout bounds the history lookup of the context agent.
	DefaultRetrievalTimeout = 30 * time.Second
)

// Backend is the reasoning model every agent talks to.
type Backend interface {
	Complete(ctx context.Context, prompt, schemaHint string) (string, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	// CallTimeout bounds a single backend call.
	CallTimeout  time.Duration
	Retries      int
	RetryBackoff time.Duration
	// RetrievalTimeout bounds work an agent does before its first call.
	RetrievalTimeout time.Duration
}

// Budget is the longest a single agent can take: every attempt running into
// its call timeout, the longest backoff between attempts and the retrieval
// bound. A stage running the coordinator must allow at least this much so
// that slow agents end as absent sections rather than a stage timeout.
func (c Config) Budget() time.Duration {
	total := c.RetrievalTimeout + time.Duration(c.Retries+1)*c.CallTimeout
	wait := float64(c.RetryBackoff)
	for i := 0; i < c.Retries; i++ {
		interval := time.Duration(wait)
		if interval > backoff.DefaultMaxInterval {
			interval = backoff.DefaultMaxInterval
		}
		total += time.Duration(float64(interval) * (1 + backoff.DefaultRandomizationFactor))
		wait *= backoff.DefaultMultiplier
	}
	return total
}

type RunOptions struct {
	Cancelled func() bool
	// Skip names agents that are disabled for this run.
	Skip map[string]bool
}

// Outcome holds the outputs of the agents that succeeded and one section
// per agent, in agent order.
type Outcome struct {
	Outputs  map[string]models.AgentOutput
	Sections []models.SectionInfo
}

// Coordinator runs a fixed set of agents concurrently and merges their
// outputs once all of them have finished.
type Coordinator struct {
	backend Backend
	agents  []Agent
	cfg     Config
	logger  Logger
}

func NewCoordinator(backend Backend, agents []Agent, cfg Config, logger Logger) *Coordinator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	return &Coordinator{backend: backend, agents: agents, cfg: cfg, logger: logger}
}

// Budget is Config.Budget of the normalized configuration.
func (c *Coordinator) Budget() time.Duration {
	return c.cfg.Budget()
}

type slot struct {
	output    models.AgentOutput
	section   models.SectionInfo
	cancelled bool
}

// Run executes every agent not in opts.Skip. One agent failing only marks
// its section absent; the run fails with ALL_AGENTS_FAILED when none of the
// attempted agents succeeded, and with models.ErrCancelled when any agent
// observed cancellation.
func (c *Coordinator) Run(ctx context.Context, item *pipeline.WorkItem, opts RunOptions) (*Outcome, error) {
	cancelled := opts.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	slots := make([]slot, len(c.agents))
	// Agent failures stay in their slots; only cancellation stops the
	// siblings through the group context.
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range c.agents {
		if opts.Skip[a.Name()] {
			slots[i] = slot{section: models.SectionInfo{Agent: a.Name(), Status: models.SectionSkipped}}
			continue
		}
		g.Go(func() error {
			slots[i] = c.runAgent(gctx, a, item, cancelled)
			if slots[i].cancelled {
				return models.ErrCancelled
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Infof("Agents for task %s stopped: %v", item.TaskID, err)
		return nil, models.ErrCancelled
	}

	out := &Outcome{Outputs: make(map[string]models.AgentOutput)}
	attempted, failed := 0, 0
	for _, s := range slots {
		out.Sections = append(out.Sections, s.section)
		switch s.section.Status {
		case models.SectionOK:
			attempted++
			out.Outputs[s.section.Agent] = s.output
		case models.SectionAbsent:
			attempted++
			failed++
		}
	}
	if attempted > 0 && failed == attempted {
		return nil, models.NewTaskError(models.AllAgentsFailedCode,
			fmt.Sprintf("all %d analysis agents failed", attempted), nil)
	}
	return out, nil
}

// Analyze runs the agents for a pipeline work item and records the outcome
// on it. The context agent is skipped when context is disabled for the task.
func (c *Coordinator) Analyze(ctx context.Context, item *pipeline.WorkItem, cancelled func() bool) error {
	skip := map[string]bool{}
	if !item.Input.Options.EnableContext {
		skip[models.ContextSection] = true
	}
	outcome, err := c.Run(ctx, item, RunOptions{Cancelled: cancelled, Skip: skip})
	if err != nil {
		return err
	}
	for name, output := range outcome.Outputs {
		item.Outputs[name] = output
	}
	item.Sections = append(item.Sections, outcome.Sections...)
	return nil
}

func (c *Coordinator) runAgent(ctx context.Context, a Agent, item *pipeline.WorkItem, cancelled func() bool) slot {
	name := a.Name()
	if cancelled() {
		return slot{cancelled: true}
	}
	req, err := a.Prompt(ctx, item)
	if err != nil {
		return c.absent(item, name, 0, errors.Wrap(err, "build prompt"))
	}

	var (
		output   models.AgentOutput
		attempts int
	)
	op := func() error {
		if cancelled() {
			return backoff.Permanent(models.ErrCancelled)
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		raw, err := c.backend.Complete(callCtx, req.Prompt, req.Schema)
		cancel()
		if err != nil {
			if models.IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		decoded, err := a.Decode(req, raw)
		if err != nil {
			return backoff.Permanent(err)
		}
		output = decoded
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.Retries)), ctx)
	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Infof("Agent %s for task %s hit a transient error, retrying in %s: %v", name, item.TaskID, wait, err)
	})
	switch {
	case err == nil:
		c.logger.Infof("Agent %s finished for task %s after %d attempt(s)", name, item.TaskID, attempts)
		return slot{output: output, section: models.SectionInfo{Agent: name, Status: models.SectionOK}}
	case errors.Is(err, models.ErrCancelled):
		return slot{cancelled: true}
	}
	return c.absent(item, name, attempts, err)
}

func (c *Coordinator) absent(item *pipeline.WorkItem, name string, attempts int, err error) slot {
	c.logger.Errorf("Agent %s failed for task %s after %d attempt(s): %v", name, item.TaskID, attempts, err)
	msg := models.Describe(err)
	var oe *outputError
	switch {
	case errors.As(err, &oe):
		msg = oe.Error()
	case models.IsTransient(err):
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, attempts)
	}
	te := models.NewTaskError(models.AgentOutputErrorCode, msg, err)
	te.Agent = name
	return slot{section: models.SectionInfo{Agent: name, Status: models.SectionAbsent, Error: te}}
}
