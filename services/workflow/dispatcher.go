package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultMaxDepth bounds workflow-triggers-workflow chains.
const DefaultMaxDepth = 3

// DispatcherConfig sizes the background worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	MaxDepth  int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

type job struct {
	ctx      context.Context
	workflow *Workflow
	event    ChangeEvent
	depth    int
}

// Dispatcher matches change events against workflows and runs the matches on
// a bounded pool of workers. Entity writes made by a run are fed back as new
// change events one level deeper; events at MaxDepth are dropped.
type Dispatcher struct {
	matcher *Matcher
	engine  *Engine
	cfg     DispatcherConfig
	metrics *Metrics

	jobs    chan job
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts cfg.Workers workers. Call Shutdown to stop them.
func NewDispatcher(matcher *Matcher, engine *Engine, cfg DispatcherConfig, metrics *Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		matcher: matcher,
		engine:  engine,
		cfg:     cfg,
		metrics: metrics,
		jobs:    make(chan job, cfg.QueueSize),
	}
	d.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.work()
	}
	return d
}

// NotifyChange is the entry point for entity mutations. Matching happens
// synchronously; matched workflows run in the background. It never returns
// an error: failures are logged.
func (d *Dispatcher) NotifyChange(ctx context.Context, ev ChangeEvent) {
	d.notify(ctx, ev, 0)
}

func (d *Dispatcher) notify(ctx context.Context, ev ChangeEvent, depth int) {
	if depth >= d.cfg.MaxDepth {
		slog.Warn("Workflow recursion limit reached, dropping event",
			"depth", depth, "company_id", ev.CompanyID, "resource_type", ev.ResourceType,
			"event_type", ev.EventType, "resource_id", ev.ResourceID)
		d.metrics.firingDropped(ctx, "max_depth")
		return
	}

	matched, err := d.matcher.Match(ctx, ev.CompanyID, ev.ResourceType, ev.EventType, ev.Before, ev.After)
	if err != nil {
		slog.Error("Failed to match workflows", "company_id", ev.CompanyID,
			"resource_type", ev.ResourceType, "event_type", ev.EventType, "error", err)
		return
	}

	jobCtx := context.WithoutCancel(ctx)
	for _, wf := range matched {
		if err := d.submit(job{ctx: jobCtx, workflow: wf, event: ev, depth: depth + 1}); err != nil {
			slog.Warn("Workflow firing rejected", "workflow_id", wf.ID, "resource_id", ev.ResourceID, "error", err)
			reason := "queue_full"
			if errors.Is(err, ErrDispatcherClosed) {
				reason = "closed"
			}
			d.metrics.firingDropped(ctx, reason)
		}
	}
}

func (d *Dispatcher) submit(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.pending.Add(1)
	select {
	case d.jobs <- j:
		return nil
	default:
		d.pending.Done()
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	defer d.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow job panicked", "workflow_id", j.workflow.ID, "panic", r)
		}
	}()

	// Matching only loads triggers. Run the stored graph as it is now, and
	// skip workflows deleted or deactivated since the match.
	wf, err := d.engine.store.GetWorkflow(j.ctx, j.workflow.ID)
	if err != nil {
		slog.Error("Failed to load workflow", "workflow_id", j.workflow.ID, "error", err)
		return
	}
	if wf == nil || !wf.IsActive {
		slog.Info("Workflow gone or inactive, skipping run", "workflow_id", j.workflow.ID)
		d.metrics.firingDropped(j.ctx, "inactive")
		return
	}

	exec, err := d.engine.Execute(j.ctx, wf, j.event)
	if err != nil {
		slog.Error("Workflow execution failed", "workflow_id", j.workflow.ID, "error", err)
		return
	}
	for _, ch := range exec.Changes {
		d.notify(j.ctx, ch, j.depth)
	}
}

// Wait blocks until every submitted job has finished, including jobs
// submitted by running jobs.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Shutdown stops accepting work and waits for queued jobs to drain or for
// ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
