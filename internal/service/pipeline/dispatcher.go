// Package pipeline runs learning work off the request path.
//
// The chat path only enqueues: Submit never blocks, and a full queue drops
// the job and counts it. Workers run each job under its own timeout and
// recover from panics so one bad turn cannot stop the pipeline.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Job is one unit of asynchronous learning work.
type Job struct {
	Name    string
	AgentID string
	Run     func(ctx context.Context) error
}

// Dispatcher is a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	logger  *slog.Logger
	queue   chan Job
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool

	started   atomic.Bool
	dropped   atomic.Int64
	wg        sync.WaitGroup
	done      chan struct{}
	jobCtx    context.Context
	cancelJob context.CancelFunc

	completed metric.Int64Counter
}

// NewDispatcher creates a Dispatcher holding at most size queued jobs, run
// by workers goroutines, each job bounded by timeout.
func NewDispatcher(size, workers int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	completed, _ := telemetry.Meter("manabi/pipeline").Int64Counter("manabi.pipeline.jobs",
		metric.WithDescription("Pipeline jobs finished, by name and outcome"),
	)
	return &Dispatcher{
		logger:    logger,
		queue:     make(chan Job, size),
		workers:   workers,
		timeout:   timeout,
		done:      make(chan struct{}),
		completed: completed,
	}
}

// Start launches the workers and registers the queue gauges. A second call
// is a no-op. Jobs outlive cancellation of ctx until Drain gives up on them.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("pipeline: dispatcher already started")
		return
	}
	d.registerMetrics()
	d.jobCtx, d.cancelJob = context.WithCancel(context.WithoutCancel(ctx))
	for range d.workers {
		d.wg.Add(1)
		go d.worker()
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()
}

// Submit enqueues job without blocking. It reports false when the queue is
// full or the dispatcher is draining; the job is then dropped.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(job, "draining")
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.drop(job, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(job Job, reason string) {
	d.dropped.Add(1)
	d.logger.Warn("pipeline: job dropped",
		"job", job.Name,
		"agent_id", job.AgentID,
		"reason", reason,
	)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithTimeout(d.jobCtx, d.timeout)
	defer cancel()
	start := time.Now()

	outcome := "ok"
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job.Run(ctx)
	}()
	if err != nil {
		outcome = "error"
		if ctx.Err() != nil {
			outcome = "timeout"
		}
		d.logger.Error("pipeline: job failed",
			"job", job.Name,
			"agent_id", job.AgentID,
			"outcome", outcome,
			"error", err,
		)
	}
	d.completed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("job", job.Name),
		attribute.String("outcome", outcome),
	))
	d.logger.Debug("pipeline: job finished",
		"job", job.Name,
		"agent_id", job.AgentID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops accepting jobs and waits for the queued ones to finish. When
// ctx expires first, the remaining jobs are canceled and Drain returns
// without waiting for them.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	if !d.started.Load() {
		return
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("pipeline: drain timed out, canceling remaining jobs", "queued", d.Len())
	}
	d.cancelJob()
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("manabi/pipeline")

	_, _ = meter.Int64ObservableGauge("manabi.pipeline.depth",
		metric.WithDescription("Jobs waiting in the learning queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("manabi.pipeline.dropped_total",
		metric.WithDescription("Jobs dropped because the queue was full or draining"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.Dropped())
			return nil
		}),
	)
}

// Len returns the number of queued jobs.
func (d *Dispatcher) Len() int { return len(d.queue) }

// Dropped returns how many jobs were dropped since start.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
