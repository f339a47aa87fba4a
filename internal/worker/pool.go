// Package worker runs queue jobs with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/metrics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
)

// PoolState represents the current state of the pool.
type PoolState int32

const (
	// PoolStateStopped means the pool is not running.
	PoolStateStopped PoolState = iota
	// PoolStateRunning means the pool is taking jobs.
	PoolStateRunning
	// PoolStateDraining means the pool stopped taking jobs and waits for active ones.
	PoolStateDraining
)

const (
	defaultConcurrency     = 2
	defaultJobTimeout      = 10 * time.Minute
	defaultDrainTimeout    = 30 * time.Second
	defaultPromoteInterval = time.Second
	defaultReclaimIdle     = 5 * time.Minute
	readErrorBackoff       = time.Second
	// heartbeatsPerReclaim heartbeats fit in one reclaim window, so one
	// late beat does not lose the job.
	heartbeatsPerReclaim = 3
)

// ErrNoHandler is returned for jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler for job type")

// String returns the string representation of a pool state.
func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Handler runs one job. Returning an error marks the attempt failed; wrap
// it with queue.Permanent to skip remaining attempts.
type Handler func(ctx context.Context, job *queue.Job) error

// Source is the queue side the pool consumes.
type Source interface {
	Read(ctx context.Context, consumer string) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error)
	Heartbeat(ctx context.Context, d *queue.Delivery) error
	PromoteDue(ctx context.Context) (int, error)
}

// Pool reads jobs from a Source and runs them on at most Concurrency
// goroutines.
type Pool struct {
	source   Source
	handlers map[domain.TaskType]Handler
	cfg      config.QueueConfig
	consumer string
	logger   logger.Logger
	metrics  *metrics.Metrics

	state  atomic.Int32
	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	done   chan struct{}

	// jobCtx outlives Stop so active jobs can drain; cancelJobs ends it
	// once the drain timeout passes.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	busy      atomic.Int32
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool. handlers maps each task type to its Handler.
func NewPool(source Source, handlers map[domain.TaskType]Handler, cfg config.QueueConfig, log logger.Logger, m *metrics.Metrics) (*Pool, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if len(handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = defaultPromoteInterval
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = defaultReclaimIdle
	}

	host, _ := os.Hostname()
	p := &Pool{
		source:   source,
		handlers: handlers,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:   log.With(logger.Component("worker-pool")),
		metrics:  m,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	p.state.Store(int32(PoolStateStopped))
	return p, nil
}

// Start launches the read loop and the delayed-job promoter. ctx bounds the
// pool's lifetime; Stop drains it gracefully.
func (p *Pool) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PoolStateStopped), int32(PoolStateRunning)) {
		return errors.New("pool is already running")
	}

	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.jobCtx, p.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	loopCtx, cancelLoop := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.stopCh:
		case <-ctx.Done():
		}
		cancelLoop()
	}()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		p.readLoop(loopCtx)
	}()
	go func() {
		defer loops.Done()
		p.promoteLoop(loopCtx)
	}()
	go func() {
		loops.Wait()
		close(p.done)
	}()

	p.logger.Info("Worker pool started",
		logger.Int("concurrency", p.cfg.Concurrency),
		logger.String("consumer", p.consumer),
	)
	return nil
}

// Stop stops reading and waits up to DrainTimeout (or ctx) for active jobs.
// Jobs still running afterwards have their context cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PoolStateRunning), int32(PoolStateDraining)) {
		return errors.New("pool is not running")
	}
	p.logger.Info("Worker pool draining")

	close(p.stopCh)
	<-p.done

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
		p.logger.Info("Worker pool stopped gracefully")
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("Worker pool stop interrupted", logger.Int("active", int(p.busy.Load())))
	case <-timer.C:
		err = errors.New("worker pool drain timeout exceeded")
		p.logger.Warn("Worker pool drain timeout exceeded", logger.Int("active", int(p.busy.Load())))
	}

	p.cancelJobs()
	p.state.Store(int32(PoolStateStopped))
	return err
}

func (p *Pool) readLoop(ctx context.Context) {
	for {
		// Hold a slot before reading so no job sits claimed without a runner.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d, err := p.source.Read(ctx, p.consumer)
		if err != nil {
			<-p.sem
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to read job", logger.Error(err))
			if !sleep(ctx, readErrorBackoff) {
				return
			}
			continue
		}
		if d == nil {
			<-p.sem
			continue
		}

		p.wg.Add(1)
		go func() {
			defer func() {
				<-p.sem
				p.wg.Done()
			}()
			p.run(d)
		}()
	}
}

func (p *Pool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.source.PromoteDue(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to promote delayed jobs", logger.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("Promoted delayed jobs", logger.Int("count", n))
			}
		}
	}
}

// run handles one delivery and reports the outcome to the source.
func (p *Pool) run(d *queue.Delivery) {
	job := d.Job
	log := p.logger.With(
		logger.JobID(job.ID),
		logger.TaskID(job.TaskID),
		logger.TopicSlug(job.TopicSlug),
		logger.Int("attempt", job.AttemptsMade),
	)

	p.busy.Add(1)
	p.metrics.JobStarted()
	defer func() {
		p.busy.Add(-1)
		p.metrics.JobFinished()
	}()

	ctx, cancel := context.WithTimeout(p.jobCtx, p.cfg.JobTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	beatCtx, stopBeats := context.WithCancel(ctx)
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		p.keepAlive(beatCtx, d, cancel, log)
	}()

	log.Info("Processing job", logger.String("type", string(job.TaskType)))
	start := time.Now()
	err := p.invoke(ctx, job)
	duration := time.Since(start)
	stopBeats()
	<-beating
	p.processed.Add(1)

	// Bookkeeping must land even if the job context was cancelled.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(p.jobCtx), 10*time.Second)
	defer ackCancel()

	if err == nil {
		ackErr := p.source.Complete(ackCtx, d)
		if errors.Is(ackErr, queue.ErrStaleDelivery) {
			p.dropped.Add(1)
			log.Warn("Job result dropped, another worker owns the job", logger.Duration("duration", duration))
			return
		}
		if ackErr != nil {
			log.Error("Failed to mark job completed", logger.Error(ackErr))
		}
		p.succeeded.Add(1)
		p.metrics.ObserveJob(string(job.TaskType), "completed", duration)
		log.Info("Job completed", logger.Duration("duration", duration))
		return
	}

	retrying, failErr := p.source.Fail(ackCtx, d, err)
	if errors.Is(failErr, queue.ErrStaleDelivery) {
		p.dropped.Add(1)
		log.Warn("Job failure dropped, another worker owns the job", logger.Error(err))
		return
	}
	if failErr != nil {
		log.Error("Failed to record job failure", logger.Error(failErr))
	}
	if retrying {
		p.retried.Add(1)
		p.metrics.ObserveJob(string(job.TaskType), "retrying", duration)
		return
	}
	p.failed.Add(1)
	p.metrics.ObserveJob(string(job.TaskType), "failed", duration)
}

// keepAlive heartbeats d until ctx ends. When the source reports the
// delivery stale, the job is cancelled through stop.
func (p *Pool) keepAlive(ctx context.Context, d *queue.Delivery, stop context.CancelFunc, log logger.Logger) {
	ticker := time.NewTicker(p.cfg.ReclaimIdle / heartbeatsPerReclaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.source.Heartbeat(ctx, d)
			if errors.Is(err, queue.ErrStaleDelivery) {
				log.Warn("Job reclaimed by another worker, cancelling", logger.Error(err))
				stop()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("Failed to heartbeat job", logger.Error(err))
			}
		}
	}
}

// invoke calls the job's handler, turning a panic into an error.
func (p *Pool) invoke(ctx context.Context, job *queue.Job) (err error) {
	handler, ok := p.handlers[job.TaskType]
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, job.TaskType))
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job handler panicked",
				logger.JobID(job.ID),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// State returns the current pool state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// IsRunning returns true if the pool is running.
func (p *Pool) IsRunning() bool {
	return p.State() == PoolStateRunning
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	busy := int(p.busy.Load())
	return PoolStats{
		State:         p.State().String(),
		Concurrency:   p.cfg.Concurrency,
		BusyWorkers:   busy,
		IdleWorkers:   p.cfg.Concurrency - busy,
		JobsProcessed: p.processed.Load(),
		JobsSucceeded: p.succeeded.Load(),
		JobsFailed:    p.failed.Load(),
		JobsRetried:   p.retried.Load(),
		JobsDropped:   p.dropped.Load(),
	}
}

// PoolStats holds statistics for the pool.
type PoolStats struct {
	State         string `json:"state"`
	Concurrency   int    `json:"concurrency"`
	BusyWorkers   int    `json:"busy_workers"`
	IdleWorkers   int    `json:"idle_workers"`
	JobsProcessed int64  `json:"jobs_processed"`
	JobsSucceeded int64  `json:"jobs_succeeded"`
	JobsFailed    int64  `json:"jobs_failed"`
	JobsRetried   int64  `json:"jobs_retried"`
	// JobsDropped counts results discarded because the job was reclaimed.
	JobsDropped int64 `json:"jobs_dropped"`
}

// SuccessRate returns the success rate as a percentage.
func (s PoolStats) SuccessRate() float64 {
	if s.JobsProcessed == 0 {
		return 0
	}
	return float64(s.JobsSucceeded) / float64(s.JobsProcessed) * 100
}
