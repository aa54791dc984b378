package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/trackbuffer/internal/jobslot"
	"github.com/bissquit/trackbuffer/internal/pkg/ctxlog"
	"github.com/jonboulle/clockwork"
)

// Job names a periodic flush.
type Job string

// Flush jobs.
const (
	JobLogs    Job = "logs"
	JobReplays Job = "replays"
)

// ParseJob converts a job name to a Job.
func ParseJob(s string) (Job, error) {
	switch Job(s) {
	case JobLogs, JobReplays:
		return Job(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, s)
	}
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	LogInterval       time.Duration
	ReplayInterval    time.Duration
	MaxConcurrentJobs int
	// JobTimeout bounds a triggered job, which outlives the request that
	// triggered it.
	JobTimeout time.Duration
	// BatchCheckInterval is how often the replay batch is checked for
	// having waited out its batch interval.
	BatchCheckInterval time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LogInterval:        30 * time.Second,
		ReplayInterval:     time.Minute,
		MaxConcurrentJobs:  10,
		JobTimeout:         2 * time.Minute,
		BatchCheckInterval: 5 * time.Second,
	}
}

// Worker runs the flush jobs on a schedule and on demand.
type Worker struct {
	config  WorkerConfig
	flusher *Flusher
	slots   *jobslot.Allocator
	clock   clockwork.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker creates a new flush worker.
func NewWorker(config WorkerConfig, flusher *Flusher, slots *jobslot.Allocator, clock clockwork.Clock, logger *slog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if config.LogInterval <= 0 {
		config.LogInterval = def.LogInterval
	}
	if config.ReplayInterval <= 0 {
		config.ReplayInterval = def.ReplayInterval
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.BatchCheckInterval <= 0 {
		config.BatchCheckInterval = def.BatchCheckInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		config:  config,
		flusher: flusher,
		slots:   slots,
		clock:   clock,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches one goroutine per job plus the replay batch timer.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting flush worker",
		"log_interval", w.config.LogInterval,
		"replay_interval", w.config.ReplayInterval,
		"max_concurrent_jobs", w.config.MaxConcurrentJobs,
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.wg.Add(3)
	go w.loop(ctx, JobLogs, w.config.LogInterval)
	go w.loop(ctx, JobReplays, w.config.ReplayInterval)
	go w.batchLoop(ctx)
}

// Stop stops the schedule and waits for running jobs.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("flush worker stopped")
}

func (w *Worker) loop(ctx context.Context, job Job, interval time.Duration) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			_, _ = w.RunJob(ctx, job)
		}
	}
}

// batchLoop flushes replays once a batch below the size trigger has waited
// for the batch interval.
func (w *Worker) batchLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.BatchCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			if w.flusher.ReplayBatchDue() {
				_, _ = w.RunJob(ctx, JobReplays)
			}
		}
	}
}

// Trigger runs job in the background. The job is detached from ctx
// cancellation and bounded by JobTimeout.
func (w *Worker) Trigger(ctx context.Context, job Job) error {
	if _, err := ParseJob(string(job)); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.JobTimeout)
		defer cancel()
		_, _ = w.RunJob(jobCtx, job)
	}()
	return nil
}

// RunJob runs job in the calling goroutine under a job slot.
func (w *Worker) RunJob(ctx context.Context, job Job) (Outcome, error) {
	if _, err := ParseJob(string(job)); err != nil {
		return "", err
	}

	id := w.slots.Acquire(w.config.MaxConcurrentJobs)
	runs := w.slots.IncrementAndGet(id)
	defer w.slots.Clear(id)

	logger := w.logger.With("job", job, "job_id", id)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("running flush job", "runs", runs)

	var (
		outcome Outcome
		err     error
	)
	switch job {
	case JobLogs:
		outcome, err = w.flusher.FlushLogs(ctx)
	case JobReplays:
		outcome, err = w.flusher.FlushReplays(ctx, nil)
	}

	if errors.Is(err, ErrFlushInProgress) {
		logger.Debug("flush job skipped, previous run still active")
	}
	return outcome, err
}

// FlushAll runs both jobs once, replays first. Used for the final flush on
// shutdown.
func (w *Worker) FlushAll(ctx context.Context) error {
	_, replayErr := w.RunJob(ctx, JobReplays)
	_, logErr := w.RunJob(ctx, JobLogs)
	return errors.Join(ignoreInProgress(replayErr), ignoreInProgress(logErr))
}

func ignoreInProgress(err error) error {
	if errors.Is(err, ErrFlushInProgress) {
		return nil
	}
	return err
}
