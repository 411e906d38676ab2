package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

var ErrRunnerClosed = errors.New("runner is shutting down")

// Runner is the in-process Dispatcher: a fixed pool of goroutines reading
// jobs from a buffered channel.
type Runner struct {
	handler JobHandler
	logger  logger.Logger
	workers int
	timeout time.Duration

	ch   chan models.ProcessingJob
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithQueueSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.ch = make(chan models.ProcessingJob, n)
		}
	}
}

func WithRunTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(handler JobHandler, log logger.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		handler: handler,
		logger:  log.Named("runner"),
		workers: 4,
		timeout: 30 * time.Minute,
		ch:      make(chan models.ProcessingJob, 64),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.start()
	return r
}

func (r *Runner) start() {
	r.once.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go func(workerID int) {
				defer r.wg.Done()
				for job := range r.ch {
					r.run(workerID, job)
				}
			}(i + 1)
		}
	})
}

func (r *Runner) run(workerID int, job models.ProcessingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Packet run panicked",
				logger.Int("workerId", workerID),
				logger.String("patientId", job.PatientID),
				logger.String("runId", job.RunID),
				logger.Any("panic", p),
			)
		}
	}()

	if err := r.handler.Run(ctx, job); err != nil {
		r.logger.Warn("Packet run ended with error",
			logger.Int("workerId", workerID),
			logger.String("patientId", job.PatientID),
			logger.String("runId", job.RunID),
			logger.Error(err),
		)
	}
}

// Dispatch queues job. When the queue is full it blocks until a slot frees
// up, ctx ends or the runner shuts down. The lock only registers the sender.
func (r *Runner) Dispatch(ctx context.Context, job models.ProcessingJob) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.senders.Add(1)
	r.mu.Unlock()
	defer r.senders.Done()

	select {
	case r.ch <- job:
		return nil
	default:
	}

	r.logger.Warn("Run queue full, applying backpressure", logger.String("patientId", job.PatientID))
	select {
	case r.ch <- job:
		return nil
	case <-r.done:
		return ErrRunnerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued runs to finish or for
// ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	// Blocked senders leave through done; the channel closes once none remain.
	r.senders.Wait()
	close(r.ch)

	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()

	select {
	case <-ctx.Done():
		r.logger.Warn("Shutdown interrupted, runs still in flight")
		return ctx.Err()
	case <-done:
		r.logger.Info("Run queue drained")
		return nil
	}
}
