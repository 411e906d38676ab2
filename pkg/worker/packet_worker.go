package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/packet-processor/internal/pipeline"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/queue"
)

// PacketWorker consumes packet runs from Redis and drives them through the
// orchestrator.
type PacketWorker struct {
	BaseWorker
	handler pipeline.JobHandler
}

func NewPacketWorker(cfg *Config, handler pipeline.JobHandler, log logger.Logger) *PacketWorker {
	named := log.Named("worker")
	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: time.Minute,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			named.Error("Task failed",
				logger.String("type", task.Type()),
				logger.Error(err),
			)
		}),
	})

	w := &PacketWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   named,
			stopChan: make(chan struct{}),
		},
		handler: handler,
	}
	w.registerHandlers()
	return w
}

func (w *PacketWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypePacketProcess, w.handlePacketProcess)
}

func (w *PacketWorker) handlePacketProcess(ctx context.Context, t *asynq.Task) error {
	job, err := queue.ParsePacketTask(t)
	if err != nil {
		w.logger.Error("Invalid packet task",
			logger.String("payload", string(t.Payload())),
			logger.Error(err),
		)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("Processing packet task",
		logger.String("patientId", job.PatientID),
		logger.String("runId", job.RunID),
	)

	if err := w.handler.Run(ctx, job); err != nil {
		// The run has already recorded its outcome on the packet.
		return fmt.Errorf("run %s: %w: %w", job.RunID, err, asynq.SkipRetry)
	}
	return nil
}

// Start runs the server in the background until ctx ends or Stop is called.
func (w *PacketWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.stopChan:
		}
	}()
	return nil
}
