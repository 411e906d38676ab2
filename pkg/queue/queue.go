package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

const TaskTypePacketProcess = "packet:process"

const DefaultQueue = "packets"

// Enqueuer is the part of *asynq.Client the queue uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqQueue dispatches packet runs to Redis for cmd/worker to pick up.
type AsynqQueue struct {
	client Enqueuer
	config *QueueConfig
	logger logger.Logger
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queue         string
	// ProcessTimeout bounds one run on the worker side.
	ProcessTimeout time.Duration
	// Retention keeps completed task info inspectable for this long.
	Retention time.Duration
}

func (c *QueueConfig) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

func NewAsynqQueue(cfg *QueueConfig, log logger.Logger) *AsynqQueue {
	return newAsynqQueue(asynq.NewClient(cfg.RedisOpt()), cfg, log)
}

func newAsynqQueue(client Enqueuer, cfg *QueueConfig, log logger.Logger) *AsynqQueue {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Minute
	}
	return &AsynqQueue{client: client, config: cfg, logger: log.Named("queue")}
}

// NewPacketTask encodes job as an asynq task. The run id doubles as the task
// id so a run can be enqueued at most once.
func NewPacketTask(job models.ProcessingJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypePacketProcess, payload), nil
}

// ParsePacketTask decodes the job carried by t.
func ParsePacketTask(t *asynq.Task) (models.ProcessingJob, error) {
	var job models.ProcessingJob
	if t.Type() != TaskTypePacketProcess {
		return job, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.PatientID == "" || job.RunID == "" || job.StorageKey == "" {
		return job, fmt.Errorf("invalid job: patient_id, run_id and storage_key are required")
	}
	return job, nil
}

// Dispatch enqueues the run. Runs are not retried by the queue: a run that
// fails records its failure on the packet and a retry is a new upload.
func (q *AsynqQueue) Dispatch(ctx context.Context, job models.ProcessingJob) error {
	task, err := NewPacketTask(job)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(job.RunID),
		asynq.Queue(q.config.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.config.ProcessTimeout),
	}
	if q.config.Retention > 0 {
		opts = append(opts, asynq.Retention(q.config.Retention))
	}

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("run %s already enqueued: %w", job.RunID, err)
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Info("Run enqueued",
		logger.String("patientId", job.PatientID),
		logger.String("runId", job.RunID),
		logger.String("queue", info.Queue),
	)
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
