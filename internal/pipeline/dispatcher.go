package pipeline

import (
	"context"

	"github.com/feichai0017/packet-processor/internal/models"
)

// Dispatcher hands a job to whatever runs it in the background. Dispatch
// must return once the job is queued, never after it has run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.ProcessingJob) error
}

// JobHandler executes one packet run.
type JobHandler interface {
	Run(ctx context.Context, job models.ProcessingJob) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job models.ProcessingJob) error

func (f JobHandlerFunc) Run(ctx context.Context, job models.ProcessingJob) error { return f(ctx, job) }
