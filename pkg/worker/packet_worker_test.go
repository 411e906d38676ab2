package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/queue"
)

type recordingHandler struct {
	jobs []models.ProcessingJob
	err  error
}

func (r *recordingHandler) Run(_ context.Context, job models.ProcessingJob) error {
	r.jobs = append(r.jobs, job)
	return r.err
}

func newTestWorker(h *recordingHandler) *PacketWorker {
	return &PacketWorker{
		BaseWorker: BaseWorker{logger: logger.NewNop(), mux: asynq.NewServeMux(), stopChan: make(chan struct{})},
		handler:    h,
	}
}

func TestHandlePacketProcess_RunsJob(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWorker(h)
	job := models.ProcessingJob{PatientID: "p1", RunID: "r1", StorageKey: "uploads/p1/r1/a.txt"}

	task, err := queue.NewPacketTask(job)
	require.NoError(t, err)
	require.NoError(t, w.handlePacketProcess(context.Background(), task))
	assert.Equal(t, []models.ProcessingJob{job}, h.jobs)
}

func TestHandlePacketProcess_NeverRetries(t *testing.T) {
	h := &recordingHandler{err: errors.New("ocr: timed out")}
	w := newTestWorker(h)

	task, err := queue.NewPacketTask(models.ProcessingJob{PatientID: "p1", RunID: "r1", StorageKey: "k"})
	require.NoError(t, err)
	err = w.handlePacketProcess(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorContains(t, err, "ocr: timed out")

	err = w.handlePacketProcess(context.Background(), asynq.NewTask(queue.TaskTypePacketProcess, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Len(t, h.jobs, 1)
}

func TestMuxRoutesPacketTasks(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWorker(h)
	w.registerHandlers()

	task, err := queue.NewPacketTask(models.ProcessingJob{PatientID: "p2", RunID: "r2", StorageKey: "k"})
	require.NoError(t, err)
	require.NoError(t, w.mux.ProcessTask(context.Background(), task))
	require.Len(t, h.jobs, 1)
	assert.Equal(t, "p2", h.jobs[0].PatientID)
}
