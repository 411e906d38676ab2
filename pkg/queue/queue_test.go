package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

type fakeClient struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.task = task
	f.opts = opts
	return &asynq.TaskInfo{ID: "x", Queue: DefaultQueue}, nil
}

func (f *fakeClient) Close() error { return nil }

var job = models.ProcessingJob{
	PatientID:   "p1",
	RunID:       "run-1",
	StorageKey:  "uploads/p1/run-1/cartella.pdf",
	Filename:    "cartella.pdf",
	ContentType: "application/pdf",
	Mode:        models.ModePacket,
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestDispatch_EnqueuesOnceWithoutRetries(t *testing.T) {
	client := &fakeClient{}
	q := newAsynqQueue(client, &QueueConfig{ProcessTimeout: time.Minute}, logger.NewNop())

	require.NoError(t, q.Dispatch(context.Background(), job))
	require.NotNil(t, client.task)
	assert.Equal(t, TaskTypePacketProcess, client.task.Type())

	id, ok := optionValue(client.opts, asynq.TaskIDOpt)
	require.True(t, ok)
	assert.Equal(t, "run-1", id)

	retry, ok := optionValue(client.opts, asynq.MaxRetryOpt)
	require.True(t, ok)
	assert.Equal(t, 0, retry)

	queue, _ := optionValue(client.opts, asynq.QueueOpt)
	assert.Equal(t, DefaultQueue, queue)

	got, err := ParsePacketTask(client.task)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestDispatch_WrapsEnqueueErrors(t *testing.T) {
	q := newAsynqQueue(&fakeClient{err: asynq.ErrTaskIDConflict}, &QueueConfig{}, logger.NewNop())

	err := q.Dispatch(context.Background(), job)
	assert.ErrorIs(t, err, asynq.ErrTaskIDConflict)

	q = newAsynqQueue(&fakeClient{err: errors.New("dial tcp: refused")}, &QueueConfig{}, logger.NewNop())
	assert.ErrorContains(t, q.Dispatch(context.Background(), job), "failed to enqueue task")
}

func TestParsePacketTask_Rejects(t *testing.T) {
	_, err := ParsePacketTask(asynq.NewTask("image:process", []byte(`{}`)))
	assert.Error(t, err)

	_, err = ParsePacketTask(asynq.NewTask(TaskTypePacketProcess, []byte(`not json`)))
	assert.Error(t, err)

	_, err = ParsePacketTask(asynq.NewTask(TaskTypePacketProcess, []byte(`{"patient_id":"p1"}`)))
	assert.Error(t, err)
}
