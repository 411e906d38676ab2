package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

func newTestRecord(patientID, runID string) *models.PacketRecord {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.NewPacketRecord(patientID, runID, "packet.pdf", models.ModePacket, "", models.Metadata{
		OriginalFilename: "packet.pdf",
		UploadDate:       now,
		ContentType:      "application/pdf",
	}, now)
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, time.Hour, logger.NewNop()),
	}
}

func TestStore_GetUnknown(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nobody")
			assert.ErrorIs(t, err, models.ErrNotFound)

			_, err = s.Update(context.Background(), "nobody", func(*models.PacketRecord) error { return nil })
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStore_CreateRejectsInFlight(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			_, err = s.Create(ctx, newTestRecord("p-1", "run-2"))
			assert.ErrorIs(t, err, models.ErrUploadRejected)

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, "run-1", got.RunID)
		})
	}
}

func TestStore_CreateSupersedesTerminal(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			_, err = s.Update(ctx, "p-1", func(r *models.PacketRecord) error {
				r.Status = models.StatusFailed
				r.Message = "ocr timeout"
				r.AddStageError("ocr: timeout")
				return nil
			})
			require.NoError(t, err)

			_, err = s.Create(ctx, newTestRecord("p-1", "run-2"))
			require.NoError(t, err)

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, "run-2", got.RunID)
			assert.Equal(t, models.StatusOCRStart, got.Status)
			assert.Empty(t, got.Errors)
		})
	}
}

func TestStore_UpdateValidates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			_, err = s.Update(ctx, "p-1", func(r *models.PacketRecord) error {
				r.Status = models.StatusCompleted
				return nil
			})
			assert.ErrorIs(t, err, models.ErrInvalidTransition)

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusOCRStart, got.Status)
		})
	}
}

func TestStore_MutationErrorLeavesRecordUntouched(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			boom := fmt.Errorf("boom")
			_, err = s.Update(ctx, "p-1", func(r *models.PacketRecord) error {
				r.Message = "half written"
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.NotEqual(t, "half written", got.Message)
		})
	}
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			got.Message = "mutated by reader"

			again, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.NotEqual(t, "mutated by reader", again.Message)
		})
	}
}

func TestStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)

			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Update(ctx, "p-1", func(r *models.PacketRecord) error {
						r.Errors = append(r.Errors, fmt.Sprintf("err-%d", i))
						r.StageErrors++
						return nil
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			got, err := s.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Len(t, got.Errors, writers)
			assert.Equal(t, writers, got.StageErrors)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Create(ctx, newTestRecord("p-1", "run-1"))
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, "p-1"))

			_, err = s.Get(ctx, "p-1")
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestRedisStore_AppliesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, logger.NewNop())

	_, err := s.Create(context.Background(), newTestRecord("p-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("packet:p-1"))

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(context.Background(), "p-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
