package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

// Mutation edits a private copy of a record. It may be invoked more than
// once for a single Update when the backend retries, so it must be a pure
// function of its input.
type Mutation func(rec *models.PacketRecord) error

// Store keeps one live PacketRecord per patient.
type Store interface {
	// Create inserts rec. It fails with models.ErrUploadRejected while a
	// non-terminal record exists for the same patient; a terminal record is superseded.
	Create(ctx context.Context, rec *models.PacketRecord) (*models.PacketRecord, error)
	// Update applies fn atomically and validates the result against the previous state.
	Update(ctx context.Context, patientID string, fn Mutation) (*models.PacketRecord, error)
	// Get returns a snapshot or models.ErrNotFound.
	Get(ctx context.Context, patientID string) (*models.PacketRecord, error)
	Delete(ctx context.Context, patientID string) error
	Close() error
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type Options struct {
	Backend Backend
	TTL     time.Duration
	Redis   *redis.Options
}

// NewStore builds the configured backend.
func NewStore(opts Options, log logger.Logger) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendRedis:
		client := redis.NewClient(opts.Redis)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisStore(client, opts.TTL, log), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}

func applyMutation(prev *models.PacketRecord, fn Mutation, now time.Time) (*models.PacketRecord, error) {
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := models.ValidateUpdate(prev, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	return next, nil
}
