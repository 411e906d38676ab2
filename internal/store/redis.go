package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

const (
	keyPrefix     = "packet:"
	maxTxAttempts = 16
)

// RedisStore keeps each record as one JSON value and updates it with
// WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: log, now: time.Now}
}

func key(patientID string) string {
	return keyPrefix + patientID
}

func (s *RedisStore) Create(ctx context.Context, rec *models.PacketRecord) (*models.PacketRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	k := key(rec.PatientID)
	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, k)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		case !prev.Status.IsTerminal():
			return fmt.Errorf("%w: patient %s already has a run in %s", models.ErrUploadRejected, rec.PatientID, prev.Status)
		default:
			s.logger.Info("Superseding terminal record",
				logger.String("patientId", rec.PatientID),
				logger.String("previousRunId", prev.RunID),
				logger.String("previousStatus", string(prev.Status)),
			)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, s.ttl)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, k); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *RedisStore) Update(ctx context.Context, patientID string, fn Mutation) (*models.PacketRecord, error) {
	k := key(patientID)
	var result *models.PacketRecord

	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, k)
		if err != nil {
			return err
		}
		next, err := applyMutation(prev, fn, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, s.ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	if err := s.watch(ctx, txf, k); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) Get(ctx context.Context, patientID string) (*models.PacketRecord, error) {
	return s.load(ctx, s.client, key(patientID))
}

func (s *RedisStore) Delete(ctx context.Context, patientID string) error {
	if err := s.client.Del(ctx, key(patientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// watch retries fn while another writer races us on the same key.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, k string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, k)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("Optimistic transaction conflict, retrying",
			logger.String("key", k),
			logger.Int("attempt", attempt+1),
		)
	}
	return fmt.Errorf("update of %s kept conflicting: %w", k, redis.TxFailedErr)
}

func (s *RedisStore) load(ctx context.Context, c getter, k string) (*models.PacketRecord, error) {
	data, err := c.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", k, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from redis: %w", err)
	}
	var rec models.PacketRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}
