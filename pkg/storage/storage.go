package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	cfg "github.com/feichai0017/packet-processor/config"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage/local"
	"github.com/feichai0017/packet-processor/pkg/storage/minio"
	"github.com/feichai0017/packet-processor/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage holds uploaded packets and the document artifacts derived from them.
// Keys are slash-separated paths such as "uploads/{patient}/{run}/{file}".
type Storage interface {
	// Store writes reader under key and returns the key it was stored at.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get opens key for reading. Callers close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes every object last modified before threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

func NewStorage(ctx context.Context, storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeLocal:
		return local.New(cfg.GetAppConfig().LocalDataDir, log)
	case StorageTypeS3:
		return s3.GetClient(ctx, log)
	case StorageTypeMinio:
		return minio.GetClient(ctx, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
