package config

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	appOnce   sync.Once
	appConfig *AppConfig
)

type AppConfig struct {
	HTTPAddr      string
	CORSOrigins   []string
	LogLevel      string
	LogEncoding   string
	StoreBackend  string // memory | redis
	Dispatcher    string // inprocess | asynq
	StorageType   string // local | s3 | minio
	LocalDataDir  string
	MaxUploadSize int64
	// Retention is how long uploads and artifacts stay in blob storage; zero keeps them.
	Retention         time.Duration
	RetentionInterval time.Duration
	ShutdownTimeout   time.Duration
}

func GetAppConfig() *AppConfig {
	appOnce.Do(func() {
		loadEnv()
		appConfig = &AppConfig{
			HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
			CORSOrigins:   strings.Split(getEnv("CORS_ORIGINS", "*"), ","),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogEncoding:   getEnv("LOG_ENCODING", "json"),
			StoreBackend:  getEnv("STORE_BACKEND", "memory"),
			Dispatcher:    getEnv("DISPATCHER", "inprocess"),
			StorageType:   getEnv("STORAGE_TYPE", "local"),
			LocalDataDir:  getEnv("LOCAL_DATA_DIR", "data"),
			MaxUploadSize: getEnvAsInt64("MAX_UPLOAD_SIZE", 50*1024*1024),

			Retention:         getEnvAsDuration("RETENTION_PERIOD", 0),
			RetentionInterval: getEnvAsDuration("RETENTION_INTERVAL", time.Hour),
			ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		}
	})
	return appConfig
}

// Validate rejects combinations the worker process cannot serve.
func (c *AppConfig) Validate() error {
	switch c.StoreBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.Dispatcher {
	case "inprocess":
	case "asynq":
		if c.StoreBackend != "redis" {
			return fmt.Errorf("DISPATCHER=asynq requires STORE_BACKEND=redis")
		}
		if c.StorageType == "local" {
			return fmt.Errorf("DISPATCHER=asynq requires shared blob storage (s3 or minio)")
		}
	default:
		return fmt.Errorf("unknown DISPATCHER %q", c.Dispatcher)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}
