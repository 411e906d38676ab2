package packet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/packet-processor/config"
	"github.com/feichai0017/packet-processor/internal/agent"
	"github.com/feichai0017/packet-processor/internal/agent/extractor"
	"github.com/feichai0017/packet-processor/internal/export"
	"github.com/feichai0017/packet-processor/internal/pipeline"
	"github.com/feichai0017/packet-processor/internal/segment"
	"github.com/feichai0017/packet-processor/internal/store"
	"github.com/feichai0017/packet-processor/internal/utils/validator"
	"github.com/feichai0017/packet-processor/pkg/converters"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/queue"
	"github.com/feichai0017/packet-processor/pkg/storage"
)

// Components are shared by the HTTP server and the background worker.
type Components struct {
	Store        store.Store
	Storage      storage.Storage
	Engines      *agent.ProcessorFactory
	Catalog      *segment.Catalog
	Orchestrator *pipeline.Orchestrator
	Exporter     *export.Service
}

// BuildComponents wires the pipeline from configuration.
func BuildComponents(ctx context.Context, log logger.Logger) (*Components, error) {
	appCfg := cfg.GetAppConfig()
	pipeCfg := cfg.GetPipelineConfig()
	redisCfg := cfg.GetRedisConfig()

	st, err := store.NewStore(store.Options{
		Backend: store.Backend(appCfg.StoreBackend),
		TTL:     pipeCfg.PacketTTL,
		Redis: &redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		},
	}, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	blobs, err := storage.NewStorage(ctx, storage.StorageType(appCfg.StorageType), log.Named("storage"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	engines, err := agent.NewProcessorFactory(ctx, log.Named("ocr"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize OCR engines: %w", err)
	}

	catalog, err := segment.LoadCatalog(pipeCfg.CatalogPath)
	if err != nil {
		_ = st.Close()
		_ = engines.Close()
		return nil, err
	}

	ex, err := newExtractor(pipeCfg.Extractor, log)
	if err != nil {
		_ = st.Close()
		_ = engines.Close()
		return nil, err
	}
	schema, err := extractor.NewValidator()
	if err != nil {
		_ = st.Close()
		_ = engines.Close()
		return nil, err
	}

	conv := converters.NewJSONConverter()
	orch := pipeline.NewOrchestrator(
		st,
		pipeline.NewOCRStage(blobs, engines, pipeCfg.OCRTimeout, pipeCfg.OCRMaxAttempts, log),
		pipeline.NewSegmentStage(segment.New(catalog)),
		pipeline.NewSectionProcessor(ex, schema, conv, blobs, pipeCfg.SectionTimeout, pipeCfg.SectionMaxAttempts, log),
		pipeCfg.SectionWorkers,
		log,
	)

	log.Info("Pipeline ready",
		logger.String("store", appCfg.StoreBackend),
		logger.String("storage", appCfg.StorageType),
		logger.String("extractor", ex.Name()),
		logger.Int("sections", catalog.Len()),
	)

	return &Components{
		Store:        st,
		Storage:      blobs,
		Engines:      engines,
		Catalog:      catalog,
		Orchestrator: orch,
		Exporter:     export.NewService(blobs, conv, log),
	}, nil
}

func newExtractor(kind string, log logger.Logger) (extractor.Extractor, error) {
	switch kind {
	case "keyword":
		return extractor.NewKeywordExtractor(), nil
	case "ollama", "":
		oc := cfg.GetOllamaConfig()
		ex, err := extractor.NewOllamaExtractor(extractor.OllamaConfig{
			Endpoint:    oc.Endpoint,
			Model:       oc.Model,
			Temperature: oc.Temperature,
			NumCtx:      oc.NumCtx,
			Timeout:     oc.Timeout,
		}, log.Named("extractor"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama extractor: %w", err)
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", kind)
	}
}

func (c *Components) Close() error {
	return errors.Join(c.Engines.Close(), c.Store.Close())
}

// StartRetention deletes stored blobs older than maxAge every interval until
// ctx ends. A zero maxAge disables it.
func (c *Components) StartRetention(ctx context.Context, maxAge, interval time.Duration, log logger.Logger) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Storage.CleanupBefore(ctx, time.Now().Add(-maxAge)); err != nil {
					log.Warn("Retention sweep failed", logger.Error(err))
				}
			}
		}
	}()
}

// GetService builds the packet service on top of c with the configured
// dispatcher. The returned function drains the dispatcher.
func GetService(c *Components, log logger.Logger) (*Service, func(context.Context) error, error) {
	appCfg := cfg.GetAppConfig()
	pipeCfg := cfg.GetPipelineConfig()

	var (
		dispatcher pipeline.Dispatcher
		shutdown   func(context.Context) error
	)
	switch appCfg.Dispatcher {
	case "asynq":
		redisCfg := cfg.GetRedisConfig()
		q := queue.NewAsynqQueue(&queue.QueueConfig{
			RedisAddr:      redisCfg.Addr,
			RedisPassword:  redisCfg.Password,
			RedisDB:        redisCfg.DB,
			ProcessTimeout: pipeCfg.RunTimeout,
			Retention:      pipeCfg.PacketTTL,
		}, log)
		dispatcher = q
		shutdown = func(context.Context) error { return q.Close() }
	case "inprocess", "":
		r := pipeline.NewRunner(c.Orchestrator, log,
			pipeline.WithWorkers(pipeCfg.RunnerWorkers),
			pipeline.WithQueueSize(pipeCfg.RunnerQueueSize),
			pipeline.WithRunTimeout(pipeCfg.RunTimeout),
		)
		dispatcher = r
		shutdown = r.Shutdown
	default:
		return nil, nil, fmt.Errorf("unknown dispatcher %q", appCfg.Dispatcher)
	}

	svc := NewService(Deps{
		Store:      c.Store,
		Storage:    c.Storage,
		Dispatcher: dispatcher,
		Validator:  validator.NewUploadValidator(log.Named("validator"), validator.DefaultConfig(appCfg.MaxUploadSize)),
		Catalog:    c.Catalog,
		Engines:    c.Engines,
		Exporter:   c.Exporter,
	}, log)
	return svc, shutdown, nil
}
