package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cfg "github.com/feichai0017/packet-processor/config"
	"github.com/feichai0017/packet-processor/internal/service/packet"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/queue"
	"github.com/feichai0017/packet-processor/pkg/worker"
)

func main() {
	appCfg := cfg.GetAppConfig()
	redisCfg := cfg.GetRedisConfig()

	log, err := logger.NewLogger(
		logger.WithLevel(appCfg.LogLevel),
		logger.WithEncoding(appCfg.LogEncoding),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := appCfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", logger.Error(err))
	}
	if appCfg.Dispatcher != "asynq" {
		log.Fatal("The worker only serves DISPATCHER=asynq", logger.String("dispatcher", appCfg.Dispatcher))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := packet.BuildComponents(ctx, log)
	if err != nil {
		log.Error("Failed to build pipeline", logger.Error(err))
		os.Exit(1)
	}
	defer components.Close()

	packetWorker := worker.NewPacketWorker(&worker.Config{
		Redis:       (&queue.QueueConfig{RedisAddr: redisCfg.Addr, RedisPassword: redisCfg.Password, RedisDB: redisCfg.DB}).RedisOpt(),
		Concurrency: redisCfg.Concurrency,
		Queues:      map[string]int{queue.DefaultQueue: 1},
	}, components.Orchestrator, log)

	if err := packetWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started", logger.Int("concurrency", redisCfg.Concurrency))

	<-ctx.Done()
	log.Info("Shutting down worker...")
	_ = packetWorker.Stop()
	log.Info("Worker stopped")
}
