package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/packet-processor/api/handlers"
	"github.com/feichai0017/packet-processor/api/routes"
	cfg "github.com/feichai0017/packet-processor/config"
	"github.com/feichai0017/packet-processor/internal/service/packet"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

func main() {
	appCfg := cfg.GetAppConfig()

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(appCfg.LogLevel),
		logger.WithEncoding(appCfg.LogEncoding),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := appCfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", logger.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// init pipeline and packet service
	components, err := packet.BuildComponents(ctx, log)
	if err != nil {
		log.Fatal("Failed to build pipeline", logger.Error(err))
	}
	svc, drain, err := packet.GetService(components, log)
	if err != nil {
		log.Fatal("Failed to get packet service", logger.Error(err))
	}
	components.StartRetention(ctx, appCfg.Retention, appCfg.RetentionInterval, log)

	// init handlers
	h := handlers.NewHandlers(svc, appCfg.MaxUploadSize, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, appCfg.CORSOrigins, log)

	srv := &http.Server{
		Addr:    appCfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", appCfg.HTTPAddr), logger.String("dispatcher", appCfg.Dispatcher))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	// In-process runs finish or time out before the store goes away.
	if err := drain(shutdownCtx); err != nil {
		log.Error("Runs still in flight at shutdown", logger.Error(err))
	}
	if err := components.Close(); err != nil {
		log.Error("Failed to close pipeline", logger.Error(err))
	}
	log.Info("Server stopped")
}
