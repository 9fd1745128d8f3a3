package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"labstream/internal/core/domain"
	"labstream/internal/core/services"
	httphandlers "labstream/internal/handlers/http"
	"labstream/internal/infrastructure/api"
	"labstream/internal/infrastructure/middleware"
	"labstream/internal/infrastructure/monitoring"
	"labstream/internal/infrastructure/netinfo"
	"labstream/internal/infrastructure/transport"
	"labstream/pkg/config"
	"labstream/pkg/logger"
	"labstream/pkg/tracing"
	"labstream/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/labstream/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	log.Infow("labstream console starting",
		"instance_id", utils.GenerateClientID(),
		"backend", cfg.Backend.BaseURL,
		"transport", cfg.Streaming.Transport,
	)

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Backend REST client shared by all controllers and the registry
	apiClient := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.RequestTimeout, zapLogger)

	profiles := netinfo.NewStaticProvider(
		domain.DeviceClass(cfg.Client.DeviceClass),
		domain.ConnectionType(cfg.Client.ConnectionType),
	)

	var collector *monitoring.StreamingCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewStreamingCollector()
	}

	factory := transport.NewFactory(
		domain.TransportKind(cfg.Streaming.Transport),
		cfg.Backend.BaseURL,
		cfg.Backend.Token,
		zapLogger,
	)

	registry := services.NewStreamingRegistry(apiClient, cfg.Registry.RefreshInterval, zapLogger)

	// One controller per configured camera, each with its own supervisor
	var controllers []*services.SessionController
	for _, cam := range cfg.Streaming.Cameras {
		sup := transport.NewSupervisor(factory, cfg.Streaming.ReconnectDelay, zapLogger)
		ctrl := services.NewSessionController(
			domain.CameraID(cam),
			apiClient,
			sup,
			services.NewQualityAdvisor(),
			profiles,
			metricsOrNil(collector),
			zapLogger,
		)
		registry.Register(ctrl)
		controllers = append(controllers, ctrl)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	for _, ctrl := range controllers {
		if err := ctrl.Start(rootCtx); err != nil {
			log.Errorw("failed to start camera stream",
				"camera_id", ctrl.CameraID(), "error", err)
		}
	}

	registry.Start(rootCtx)

	// Console status API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLoggerMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))

	statusHandler := httphandlers.NewStatusHandler(registry, apiClient)
	statusHandler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Console.Address,
		Handler:      router,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting console status server", "address", cfg.Console.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("console server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Console.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	// Stop every stream through the same teardown path: channel, then release
	for _, ctrl := range controllers {
		ctrl.Stop()
	}
	registry.Stop()
	rootCancel()

	if err := tracerProvider.Shutdown(context.Background()); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("console stopped")
}

// metricsOrNil avoids handing controllers a typed nil interface.
func metricsOrNil(c *monitoring.StreamingCollector) services.StreamMetrics {
	if c == nil {
		return nil
	}
	return c
}
