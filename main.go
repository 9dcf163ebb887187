package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"diabetesrisk/config"
	"diabetesrisk/db"
	qhttp "diabetesrisk/http"
	"diabetesrisk/monitoring"
	"diabetesrisk/serving"

	"go.uber.org/zap"
)

func main() {
	defaultConfig := os.Getenv(config.EnvPrefix + "CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "config file path")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := monitoring.NewLogger(monitoring.LoggerOptions{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("exiting")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	var store *db.Store
	if cfg.Database.Path != "" {
		s, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("database initialized", zap.String("path", cfg.Database.Path))
	}

	hub := monitoring.NewEventHub(logger, monitoring.WithAllowedOrigins(cfg.HTTP.AllowedOrigins))
	go hub.Run()
	defer hub.Stop()

	opts := serving.Options{
		CacheSize: cfg.ML.CacheSize,
		Events:    hub,
		Metrics:   monitoring.NewServingMetrics(),
		Logger:    logger,
	}
	var history qhttp.History
	if store != nil {
		opts.Recorder = store
		history = store
	}
	svc, err := serving.NewService(opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	// 3. Load the artifact, training it first when allowed
	if err := loadModel(ctx, cfg, svc, store, hub, logger); err != nil {
		return err
	}

	if cfg.ML.Watch {
		watcher, err := serving.NewWatcher(svc, cfg.ML.ModelPath, logger)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	// 4. Start HTTP server
	handlers, err := qhttp.NewHandlers(svc, history, hub, logger)
	if err != nil {
		return err
	}
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}, handlers, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 5. Handle graceful shutdown
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return server.Stop()
}

// loadModel refuses to start without an artifact unless train_if_missing
// is set, in which case the configured dataset is trained once.
func loadModel(ctx context.Context, cfg *config.Config, svc *serving.Service, store *db.Store, hub *monitoring.EventHub, logger *zap.Logger) error {
	err := svc.Load(cfg.ML.ModelPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !cfg.ML.TrainIfMissing {
		return fmt.Errorf("load model %s: %w", cfg.ML.ModelPath, err)
	}

	logger.Warn("model artifact missing, training", zap.String("path", cfg.ML.ModelPath))
	job := serving.TrainJob{
		DatasetPath: cfg.Dataset.Path,
		Dataset:     cfg.Dataset.Options(),
		ModelPath:   cfg.ML.ModelPath,
		Config:      cfg.ML.Training,
		Events:      hub,
		Logger:      logger,
	}
	if store != nil {
		job.History = store
	}
	if _, _, err := serving.TrainAndSave(ctx, job); err != nil {
		return err
	}
	return svc.Load(cfg.ML.ModelPath)
}
