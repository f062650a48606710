package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shuwen-lab/cliptext/internal/api"
	"github.com/shuwen-lab/cliptext/internal/config"
	"github.com/shuwen-lab/cliptext/internal/lifecycle"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/notify"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/service"
	"github.com/shuwen-lab/cliptext/internal/storage"
	"github.com/shuwen-lab/cliptext/internal/workflow"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		ServiceName: "cliptext",
	})
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	repo := repository.NewJobRepository(db)
	hub := lifecycle.NewHub(cfg.Acquisition.WatchBuffer, cfg.Acquisition.WatchMaxPerJob)

	executor := workflow.NewClient(&workflow.Config{
		BaseURL:    cfg.Executor.BaseURL,
		AuthToken:  cfg.Executor.AuthToken,
		WorkflowID: cfg.Executor.WorkflowID,
		Timeout:    cfg.Executor.Timeout,
	})

	var notifier lifecycle.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewWechatNotifier(notify.Config{
			AppID:             cfg.Notify.AppID,
			AppSecret:         cfg.Notify.AppSecret,
			BaseURL:           cfg.Notify.BaseURL,
			SuccessTemplateID: cfg.Notify.SuccessTemplateID,
			FailureTemplateID: cfg.Notify.FailureTemplateID,
			Page:              cfg.Notify.Page,
			MiniprogramState:  cfg.Notify.MiniprogramState,
			RetryCount:        cfg.Notify.RetryCount,
		}, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var archiver lifecycle.Archiver
	if cfg.Storage.Enabled {
		objectStorage, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			log.WithError(err).Fatal("Failed to ensure storage bucket")
		}
		archiver = service.NewMediaArchiver(objectStorage, log)
	}

	manager := lifecycle.NewManager(repo, hub, notifier, archiver, log)

	// Exactly one acquisition strategy finalizes jobs in this process: the
	// poller only runs in poll mode, and the router only exposes the
	// callback route in callback mode.
	var watcher service.Watcher
	var poller *lifecycle.Poller
	if cfg.Acquisition.Strategy == config.StrategyPoll {
		poller = lifecycle.NewPoller(
			executor,
			repo,
			manager,
			log,
			cfg.Acquisition.PollAttempts,
			cfg.Acquisition.PollInterval,
			cfg.Acquisition.PollWorkers,
		)
		poller.Start(ctx)
		watcher = poller
	}

	submitSvc := service.NewSubmitService(repo, executor, watcher, log)

	router := api.SetupRouter(cfg, submitSvc, manager, repo, hub, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).
			WithField(logger.FieldStrategy, cfg.Acquisition.Strategy).
			Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	cancel()
	if poller != nil {
		poller.Stop()
	}

	log.Info("Server exited")
}
