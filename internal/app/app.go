package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"email-intel-go/internal/classifier"
	"email-intel-go/internal/config"
	"email-intel-go/internal/credentials"
	"email-intel-go/internal/database"
	"email-intel-go/internal/handler"
	"email-intel-go/internal/metrics"
	"email-intel-go/internal/processor"
	"email-intel-go/internal/router"
	"email-intel-go/internal/storage"
	"email-intel-go/internal/syncer"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Email Intelligence Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := database.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()

	blobs, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize attachment storage: %w", err)
	}

	creds, err := credentials.NewProvider(dbConn, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	cls := classifier.New(cfg.Classifier)
	proc := processor.New(processor.NewGormStore(dbConn), blobs, cls, m, cfg.Scheduler.BatchWorkers)
	sync := syncer.New(dbConn, creds, proc, m)
	sched := syncer.NewScheduler(&cfg.Scheduler, sync)

	h := handler.NewHandlers(dbConn, cfg, creds, sync, sched, blobs, m)
	r := router.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
