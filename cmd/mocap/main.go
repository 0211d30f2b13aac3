package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/mocap/internal/config"
	"github.com/vjranagit/mocap/internal/logging"
	"github.com/vjranagit/mocap/pkg/api"
	"github.com/vjranagit/mocap/pkg/capture"
	"github.com/vjranagit/mocap/pkg/export"
	"github.com/vjranagit/mocap/pkg/sensor"
	"github.com/vjranagit/mocap/pkg/storage"
	"github.com/vjranagit/mocap/pkg/types"
)

const (
	version = "0.1.0"
)

func main() {
	fmt.Printf("mocap v%s\n", version)
	fmt.Println("Skeletal motion capture recorder")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("output_dir", cfg.Export.OutputDir),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Bool("archive", cfg.Storage.EnableArchive),
		zap.Bool("wal", cfg.Storage.EnableWAL))

	writer, err := export.NewWriter(cfg.ToExportConfig(), logger.Named("export"))
	if err != nil {
		logger.Fatal("Failed to create exporter", zap.Error(err))
	}

	sessionOpts := []capture.Option{
		capture.WithSink(writer),
		capture.WithLogger(logger.Named("session")),
	}
	var serverOpts []api.Option

	if cfg.Storage.EnableArchive {
		logger.Info("Initializing archive...")
		store, err := storage.NewStorage(cfg.ToStorageConfig(), logger.Named("archive"))
		if err != nil {
			logger.Fatal("Failed to initialize archive", zap.Error(err))
		}
		cached := storage.NewCachedStorage(store, cfg.Storage.CacheSize, cfg.Storage.CacheTTL)
		defer cached.Close()

		sessionOpts = append(sessionOpts, capture.WithSink(cached))
		serverOpts = append(serverOpts, api.WithStorage(cached))
	}

	var journal *storage.Journal
	if cfg.Storage.EnableWAL {
		journal, err = storage.NewJournal(cfg.Storage.Path, logger.Named("journal"))
		if err != nil {
			logger.Fatal("Failed to open journal", zap.Error(err))
		}
		defer journal.Close()
		sessionOpts = append(sessionOpts, capture.WithJournal(journal))
	}

	session := capture.NewSession(sessionOpts...)
	processor := capture.NewProcessor(session, nil, capture.WithProcessorLogger(logger.Named("processor")))

	if journal != nil {
		recoverJournal(session, cfg, logger)
	}

	serverOpts = append(serverOpts, api.WithTimeout(cfg.Server.Timeout), api.WithLogger(logger.Named("api")))
	server := api.NewServer(cfg.Server.ListenAddr, session, processor, serverOpts...)

	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)
		runSensor(ctx, cfg, server, logger)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping...")
	cancel()
	<-replayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if session.Recording() {
		if _, err := session.Stop(shutdownCtx); err != nil {
			logger.Error("Export on shutdown failed", zap.Error(err))
		}
	}

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Stopped")
}

// recoverJournal exports recordings left in the journal by an earlier run
func recoverJournal(session *capture.Session, cfg *config.Config, logger *zap.Logger) {
	recordings, err := storage.ReplayJournal(cfg.Storage.Path)
	if err != nil {
		logger.Error("Journal replay failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	for _, rec := range recordings {
		report, err := session.Recover(ctx, rec)
		if err != nil {
			logger.Error("Recovery export failed", zap.String("recording", rec.ID), zap.Error(err))
			continue
		}
		logger.Info("Recording recovered", zap.String("recording", rec.ID), zap.Int("files", len(report.Written)))
	}
}

// runSensor feeds replayed frames to the server until ctx is done
func runSensor(ctx context.Context, cfg *config.Config, server *api.Server, logger *zap.Logger) {
	if cfg.Sensor.ReplayPath == "" {
		logger.Info("No frame source configured; waiting for frames over HTTP")
		return
	}

	replay, err := sensor.Open(cfg.Sensor.ReplayPath,
		sensor.WithFrameRate(cfg.Sensor.FrameRate),
		sensor.WithLoop(true),
		sensor.WithLogger(logger.Named("sensor")))
	if err != nil {
		logger.Warn("Sensor unavailable", zap.String("path", cfg.Sensor.ReplayPath), zap.Error(err))
		return
	}

	logger.Info("Replaying frames", zap.String("path", replay.Path()), zap.Float64("fps", cfg.Sensor.FrameRate))
	err = replay.Run(ctx, func(frame *types.Frame) {
		server.HandleFrame(frame)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Replay stopped", zap.Error(err))
	}
}
