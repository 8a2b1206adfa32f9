package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/pricewatch/internal/adapters"
	"github.com/aristath/pricewatch/internal/ai"
	"github.com/aristath/pricewatch/internal/checker"
	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/database"
	"github.com/aristath/pricewatch/internal/extract"
	"github.com/aristath/pricewatch/internal/notify"
	"github.com/aristath/pricewatch/internal/pipeline"
	"github.com/aristath/pricewatch/internal/reliability"
	"github.com/aristath/pricewatch/internal/render"
	"github.com/aristath/pricewatch/internal/scheduler"
	"github.com/aristath/pricewatch/internal/server"
	"github.com/aristath/pricewatch/internal/tracker"
	"github.com/aristath/pricewatch/pkg/logger"
)

func main() {
	// Load configuration first so the log level is honored from the start
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting price tracker")

	// Initialize database
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "tracker.db"),
		Profile: database.ProfileStandard,
		Name:    "tracker",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Repositories
	conn := db.Conn()
	items := tracker.NewItemRepository(conn, log)
	snapshots := tracker.NewSnapshotRepository(conn, log)
	runs := tracker.NewRunRepository(conn, log)
	notifications := tracker.NewNotificationRepository(conn, log)

	// Extraction cascade: site adapters first, Best Buy before the
	// generic Shopify probe.
	siteAdapters := []pipeline.SiteAdapter{
		adapters.NewBestBuy(log, ""),
		adapters.NewShopify(log),
	}
	renderer := render.NewClient(cfg.RendererServiceURL, cfg.EnablePlaywright, log)
	aiExtractor := ai.NewExtractor(cfg, log)
	if !aiExtractor.Enabled() {
		log.Warn().Msg("OPENAI_API_KEY not set - AI fallback disabled")
	}

	pl := pipeline.New(
		siteAdapters,
		extract.New(log),
		renderer,
		aiExtractor,
		cfg.AIFallbackConfidence,
		cfg.OutOfStockVerifyConfidence,
		log,
	)

	notifier := notify.New(notifications, cfg.DiscordWebhookURL, log)
	runner := checker.NewRunner(items, snapshots, runs, notifier, pl, cfg, log)
	sweeper := checker.NewSweeper(items, runner, log)

	// Off-site backup is optional; it needs bucket credentials.
	var backupService *reliability.BackupService
	if cfg.Backup != nil && cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize backup store - off-site backup disabled")
		} else {
			backupService = reliability.NewBackupService(db, store, cfg.DataDir, log)
			log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Off-site backup enabled")
		}
	}

	// Scheduler and jobs
	sched := scheduler.New(log)
	sweepJob := scheduler.NewSweepJob(sweeper, log)
	if err := sched.AddJob(cfg.CheckScheduleCron, sweepJob); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.CheckScheduleCron).Msg("Failed to register sweep job")
	}
	if backupService != nil {
		if err := sched.AddJob("0 3 * * *", scheduler.NewBackupJob(backupService, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	}
	sched.Start()
	defer sched.Stop()

	if cfg.WorkerRunOnBoot {
		go func() {
			if err := sched.RunNow(sweepJob); err != nil {
				log.Error().Err(err).Msg("Boot sweep failed")
			}
		}()
	}

	// HTTP server
	serverCfg := server.Config{
		Log:           log,
		DB:            db,
		Config:        cfg,
		Items:         items,
		Snapshots:     snapshots,
		Runs:          runs,
		Notifications: notifications,
		Notifier:      notifier,
		Checker:       runner,
		Sweeper:       sweeper,
	}
	if backupService != nil {
		serverCfg.Backups = backupService
	}
	srv := server.New(serverCfg)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
