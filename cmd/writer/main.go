// Package main is the entry point for the attestation writer daemon.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/config"
	"github.com/Arke-Institute/attestation/internal/database"
	"github.com/Arke-Institute/attestation/internal/handler"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/scheduler"
	"github.com/Arke-Institute/attestation/internal/service"
	"github.com/Arke-Institute/attestation/internal/signer"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// lockSlack is added to the tick deadline for the distributed lock TTL so
// a slow tick cannot lose its lock mid-flight.
const lockSlack = 30 * time.Second

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting attestation writer",
		slog.String("version", version),
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("upload_mode", cfg.Writer.UploadMode),
		slog.String("chain_key", cfg.Writer.ChainKey),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Load the signing wallet
	wallet, err := loadWallet(cfg.Arweave)
	if err != nil {
		log.Fatalf("Failed to load wallet: %v", err)
	}
	logger.Info("Wallet loaded", slog.String("address", wallet.Address()))

	clock := clockwork.NewRealClock()
	gateway := arweave.NewClient(cfg.Arweave.GatewayURL, cfg.Arweave.BundlerURL)
	alerter := alert.New(cfg.Alert.WebhookURL, logger)

	// Repositories
	queueRepo := repository.NewQueueRepository(db.Pool())
	chainRepo := repository.NewChainRepository(db.Pool())
	bundleRepo := repository.NewBundleRepository(db.Pool())
	lookupRepo := repository.NewLookupRepository(redis)
	manifests := repository.NewManifestSource(redis)

	// Pipeline services
	batchSigner := signer.New(wallet, cfg.Arweave.AppName, rand.Reader)

	var uploader service.Uploader
	if cfg.Writer.BundleMode() {
		uploader = service.NewBundleUploader(gateway, wallet, rand.Reader, clock, cfg.Writer.UploadTimeout, logger)
	} else {
		uploader = service.NewDirectUploader(gateway, clock, cfg.Writer.Concurrency, cfg.Writer.MaxRetries, cfg.Writer.UploadTimeout, logger)
	}

	finalizer := service.NewFinalizer(chainRepo, queueRepo, bundleRepo, lookupRepo, cfg.Writer.MaxRetries, clock, logger)
	balance := service.NewBalanceGate(gateway, alerter, wallet.Address(), cfg.Balance, clock, logger)
	lock := database.NewTickLock(redis, cfg.Writer.ChainKey, cfg.Writer.MaxProcessTime+lockSlack)

	processor := service.NewProcessor(cfg.Writer, queueRepo, chainRepo, manifests,
		batchSigner, uploader, finalizer, balance, alerter, lock, clock, logger)
	verifier := service.NewVerifier(bundleRepo, queueRepo, gateway, alerter, cfg.Verify, clock, logger)
	maintenance := service.NewMaintenance(queueRepo, alerter, cfg.Writer.MaxRetries, cfg.Writer.StuckThreshold, clock, logger)

	// Start the tick scheduler
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()

	sched := scheduler.New(processor, verifier, maintenance,
		cfg.Writer.TickInterval, cfg.Writer.DailyCron, clock, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	// HTTP surface
	healthHandler := handler.NewHealthHandler(cfg, version, processor, balance,
		queueRepo, chainRepo, bundleRepo, clock, logger)
	adminHandler := handler.NewAdminHandler(processor, verifier, chainRepo,
		bundleRepo, manifests, clock, logger)
	router := handler.NewRouter(cfg, healthHandler, adminHandler, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", slog.String("signal", sig.String()))

	// Stop scheduling new ticks before draining the HTTP surface.
	stopScheduler()
	<-schedDone

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Writer stopped gracefully")
}

// loadWallet resolves the signing key. Inline JSON takes precedence over a
// key file path, so containerized deployments can inject the key without
// mounting a volume.
func loadWallet(cfg config.ArweaveConfig) (*arweave.Wallet, error) {
	if cfg.WalletJSON != "" {
		return arweave.LoadWallet([]byte(cfg.WalletJSON))
	}
	if cfg.WalletPath != "" {
		return arweave.LoadWalletFile(cfg.WalletPath)
	}
	return nil, fmt.Errorf("no wallet configured: set arweave.wallet_json or arweave.wallet_path")
}
