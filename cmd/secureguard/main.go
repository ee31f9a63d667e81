// SecureGuard - Device Fleet Security Enforcement
//
// This is the main entry point for the SecureGuard backend. It enforces
// device security policy for a managed fleet:
//   - Device registry with compliance tracking
//   - Geofence and violation policy evaluation
//   - Real-time lock/unlock/wipe enforcement over WebSocket
//   - Append-only audit ledger for every enforcement action
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/Constyk20/secureguard-backend/migrations"

	"github.com/Constyk20/secureguard-backend/internal/api"
	"github.com/Constyk20/secureguard-backend/internal/audit"
	"github.com/Constyk20/secureguard-backend/internal/auth"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/enforce"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/config"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/database"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/logging"
	"github.com/Constyk20/secureguard-backend/internal/policy"
	"github.com/Constyk20/secureguard-backend/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SecureGuard",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories
	users := auth.NewUserRepository(db.DB)
	devices := device.NewSQLiteRepository(db.DB)
	ledger := audit.NewSQLiteRepository(db.DB)

	// Policy evaluator with the configured geofence
	evaluator := policy.NewEvaluator(policy.Geofence{
		Latitude:     cfg.Geofence.Latitude,
		Longitude:    cfg.Geofence.Longitude,
		RadiusMeters: cfg.Geofence.RadiusMeters,
	})
	log.Info("policy evaluator initialised",
		"geofence_lat", cfg.Geofence.Latitude,
		"geofence_lon", cfg.Geofence.Longitude,
		"geofence_radius_m", cfg.Geofence.RadiusMeters,
	)

	// Live session registry and enforcement dispatcher
	sessions := session.NewManager()
	dispatcher := enforce.NewDispatcher(devices, ledger, evaluator, sessions, log, enforce.PingConfig{
		DefaultDuration: time.Duration(cfg.Security.Ping.DefaultDuration) * time.Second,
		MaxDuration:     time.Duration(cfg.Security.Ping.MaxDuration) * time.Second,
	})

	// API server (REST + device WebSocket)
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log,
		DB:         db,
		Users:      users,
		Devices:    devices,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Block until shutdown signal
	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

// getConfigPath returns the configuration file path from the
// SECUREGUARD_CONFIG environment variable, or the default.
func getConfigPath() string {
	if path := os.Getenv("SECUREGUARD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
