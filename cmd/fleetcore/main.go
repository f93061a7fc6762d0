// Package main runs the fleet trust gateway: device report ingestion, the
// per-organization audit ledger, tamper monitoring, and OTA rollout control.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/tapsentry/fleetcore/internal/app"
	"github.com/tapsentry/fleetcore/internal/app/httpapi"
	"github.com/tapsentry/fleetcore/internal/app/metrics"
	"github.com/tapsentry/fleetcore/internal/app/storage/postgres"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

func main() {
	// Missing .env is fine; environment variables win either way.
	_ = godotenv.Load()

	log := logger.NewDefault("fleetcore")

	addr := envOr("FLEETCORE_ADDR", ":8080")
	databaseURL := os.Getenv("FLEETCORE_DATABASE_URL")
	apiKeys := splitKeys(os.Getenv("FLEETCORE_API_KEYS"))
	auditPath := os.Getenv("FLEETCORE_AUDIT_LOG")

	var stores app.Stores
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			log.WithError(err).Error("open database")
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.WithError(err).Error("ping database")
			os.Exit(1)
		}

		pg := postgres.New(db)
		stores = app.Stores{
			Devices:     pg,
			Ledger:      pg,
			OTAJobs:     pg,
			Tamper:      pg,
			Pours:       pg,
			Diagnostics: pg,
		}
		log.Info("using postgres storage")
	} else {
		log.Info("no FLEETCORE_DATABASE_URL set, using in-memory storage")
	}

	application, err := app.New(stores, app.Options{}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		APIKeys:      apiKeys,
		AuditLogPath: auditPath,
	})
	if err != nil {
		log.WithError(err).Error("build http handler")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      metrics.InstrumentHandler(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
