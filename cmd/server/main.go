/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the $EXTROPY accounting service. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (development) and environment config
  2. Configure structured logging
  3. Open the configured store (sqlite or postgres)
  4. Wire coordinator, settler, query service, event publisher
  5. Schedule the completeness audit
  6. Start server with graceful shutdown

CONFIGURATION:
  All via LEDGER_* environment variables; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close publisher and store
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment knobs
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/extropy/ledger/api"
	"github.com/extropy/ledger/attribution"
	"github.com/extropy/ledger/config"
	"github.com/extropy/ledger/events/kafka"
	"github.com/extropy/ledger/jobs"
	"github.com/extropy/ledger/ledger"
	"github.com/extropy/ledger/store/postgres"
	"github.com/extropy/ledger/store/sqlite"
)

func main() {
	// .env is a development convenience; absence is not an error.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Store
	type closer interface{ Close() error }
	var (
		txStore    ledger.TxStore
		auditStore ledger.AuditStore
		storeClose closer
	)
	switch cfg.StoreDriver {
	case "postgres":
		st, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize postgres store")
		}
		txStore, auditStore, storeClose = st, st, st
	default:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize sqlite store")
		}
		txStore, auditStore, storeClose = st, st, st
	}
	defer storeClose.Close()

	// Coordinator and event publisher
	coordinator := ledger.NewCoordinator(txStore)
	coordinator.Log = log

	var publisher *kafka.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		coordinator.Publisher = publisher
		log.WithField("brokers", cfg.KafkaBrokers).Info("event publishing enabled")
	}

	// Settlement and queries
	settler := attribution.NewSettler(coordinator)
	settler.Log = log
	query := ledger.NewQueryService(txStore)

	// Completeness audit
	scheduler := jobs.NewScheduler(ledger.NewAuditor(auditStore), log)
	if err := scheduler.Start(cfg.AuditSchedule); err != nil {
		log.WithError(err).Fatal("failed to schedule completeness audit")
	}
	defer scheduler.Stop()

	// HTTP server
	handler := api.NewHandler(coordinator, settler, query, log)
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":  cfg.Addr,
			"store": cfg.StoreDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
