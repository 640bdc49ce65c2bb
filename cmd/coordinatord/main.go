// Command coordinatord runs the competition coordinator: the feed worker,
// predict orchestrator, score engine, checkpoint builder, and reporting
// HTTP API, wired together by internal/app.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/crunchdao/coordinator-node-starter/internal/app"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/postgres"
	"github.com/crunchdao/coordinator-node-starter/internal/config"
	"github.com/crunchdao/coordinator-node-starter/internal/platform/database"
	"github.com/crunchdao/coordinator-node-starter/internal/platform/migrations"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

func main() {
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory storage)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logLog := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	rootCtx := context.Background()

	var stores app.Stores
	if cfg.Database.DSN != "" {
		db, err := database.Open(rootCtx, cfg.Database)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer db.Close()

		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}

		store := postgres.New(db)
		stores = app.Stores{Feed: store, Predict: store, Model: store, Score: store, Checkpoint: store}
	} else {
		logLog.Warn("DATABASE_DSN not set; running against in-memory storage")
	}

	application, err := app.New(stores, cfg, logLog)
	if err != nil {
		log.Fatalf("initialize application: %v", err)
	}

	httpService := app.NewHTTPService(cfg, application.Stores.Model, application.Stores.Score, application.Stores.Checkpoint, application.Feed, logLog)
	if err := application.Attach(httpService); err != nil {
		log.Fatalf("attach http service: %v", err)
	}

	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	logLog.WithField("crunch_id", cfg.CrunchID).Info("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
