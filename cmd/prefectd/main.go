package main

import (
	"log"
	"os"

	"github.com/nparley/prefect/internal/api"
	"github.com/nparley/prefect/internal/cluster"
	"github.com/nparley/prefect/internal/config"
	"github.com/nparley/prefect/internal/engine"
	"github.com/nparley/prefect/internal/events"
	"github.com/nparley/prefect/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("prefectd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	client := cluster.NewLocal(cluster.LocalOptions{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	defer client.Close()

	if cfg.AdaptMax > 0 {
		if err := client.Adapt(cfg.AdaptMin, cfg.AdaptMax); err != nil {
			log.Fatalf("failed to enable adaptive scaling: %v", err)
		}
	}

	broker := events.NewBroker()
	eng := engine.NewEngine(engine.Options{
		Store:     db,
		Events:    broker,
		Logger:    logger,
		Client:    client,
		ReportDir: cfg.ReportDir,
	})

	srv := api.NewServer(cfg.ListenAddr, db, eng, broker, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.Wait()
}
