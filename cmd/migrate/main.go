package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesio-ai/be-bank-reconciliation/internal/notify"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/config"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("RECON_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-migrate",
		Version:     cfg.Service.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.Config{
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		Database:       cfg.Database.Database,
		SSLMode:        cfg.Database.SSLMode,
		MaxConns:       2,
		MinConns:       1,
		MaxConnTime:    cfg.Database.MaxConnTime,
		MaxIdleTime:    cfg.Database.MaxIdleTime,
		HealthCheck:    cfg.Database.HealthCheck,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}
	log.Info().Strs("applied", applied).Msg("Schema migrations complete")

	versions, err := notify.Migrate(ctx, db.Pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue migration failed")
	}
	log.Info().Ints("versions", versions).Msg("Queue migrations complete")
}
