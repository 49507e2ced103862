package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/teamforge/internal/app/storage"
	"github.com/splax/teamforge/pkg/config"
	"github.com/splax/teamforge/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|version|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	runner, err := backend.Migrator(log)
	if err != nil {
		log.Error("failed to configure migration runner", "driver", backend.Driver, "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		if _, err := runner.Status(ctx); err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
	case "version":
		version, err := runner.Version(ctx)
		if err != nil {
			log.Error("failed to read schema version", "error", err)
			os.Exit(1)
		}
		log.Info("schema version", "version", version)
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command, "driver", backend.Driver)
}
