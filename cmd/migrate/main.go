// migrate applies the embedded SQL migrations; run with go run ./cmd/migrate [-direction down].
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"clinix/backend/internal/config"
	"clinix/backend/internal/db/migrate"
	"clinix/backend/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	logger := logging.New(logging.Options{Service: "migrate", Format: "text"})
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.LogError(ctx, logger, "load config", err)
		os.Exit(1)
	}
	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		logging.LogError(ctx, logger, "migrate", err, slog.String("direction", *direction))
		os.Exit(1)
	}
	logger.Info("migrations applied", slog.String("direction", *direction))
}
