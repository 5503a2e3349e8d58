// Command catalog-seed upserts store packages, discount codes and player links from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/minestore/api/internal/platform/config"
	"github.com/minestore/api/internal/platform/observability"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	pgrepo "github.com/minestore/api/internal/repositories/postgres"
)

func main() {
	path := flag.String("file", "catalog.yaml", "catalog seed file")
	envFile := flag.String("env-file", "", "optional .env file with API_DATABASE_URL")
	migrate := flag.Bool("migrate", false, "apply schema migrations before seeding")
	dryRun := flag.Bool("dry-run", false, "validate the file without writing")
	flag.Parse()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("catalog-seed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(*path)
	if err != nil {
		logger.Fatal("open seed file", zap.Error(err))
	}
	now := time.Now().UTC()
	c, err := parseCatalog(f, now)
	_ = f.Close()
	if err != nil {
		logger.Fatal("invalid seed file", zap.String("file", *path), zap.Error(err))
	}
	if *dryRun {
		logger.Info("seed file valid",
			zap.Int("packages", len(c.packages)),
			zap.Int("discounts", len(c.discounts)),
			zap.Int("players", len(c.players)),
		)
		return
	}

	var opts []config.Option
	if *envFile != "" {
		opts = append(opts, config.WithEnvFile(*envFile))
	}
	cfg, err := config.Load(ctx, append(opts, config.WithRequiredSecrets("Database.DSN"))...)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider := ppostgres.NewProvider(cfg.Database)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Close(closeCtx)
	}()
	if *migrate {
		applied, err := provider.Migrate(ctx)
		if err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	registry, err := pgrepo.NewRegistry(provider)
	if err != nil {
		logger.Fatal("failed to build repositories", zap.Error(err))
	}
	summary, err := apply(ctx, registry, registry.CatalogWriter(), registry.PlayerLinker(), c, now)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
	logger.Info("catalog seeded",
		zap.Int("packages", summary.Packages),
		zap.Int("discounts", summary.Discounts),
		zap.Int("players", summary.Players),
	)
}
