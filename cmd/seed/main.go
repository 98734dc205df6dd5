// Package main loads a YAML fleet description (service offerings, hosts
// and VMs) into the conductor database. Seeding is idempotent: records
// that already exist are skipped.
//
//	seed -file fleet.yaml [-migrate] [-token-user ops]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/api/middleware"
	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/infrastructure"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "fleet.yaml", "fleet description to load")
	migrate := flag.Bool("migrate", false, "apply the schema before seeding")
	tokenUser := flag.String("token-user", "", "print an admin API token for this user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	fleet, err := loadFleet(*file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if *migrate || cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	logger.Info("Starting fleet seeding...", zap.String("file", *file))
	res, err := seedFleet(ctx, postgres.New(db.Pool), fleet)
	if err != nil {
		return err
	}
	logger.Info("Fleet seeding completed",
		zap.Int("offerings", res.Offerings),
		zap.Int("hosts", res.Hosts),
		zap.Int("vms", res.VMs),
		zap.Int("skipped", res.Skipped),
	)

	if *tokenUser != "" {
		if cfg.Security.JWTSigningKey == "" {
			return fmt.Errorf("security.jwt_signing_key is not set; API authentication is disabled")
		}
		token, expiresAt, err := middleware.GenerateToken(middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSigningKey),
			Issuer:     cfg.Security.JWTIssuer,
			ExpiresIn:  30 * 24 * time.Hour,
		}, *tokenUser, "", []string{middleware.PermissionAdmin})
		if err != nil {
			return err
		}
		fmt.Printf("token (expires %s):\n%s\n", expiresAt.Format(time.RFC3339), token)
	}
	return nil
}
