// Package migrate runs the schema migrations of the SQL datastores.
package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/mysql"
	"github.com/openfga/kvrel/pkg/storage/postgres"
	"github.com/openfga/kvrel/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()
		defaultRegistry.RegisterProvider("postgres", postgres.NewPostgresMigrationProvider())
		defaultRegistry.RegisterProvider("mysql", mysql.NewMySQLMigrationProvider())
		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSQLiteMigrationProvider())
	})
}

// GetDefaultRegistry returns the registry holding the built-in postgres, mysql and sqlite
// providers.
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RegisterMigrationProvider registers provider for engine in the default registry,
// replacing any built-in provider.
func RegisterMigrationProvider(engine string, provider storage.MigrationProvider) {
	GetDefaultRegistry().RegisterProvider(engine, provider)
}

// RunMigrationsWithRegistry runs the migrations of cfg.Engine using the provider found in
// registry. The memory engine has nothing to migrate.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg MigrationConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.Engine == "memory" {
		cfg.Logger.Info("no migrations to run for `memory` datastore")
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for the given config using the default registry.
func RunMigrations(ctx context.Context, cfg MigrationConfig) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(), cfg)
}

// CurrentVersion returns the schema version of the database described by cfg.
func CurrentVersion(ctx context.Context, cfg MigrationConfig) (int64, error) {
	provider, exists := GetDefaultRegistry().GetProvider(cfg.Engine)
	if !exists {
		return 0, fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.GetCurrentVersion(ctx, cfg)
}
