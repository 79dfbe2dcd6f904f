package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

// migrate waits for the database behind uri to accept connections, runs every embedded
// migration of the engine and returns the resulting schema version.
func migrate(engine, driver string, dialect goose.Dialect, dir, uri string) (int64, error) {
	if err := waitForDatabase(driver, uri); err != nil {
		return 0, err
	}

	provider := sqlcommon.NewGooseMigrationProvider(engine, driver, dialect, dir,
		func(config storage.MigrationConfig) (string, error) {
			return config.URI, nil
		},
	)

	cfg := storage.MigrationConfig{Engine: engine, URI: uri, Timeout: 30 * time.Second}
	if err := provider.RunMigrations(context.Background(), cfg); err != nil {
		return 0, fmt.Errorf("migrate %s: %w", engine, err)
	}

	return provider.GetCurrentVersion(context.Background(), cfg)
}

// waitForDatabase attempts to establish a connection to the database and ping it until it's ready or a timeout occurs.
func waitForDatabase(driverName, uri string) error {
	db, err := goose.OpenDBWithDriver(driverName, uri)
	if err != nil {
		return fmt.Errorf("open connection to %s: %w", driverName, err)
	}
	defer db.Close()

	backoffPolicy := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(30 * time.Second))
	if err := backoff.Retry(db.Ping, backoffPolicy); err != nil {
		return fmt.Errorf("ping %s database: %w", driverName, err)
	}

	return nil
}
