package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/assets"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
)

const defaultMigrationTimeout = time.Minute

// GooseMigrationProvider implements [storage.MigrationProvider] on top of a goose provider
// reading the embedded migrations of one engine.
type GooseMigrationProvider struct {
	engine     string
	driver     string
	dialect    goose.Dialect
	dir        string
	prepareURI func(storage.MigrationConfig) (string, error)
}

var _ storage.MigrationProvider = (*GooseMigrationProvider)(nil)

// NewGooseMigrationProvider returns a provider for engine. driver is the database/sql driver
// name, dir the migrations directory inside [assets.EmbedMigrations] and prepareURI turns a
// MigrationConfig into a DSN for driver.
func NewGooseMigrationProvider(
	engine, driver string,
	dialect goose.Dialect,
	dir string,
	prepareURI func(storage.MigrationConfig) (string, error),
) *GooseMigrationProvider {
	return &GooseMigrationProvider{
		engine:     engine,
		driver:     driver,
		dialect:    dialect,
		dir:        dir,
		prepareURI: prepareURI,
	}
}

// GetSupportedEngine see [storage.MigrationProvider].GetSupportedEngine.
func (p *GooseMigrationProvider) GetSupportedEngine() string {
	return p.engine
}

func (p *GooseMigrationProvider) open(ctx context.Context, config storage.MigrationConfig, ping bool) (*sql.DB, *goose.Provider, error) {
	uri, err := p.prepareURI(config)
	if err != nil {
		return nil, nil, err
	}

	db, err := goose.OpenDBWithDriver(p.driver, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s connection: %w", p.engine, err)
	}

	if ping {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = defaultMigrationTimeout
		if config.Timeout > 0 {
			policy.MaxElapsedTime = config.Timeout
		}
		err = backoff.Retry(func() error {
			return db.PingContext(ctx)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to initialize %s connection: %w", p.engine, err)
		}
	}

	migrationsFS, err := fs.Sub(assets.EmbedMigrations, p.dir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create %s migrations filesystem: %w", p.engine, err)
	}

	provider, err := goose.NewProvider(p.dialect, db, migrationsFS, goose.WithVerbose(config.Verbose))
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}

	return db, provider, nil
}

// RunMigrations see [storage.MigrationProvider].RunMigrations.
func (p *GooseMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	log := config.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	log = log.With(zap.String("engine", p.engine))

	db, provider, err := p.open(ctx, config, true)
	if err != nil {
		return err
	}
	defer db.Close()

	currentVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", p.engine, err)
	}

	log.Info("current schema version", zap.Int64("version", currentVersion))

	if config.TargetVersion == 0 {
		log.Info("running all migrations")
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", p.engine, err)
		}
		log.Info("migration done")
		return nil
	}

	target := int64(config.TargetVersion)
	log.Info("migrating", zap.Int64("target", target))

	switch {
	case target < currentVersion:
		if _, err := provider.DownTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %v: %w", p.engine, target, err)
		}
	case target > currentVersion:
		if _, err := provider.UpTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %v: %w", p.engine, target, err)
		}
	default:
		log.Info("nothing to do")
		return nil
	}

	log.Info("migration done")
	return nil
}

// GetCurrentVersion see [storage.MigrationProvider].GetCurrentVersion.
func (p *GooseMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	db, provider, err := p.open(ctx, config, false)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return provider.GetDBVersion(ctx)
}
