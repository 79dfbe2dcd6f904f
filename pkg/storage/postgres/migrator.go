package postgres

import (
	"github.com/pressly/goose/v3"

	"github.com/openfga/kvrel/assets"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

// NewPostgresMigrationProvider returns the goose migration provider for the postgres engine.
func NewPostgresMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider("postgres", "pgx", goose.DialectPostgres, assets.PostgresMigrationDir,
		func(config storage.MigrationConfig) (string, error) {
			return PrepareURI(config.URI, config.Username, config.Password)
		},
	)
}
