package sqlite

import (
	"github.com/pressly/goose/v3"

	"github.com/openfga/kvrel/assets"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

// NewSQLiteMigrationProvider returns the goose migration provider for the sqlite engine.
func NewSQLiteMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider("sqlite", "sqlite", goose.DialectSQLite3, assets.SqliteMigrationDir,
		func(config storage.MigrationConfig) (string, error) {
			return PrepareDSN(config.URI)
		},
	)
}
