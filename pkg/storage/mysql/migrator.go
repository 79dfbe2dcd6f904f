package mysql

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/openfga/kvrel/assets"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

// NewMySQLMigrationProvider returns the goose migration provider for the mysql engine.
func NewMySQLMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider("mysql", "mysql", goose.DialectMySQL, assets.MySQLMigrationDir, prepareMigrationURI)
}

// prepareMigrationURI validates the DSN even when no credentials override it.
func prepareMigrationURI(config storage.MigrationConfig) (string, error) {
	dsn, err := mysql.ParseDSN(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid mysql database uri: %w", err)
	}

	if config.Username != "" {
		dsn.User = config.Username
	}
	if config.Password != "" {
		dsn.Passwd = config.Password
	}

	return dsn.FormatDSN(), nil
}
