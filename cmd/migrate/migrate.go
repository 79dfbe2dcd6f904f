// Package migrate contains the command to perform database migrations.
package migrate

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/cmd/util"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage/migrate"
)

const (
	versionFlag          = "version"
	timeoutFlag          = "timeout"
	verboseMigrationFlag = "verbose"
	currentFlag          = "current"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations needed for the kvrel datastores",
		Long: `The migrate command is used to migrate the database schema of the SQL datastores.

The datastore is selected with the global --datastore-engine and --datastore-uri flags.`,
		RunE: runMigration,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.Uint(versionFlag, 0, "the version to migrate to (if omitted the latest schema will be used)")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout for the time it takes the migrate process to connect to the database")
	flags.Bool(verboseMigrationFlag, false, "enable verbose migration logs (default false)")
	flags.Bool(currentFlag, false, "print the current schema version instead of migrating")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlags

	return cmd
}

func runMigration(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := util.ReadConfig()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	migrationConfig := migrate.MigrationConfig{
		Engine:        cfg.Datastore.Engine,
		URI:           cfg.Datastore.URI,
		Username:      cfg.Datastore.Username,
		Password:      cfg.Datastore.Password,
		TargetVersion: viper.GetUint(versionFlag),
		Timeout:       viper.GetDuration(timeoutFlag),
		Verbose:       viper.GetBool(verboseMigrationFlag),
		Logger:        log,
	}

	if viper.GetBool(currentFlag) {
		version, err := migrate.CurrentVersion(ctx, migrationConfig)
		if err != nil {
			return fmt.Errorf("failed to read the schema version: %w", err)
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", version)
		return err
	}

	if err := migrate.RunMigrations(ctx, migrationConfig); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("migrations applied", zap.String("engine", cfg.Datastore.Engine))

	return nil
}
