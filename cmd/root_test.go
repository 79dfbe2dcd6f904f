package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/cmd/util"
	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/pkg/config"
)

func runWithConfig(t *testing.T, args []string, assert func(t *testing.T, cfg *config.Config)) {
	t.Helper()

	probe := &cobra.Command{
		Use: "probe",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := util.ReadConfig()
			if err != nil {
				return err
			}
			assert(t, cfg)
			return nil
		},
	}

	root := NewRootCommand()
	root.AddCommand(probe)
	root.SetArgs(append([]string{"probe"}, args...))
	require.NoError(t, root.Execute())
}

func TestNoConfigDefaultValues(t *testing.T) {
	util.PrepareTempConfigDir(t)

	runWithConfig(t, nil, func(t *testing.T, cfg *config.Config) {
		require.Equal(t, config.DefaultConfig(), cfg)
	})
}

func TestConfigFileValuesAreParsed(t *testing.T) {
	util.PrepareTempConfigFile(t, `datastore:
    engine: sqlite
    uri: file:/tmp/kvrel.db
    maxOpenConns: 5
    maxIdleConns: 2
cache:
    enabled: true
    ttl: 1m
log:
    level: debug
relation:
    atomicWrites: true
`)

	runWithConfig(t, nil, func(t *testing.T, cfg *config.Config) {
		require.Equal(t, "sqlite", cfg.Datastore.Engine)
		require.Equal(t, "file:/tmp/kvrel.db", cfg.Datastore.URI)
		require.Equal(t, 5, cfg.Datastore.MaxOpenConns)
		require.Equal(t, 2, cfg.Datastore.MaxIdleConns)
		require.True(t, cfg.Cache.Enabled)
		require.Equal(t, time.Minute, cfg.Cache.TTL)
		require.Equal(t, "debug", cfg.Log.Level)
		require.True(t, cfg.Relation.AtomicWrites)
		require.True(t, cfg.Relation.KeyspaceLocking)
	})
}

func TestEnvironmentAndFlagPrecedence(t *testing.T) {
	util.PrepareTempConfigFile(t, `log:
    level: debug
    format: json
`)
	t.Setenv("KVREL_LOG_LEVEL", "warn")
	t.Setenv("KVREL_DATASTORE_MAX_OPEN_CONNS", "12")

	runWithConfig(t, []string{"--log-level", "error", "--trace-sample-ratio", "1"}, func(t *testing.T, cfg *config.Config) {
		require.Equal(t, "error", cfg.Log.Level)
		require.Equal(t, "json", cfg.Log.Format)
		require.Equal(t, 12, cfg.Datastore.MaxOpenConns)
		require.InDelta(t, 1.0, cfg.Trace.SampleRatio, 0)
	})

	runWithConfig(t, nil, func(t *testing.T, cfg *config.Config) {
		require.Equal(t, "warn", cfg.Log.Level)
	})
}

func TestInvalidConfigIsRejected(t *testing.T) {
	util.PrepareTempConfigDir(t)

	root := NewRootCommand()
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := util.ReadConfig()
			return err
		},
	})
	root.SetArgs([]string{"probe", "--datastore-engine", "postgres"})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.EqualError(t, err, `config 'datastore.uri' is required for the "postgres" engine`)
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	root.AddCommand(NewVersionCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.True(t, strings.HasPrefix(out.String(), "kvrel version "+build.Version))
}
