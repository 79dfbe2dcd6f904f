// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/pkg/config"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/relation"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/memory"
	"github.com/openfga/kvrel/pkg/storage/mysql"
	"github.com/openfga/kvrel/pkg/storage/postgres"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
	"github.com/openfga/kvrel/pkg/storage/sqlite"
	"github.com/openfga/kvrel/pkg/storage/storagewrappers"
	"github.com/openfga/kvrel/pkg/sublevel"
	"github.com/openfga/kvrel/pkg/telemetry"
	storagefixtures "github.com/openfga/kvrel/pkg/testfixtures/storage"
)

var ErrInvalidReference = errors.New("invalid item reference")

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// ReadConfig decodes the configuration managed by viper on top of the defaults and verifies it.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// OpenDatastore connects to the datastore described by cfg. Every datastore is instrumented,
// and wrapped in a read-through cache when the cache is enabled.
func OpenDatastore(cfg *config.Config, l logger.Logger) (storage.KVStore, error) {
	dsCfg := sqlcommon.NewConfig(
		sqlcommon.WithUsername(cfg.Datastore.Username),
		sqlcommon.WithPassword(cfg.Datastore.Password),
		sqlcommon.WithLogger(l),
		sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(cfg.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(cfg.Datastore.ConnMaxLifetime),
	)
	if cfg.Datastore.MaxOperationsPerWrite > 0 {
		sqlcommon.WithMaxOperationsPerWrite(cfg.Datastore.MaxOperationsPerWrite)(dsCfg)
	}
	if cfg.Datastore.Metrics {
		sqlcommon.WithMetrics()(dsCfg)
	}

	var (
		ds  storage.KVStore
		err error
	)
	switch cfg.Datastore.Engine {
	case "memory":
		var opts []memory.StorageOption
		if cfg.Datastore.MaxOperationsPerWrite > 0 {
			opts = append(opts, memory.WithMaxOperationsPerWrite(cfg.Datastore.MaxOperationsPerWrite))
		}
		ds = memory.New(opts...)
	case "sqlite":
		ds, err = sqlite.New(cfg.Datastore.URI, dsCfg)
	case "postgres":
		ds, err = postgres.New(cfg.Datastore.URI, dsCfg)
	case "mysql":
		ds, err = mysql.New(cfg.Datastore.URI, dsCfg)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s datastore: %w", cfg.Datastore.Engine, err)
	}

	ds = storagewrappers.NewInstrumentedKVStore(ds, cfg.Datastore.Engine)

	if cfg.Cache.Enabled {
		cache, err := storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[[]byte](cfg.Cache.MaxSize))
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to initialize datastore cache: %w", err)
		}
		ds = storagewrappers.NewCachedKVStore(ds, cache, cfg.Cache.TTL, storagewrappers.WithCachedKVStoreLogger(l))
	}

	return ds, nil
}

// RelationOptions returns the relation engine options described by cfg.
func RelationOptions(cfg *config.Config, l logger.Logger) []relation.Option {
	opts := []relation.Option{relation.WithLogger(l)}
	if cfg.Relation.AtomicWrites {
		opts = append(opts, relation.WithAtomicWrites())
	}
	if cfg.Relation.KeyspaceLocking {
		opts = append(opts, relation.WithLockStripes(cfg.Relation.LockStripes))
	} else {
		opts = append(opts, relation.WithoutKeyspaceLocking())
	}

	return opts
}

// Session holds everything a command needs to work on items and relations.
type Session struct {
	Config *config.Config
	Logger logger.Logger
	Store  storage.KVStore
	Root   *sublevel.Sublevel
	Engine *relation.Engine

	tracerProvider telemetry.TracerProvider
}

// OpenSession reads the configuration and opens the datastore it describes.
func OpenSession() (*Session, error) {
	cfg, err := ReadConfig()
	if err != nil {
		return nil, err
	}

	l, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	tp := telemetry.Noop()
	if cfg.Trace.Enabled {
		tp = telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(cfg.Trace.ServiceName),
			telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
			telemetry.WithSlowTraceThreshold(cfg.Trace.SlowTraceThreshold),
		)
	}

	ds, err := OpenDatastore(cfg, l)
	if err != nil {
		_ = tp.Close(context.Background())
		return nil, err
	}

	return &Session{
		Config:         cfg,
		Logger:         l,
		Store:          ds,
		Root:           sublevel.New(ds, sublevel.WithLogger(l)),
		Engine:         relation.NewEngine(RelationOptions(cfg, l)...),
		tracerProvider: tp,
	}, nil
}

// Sublevel returns the sublevel of a slash separated collection path such as "org/users".
func (s *Session) Sublevel(collection string) (*sublevel.Sublevel, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection", ErrInvalidReference)
	}

	current := s.Root
	for _, name := range strings.Split(collection, "/") {
		if name == "" || slices.Contains(sublevel.ReservedNames, name) {
			return nil, fmt.Errorf("%w: invalid collection %q", ErrInvalidReference, collection)
		}
		current = current.Sublevel(name)
	}

	return current, nil
}

// Close closes the datastore and flushes pending traces.
func (s *Session) Close(ctx context.Context) {
	s.Store.Close()
	if err := s.tracerProvider.Close(ctx); err != nil {
		s.Logger.Warn("failed to flush traces", zap.Error(err))
	}
}

// ParseReference splits a "<collection>:<id>" reference such as "users:1".
func ParseReference(ref string) (collection, id string, err error) {
	collection, id, ok := strings.Cut(ref, ":")
	if !ok || collection == "" || id == "" {
		return "", "", fmt.Errorf("%w: %q, expected <collection>:<id>", ErrInvalidReference, ref)
	}

	return collection, id, nil
}

// MustBootstrapDatastore starts a test datastore of the given engine and returns its
// connection uri. The datastore is migrated and removed when the test ends.
func MustBootstrapDatastore(t testing.TB, engine string) (storagefixtures.DatastoreTestContainer, string) {
	container := storagefixtures.RunDatastoreTestContainer(t, engine)

	return container, container.GetConnectionURI(true)
}

func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/kvrel/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/kvrel/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".kvrel")
	require.NoError(t, os.Mkdir(confdir, 0750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	confFile, err := os.Create(filepath.Join(confdir, "config.yaml"))
	require.NoError(t, err)
	_, err = confFile.WriteString(config)
	require.NoError(t, err)
	require.NoError(t, confFile.Close())
}
