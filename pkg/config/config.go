// Package config contains all knobs and defaults used to configure kvrel when it runs as a
// command line tool or is embedded with a configured datastore.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultDatastoreEngine    = "memory"
	DefaultMaxOpenConns       = 30
	DefaultMaxIdleConns       = 10
	DefaultLockStripes        = 256
	DefaultCacheMaxSize       = 10000
	DefaultCacheTTL           = 10 * time.Second
	DefaultTraceSampleRatio   = 0.2
	DefaultSlowTraceThreshold = 0
)

var (
	SupportedEngines   = []string{"memory", "sqlite", "postgres", "mysql"}
	SupportedLogLevels = []string{"none", "debug", "info", "warn", "error"}
)

// DatastoreConfig defines the datastore the relations and items are stored in.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite', 'postgres', 'mysql')
	Engine   string
	URI      string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	// MaxOperationsPerWrite caps the number of operations of a single atomic write. Zero
	// keeps the engine default.
	MaxOperationsPerWrite int

	// Metrics enables export of the database connection pool metrics.
	Metrics bool
}

// CacheConfig defines the read-through cache placed in front of the datastore.
type CacheConfig struct {
	Enabled bool
	MaxSize int64
	TTL     time.Duration
}

// LogConfig defines the logger.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type OTLPTraceConfig struct {
	Endpoint string
}

// TraceConfig defines the OpenTelemetry tracer.
type TraceConfig struct {
	Enabled            bool
	OTLP               OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio        float64
	ServiceName        string
	SlowTraceThreshold time.Duration
}

// RelationConfig defines the behaviour of the relation engine.
type RelationConfig struct {
	// AtomicWrites writes both entries of a link in a single batch when the datastore supports
	// it.
	AtomicWrites bool

	// KeyspaceLocking serializes concurrent links and unlinks of the same keyspace within the
	// process.
	KeyspaceLocking bool

	LockStripes int
}

type Config struct {
	Datastore DatastoreConfig
	Cache     CacheConfig
	Log       LogConfig
	Trace     TraceConfig
	Relation  RelationConfig
}

// Verify returns an error describing the first invalid setting of cfg.
func (cfg *Config) Verify() error {
	if !slices.Contains(SupportedEngines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %v, got %q", SupportedEngines, cfg.Datastore.Engine)
	}

	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required for the %q engine", cfg.Datastore.Engine)
	}

	if cfg.Datastore.MaxOpenConns < cfg.Datastore.MaxIdleConns {
		return errors.New("config 'datastore.maxOpenConns' cannot be lower than 'datastore.maxIdleConns'")
	}

	if cfg.Datastore.MaxOperationsPerWrite < 0 {
		return errors.New("config 'datastore.maxOperationsPerWrite' cannot be negative")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.MaxSize <= 0 {
			return errors.New("config 'cache.maxSize' must be greater than zero when the cache is enabled")
		}
		if cfg.Cache.TTL <= 0 {
			return errors.New("config 'cache.ttl' must be greater than zero when the cache is enabled")
		}
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return errors.New("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains(SupportedLogLevels, cfg.Log.Level) {
		return fmt.Errorf("config 'log.level' must be one of %v", SupportedLogLevels)
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	if cfg.Trace.Enabled && cfg.Trace.OTLP.Endpoint == "" {
		return errors.New("config 'trace.otlp.endpoint' is required when tracing is enabled")
	}

	if cfg.Relation.LockStripes <= 0 {
		return errors.New("config 'relation.lockStripes' must be greater than zero")
	}

	return nil
}

// DefaultConfig returns the kvrel default configuration.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:       DefaultDatastoreEngine,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Cache: CacheConfig{
			Enabled: false,
			MaxSize: DefaultCacheMaxSize,
			TTL:     DefaultCacheTTL,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio:        DefaultTraceSampleRatio,
			ServiceName:        "kvrel",
			SlowTraceThreshold: DefaultSlowTraceThreshold,
		},
		Relation: RelationConfig{
			AtomicWrites:    false,
			KeyspaceLocking: true,
			LockStripes:     DefaultLockStripes,
		},
	}
}

// MustDefaultConfig returns the default configuration and panics if it does not verify.
func MustDefaultConfig() *Config {
	cfg := DefaultConfig()
	if err := cfg.Verify(); err != nil {
		panic(err)
	}

	return cfg
}
