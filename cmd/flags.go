package cmd

import (
	"github.com/spf13/cobra"

	"github.com/openfga/kvrel/cmd/util"
	"github.com/openfga/kvrel/pkg/config"
)

// bindRootFlags binds the persistent cobra flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRootFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.PersistentFlags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory', 'sqlite', 'postgres' or 'mysql')")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "KVREL_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "KVREL_DATASTORE_URI")

	flags.String("datastore-username", defaultConfig.Datastore.Username, "overwrite the username in the connection string")
	util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
	util.MustBindEnv("datastore.username", "KVREL_DATASTORE_USERNAME")

	flags.String("datastore-password", defaultConfig.Datastore.Password, "overwrite the password in the connection string")
	util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
	util.MustBindEnv("datastore.password", "KVREL_DATASTORE_PASSWORD")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "KVREL_DATASTORE_MAX_OPEN_CONNS", "KVREL_DATASTORE_MAXOPENCONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "KVREL_DATASTORE_MAX_IDLE_CONNS", "KVREL_DATASTORE_MAXIDLECONNS")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
	util.MustBindEnv("datastore.connMaxIdleTime", "KVREL_DATASTORE_CONN_MAX_IDLE_TIME", "KVREL_DATASTORE_CONNMAXIDLETIME")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "KVREL_DATASTORE_CONN_MAX_LIFETIME", "KVREL_DATASTORE_CONNMAXLIFETIME")

	flags.Int("datastore-max-operations-per-write", defaultConfig.Datastore.MaxOperationsPerWrite, "the maximum number of operations of a single atomic write (0 keeps the engine default)")
	util.MustBindPFlag("datastore.maxOperationsPerWrite", flags.Lookup("datastore-max-operations-per-write"))
	util.MustBindEnv("datastore.maxOperationsPerWrite", "KVREL_DATASTORE_MAX_OPERATIONS_PER_WRITE", "KVREL_DATASTORE_MAXOPERATIONSPERWRITE")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics, "enable/disable the export of the datastore connection pool metrics")
	util.MustBindPFlag("datastore.metrics", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metrics", "KVREL_DATASTORE_METRICS_ENABLED")

	flags.Bool("cache-enabled", defaultConfig.Cache.Enabled, "enable/disable the read-through cache in front of the datastore")
	util.MustBindPFlag("cache.enabled", flags.Lookup("cache-enabled"))
	util.MustBindEnv("cache.enabled", "KVREL_CACHE_ENABLED")

	flags.Int64("cache-max-size", defaultConfig.Cache.MaxSize, "the maximum number of values the cache holds before evicting old ones")
	util.MustBindPFlag("cache.maxSize", flags.Lookup("cache-max-size"))
	util.MustBindEnv("cache.maxSize", "KVREL_CACHE_MAX_SIZE", "KVREL_CACHE_MAXSIZE")

	flags.Duration("cache-ttl", defaultConfig.Cache.TTL, "the time a cached value is served before it is read again")
	util.MustBindPFlag("cache.ttl", flags.Lookup("cache-ttl"))
	util.MustBindEnv("cache.ttl", "KVREL_CACHE_TTL")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in ('text' or 'json')")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "KVREL_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use ('none', 'debug', 'info', 'warn' or 'error')")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "KVREL_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "KVREL_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "KVREL_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "KVREL_TRACE_SAMPLE_RATIO", "KVREL_TRACE_SAMPLERATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "KVREL_TRACE_SERVICE_NAME", "KVREL_TRACE_SERVICENAME")

	flags.Duration("trace-slow-threshold", defaultConfig.Trace.SlowTraceThreshold, "only export traces slower than this threshold (0 exports every sampled trace)")
	util.MustBindPFlag("trace.slowTraceThreshold", flags.Lookup("trace-slow-threshold"))
	util.MustBindEnv("trace.slowTraceThreshold", "KVREL_TRACE_SLOW_THRESHOLD")

	flags.Bool("atomic-writes", defaultConfig.Relation.AtomicWrites, "write both entries of a link in a single batch when the datastore supports it")
	util.MustBindPFlag("relation.atomicWrites", flags.Lookup("atomic-writes"))
	util.MustBindEnv("relation.atomicWrites", "KVREL_RELATION_ATOMIC_WRITES", "KVREL_RELATION_ATOMICWRITES")

	flags.Bool("keyspace-locking", defaultConfig.Relation.KeyspaceLocking, "serialize concurrent links of the same relation keyspace within the process")
	util.MustBindPFlag("relation.keyspaceLocking", flags.Lookup("keyspace-locking"))
	util.MustBindEnv("relation.keyspaceLocking", "KVREL_RELATION_KEYSPACE_LOCKING", "KVREL_RELATION_KEYSPACELOCKING")

	flags.Int("lock-stripes", defaultConfig.Relation.LockStripes, "the number of mutexes relation keyspaces are hashed onto")
	util.MustBindPFlag("relation.lockStripes", flags.Lookup("lock-stripes"))
	util.MustBindEnv("relation.lockStripes", "KVREL_RELATION_LOCK_STRIPES", "KVREL_RELATION_LOCKSTRIPES")
}
