package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("kvrel/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

const (
	upsertSuffix = "ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v"

	uniqueViolation = "23505"
)

// Datastore provides a PostgreSQL based implementation of [storage.KVStore].
type Datastore struct {
	stbl                       sq.StatementBuilderType
	db                         *sql.DB
	dbInfo                     *sqlcommon.DBInfo
	logger                     logger.Logger
	dbStatsCollector           prometheus.Collector
	maxOperationsPerWriteField int
	versionReady               bool
}

// Ensures that Datastore implements the KVStore and BatchWriter interfaces.
var (
	_ storage.KVStore     = (*Datastore)(nil)
	_ storage.BatchWriter = (*Datastore)(nil)
)

// PrepareURI overrides the credentials of a postgres connection uri with username and
// password, keeping the uri's own value for whichever is empty.
func PrepareURI(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse postgres connection uri: %w", err)
	}

	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	switch {
	case password != "":
		parsed.User = url.UserPassword(username, password)
	case parsed.User != nil:
		if password, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, password)
		} else {
			parsed.User = url.User(username)
		}
	default:
		parsed.User = url.User(username)
	}

	return parsed.String(), nil
}

// initDB initializes a new postgres database connection.
func initDB(uri string, cfg *sqlcommon.Config) (*sql.DB, error) {
	uri, err := PrepareURI(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	sqlcommon.ApplyPoolSettings(db, cfg)

	return db, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, err
	}

	collector, err := configureDB(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "postgres", upsertSuffix)

	return &Datastore{
		stbl:                       stbl,
		db:                         db,
		dbInfo:                     dbInfo,
		logger:                     cfg.Logger,
		dbStatsCollector:           collector,
		maxOperationsPerWriteField: cfg.MaxOperationsPerWriteField,
	}, nil
}

// configureDB waits for the database to answer and registers the connection pool collector.
func configureDB(db *sql.DB, cfg *sqlcommon.Config) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// Close see [storage.KVStore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// Get see [storage.KVReader].Get.
func (s *Datastore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, span := startTrace(ctx, "Get")
	defer span.End()

	return sqlcommon.Get(ctx, s.dbInfo, key)
}

// Put see [storage.KVWriter].Put.
func (s *Datastore) Put(ctx context.Context, key, value []byte) error {
	ctx, span := startTrace(ctx, "Put")
	defer span.End()

	return sqlcommon.Put(ctx, s.dbInfo, key, value)
}

// Delete see [storage.KVWriter].Delete.
func (s *Datastore) Delete(ctx context.Context, key []byte) error {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	return sqlcommon.Delete(ctx, s.dbInfo, key)
}

// Write see [storage.BatchWriter].Write.
func (s *Datastore) Write(ctx context.Context, ops ...storage.Operation) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return sqlcommon.Write(ctx, s.dbInfo, s.maxOperationsPerWriteField, ops)
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (s *Datastore) MaxOperationsPerWrite() int {
	return s.maxOperationsPerWriteField
}

// Scan see [storage.KVReader].Scan.
func (s *Datastore) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	_, span := startTrace(ctx, "Scan")
	defer span.End()

	return sqlcommon.NewSQLKVIterator(s.dbInfo, prefix, opts)
}

// IsReady see [sqlcommon.IsReady].
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, s.versionReady, s.db)
	if err != nil {
		return versionReady, err
	}
	s.versionReady = versionReady.IsReady
	return versionReady, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
