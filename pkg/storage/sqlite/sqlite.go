package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("kvrel/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const upsertSuffix = "ON CONFLICT (k) DO UPDATE SET v = excluded.v"

// Datastore provides a SQLite based implementation of [storage.KVStore].
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

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	sqlcommon.ApplyPoolSettings(db, cfg)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "sqlite", upsertSuffix)

	return &Datastore{
		stbl:                       stbl,
		db:                         db,
		dbInfo:                     dbInfo,
		logger:                     cfg.Logger,
		dbStatsCollector:           collector,
		maxOperationsPerWriteField: cfg.MaxOperationsPerWriteField,
		versionReady:               false,
	}, nil
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

	var value []byte
	err := busyRetry(func() error {
		var err error
		value, err = sqlcommon.Get(ctx, s.dbInfo, key)
		return err
	})

	return value, err
}

// Put see [storage.KVWriter].Put.
func (s *Datastore) Put(ctx context.Context, key, value []byte) error {
	ctx, span := startTrace(ctx, "Put")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.Put(ctx, s.dbInfo, key, value)
	})
}

// Delete see [storage.KVWriter].Delete.
func (s *Datastore) Delete(ctx context.Context, key []byte) error {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.Delete(ctx, s.dbInfo, key)
	})
}

// Write see [storage.BatchWriter].Write.
func (s *Datastore) Write(ctx context.Context, ops ...storage.Operation) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.Write(ctx, s.dbInfo, s.maxOperationsPerWriteField, ops)
	})
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (s *Datastore) MaxOperationsPerWrite() int {
	return s.maxOperationsPerWriteField
}

// Scan see [storage.KVReader].Scan.
func (s *Datastore) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	_, span := startTrace(ctx, "Scan")
	defer span.End()

	iter, err := sqlcommon.NewSQLKVIterator(s.dbInfo, prefix, opts)
	if err != nil {
		return nil, err
	}

	return &busyRetryIterator{iter}, nil
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

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

type busyRetryIterator struct {
	*sqlcommon.SQLKVIterator
}

func (it *busyRetryIterator) Next(ctx context.Context) (*storage.KV, error) {
	var kv *storage.KV
	err := busyRetry(func() error {
		var err error
		kv, err = it.SQLKVIterator.Next(ctx)
		return err
	})

	return kv, err
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
