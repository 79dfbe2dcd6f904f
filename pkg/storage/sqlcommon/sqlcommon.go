package sqlcommon

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

const (
	tableName = "kv"
	keyColumn = "k"
	valColumn = "v"
)

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username                   string
	Password                   string
	Logger                     logger.Logger
	MaxOperationsPerWriteField int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOperationsPerWrite returns a DatastoreOption that sets
// the maximum number of operations per batch write in the Config.
func WithMaxOperationsPerWrite(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOperationsPerWriteField = n
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.MaxOperationsPerWriteField == 0 {
		cfg.MaxOperationsPerWriteField = storage.DefaultMaxOperationsPerWrite
	}

	return cfg
}

// ApplyPoolSettings copies the connection pool settings of cfg onto db. Zero values keep
// the database/sql defaults.
func ApplyPoolSettings(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

type errorHandlerFn func(error, ...interface{}) error

// DBInfo bundles a connection with the dialect specifics the shared queries need.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	HandleSQLError errorHandlerFn

	// upsertSuffix turns a plain INSERT into an insert-or-replace for the dialect.
	upsertSuffix string
}

// NewDBInfo returns a DBInfo for db. dialect is the goose dialect name and upsertSuffix
// the clause appended to an INSERT so that it replaces the value of an existing key.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect, upsertSuffix string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		HandleSQLError: errorHandler,
		upsertSuffix:   upsertSuffix,
	}
}

// Get returns the value stored at key, or storage.ErrNotFound.
func Get(ctx context.Context, dbInfo *DBInfo, key []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Get")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	var value []byte
	err := dbInfo.stbl.
		Select(valColumn).
		From(tableName).
		Where(sq.Eq{keyColumn: key}).
		QueryRowContext(ctx).
		Scan(&value)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	if value == nil {
		value = []byte{}
	}

	return value, nil
}

func putBuilder(dbInfo *DBInfo, runner sq.BaseRunner, key, value []byte) sq.InsertBuilder {
	if value == nil {
		value = []byte{}
	}

	return dbInfo.stbl.
		Insert(tableName).
		Columns(keyColumn, valColumn).
		Values(key, value).
		Suffix(dbInfo.upsertSuffix).
		RunWith(runner)
}

func deleteBuilder(dbInfo *DBInfo, runner sq.BaseRunner, key []byte) sq.DeleteBuilder {
	return dbInfo.stbl.
		Delete(tableName).
		Where(sq.Eq{keyColumn: key}).
		RunWith(runner)
}

// Put stores value at key, replacing any previous value.
func Put(ctx context.Context, dbInfo *DBInfo, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Put")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if _, err := putBuilder(dbInfo, dbInfo.db, key, value).ExecContext(ctx); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	return nil
}

// Delete removes key. A missing key is not an error.
func Delete(ctx context.Context, dbInfo *DBInfo, key []byte) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Delete")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if _, err := deleteBuilder(dbInfo, dbInfo.db, key).ExecContext(ctx); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	return nil
}

// Write applies ops in a single transaction.
func Write(ctx context.Context, dbInfo *DBInfo, maxOperations int, ops []storage.Operation) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Write", trace.WithAttributes(attribute.Int("operations", len(ops))))
	defer span.End()

	if err := storage.ValidateOperations(ops, maxOperations); err != nil {
		return err
	}

	if len(ops) == 0 {
		return nil
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	for _, op := range ops {
		switch op.Kind {
		case storage.OperationPut:
			_, err = putBuilder(dbInfo, txn, op.Key, op.Value).ExecContext(ctx)
		case storage.OperationDelete:
			_, err = deleteBuilder(dbInfo, txn, op.Key).ExecContext(ctx)
		}
		if err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransactionalWriteFailed, dbInfo.HandleSQLError(err))
	}

	return nil
}

// SQLKVIterator is a struct that implements the storage.KVIterator interface for iterating
// over a key range of the kv table. Every page is a separate keyset-paginated query that
// resumes after the last key returned, so no connection is held between calls to Next.
type SQLKVIterator struct {
	dbInfo   *DBInfo
	prefix   []byte
	end      []byte
	pageSize uint64
	keysOnly bool

	buf  []*storage.KV // GUARDED_BY(mu)
	last []byte        // GUARDED_BY(mu)
	done bool          // GUARDED_BY(mu)
	mu   sync.Mutex
}

// Ensures that SQLKVIterator implements the KVIterator interface.
var _ storage.KVIterator = (*SQLKVIterator)(nil)

// NewSQLKVIterator returns an iterator over every key starting with prefix.
func NewSQLKVIterator(dbInfo *DBInfo, prefix []byte, opts storage.ScanOptions) (*SQLKVIterator, error) {
	if err := storage.ValidateKey(prefix); err != nil {
		return nil, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	return &SQLKVIterator{
		dbInfo:   dbInfo,
		prefix:   bytes.Clone(prefix),
		end:      keys.PrefixEnd(prefix),
		pageSize: uint64(pageSize),
		keysOnly: opts.KeysOnly,
	}, nil
}

func (t *SQLKVIterator) fetchPage(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.fetchPage")
	defer span.End()

	columns := []string{keyColumn}
	if !t.keysOnly {
		columns = append(columns, valColumn)
	}

	sb := t.dbInfo.stbl.
		Select(columns...).
		From(tableName).
		Where(sq.GtOrEq{keyColumn: t.prefix}).
		OrderBy(keyColumn).
		Limit(t.pageSize)

	if t.end != nil {
		sb = sb.Where(sq.Lt{keyColumn: t.end})
	}

	if t.last != nil {
		sb = sb.Where(sq.Gt{keyColumn: t.last})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return t.dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	page := make([]*storage.KV, 0, t.pageSize)
	for rows.Next() {
		kv := &storage.KV{}
		if t.keysOnly {
			err = rows.Scan(&kv.Key)
		} else {
			err = rows.Scan(&kv.Key, &kv.Value)
			if err == nil && kv.Value == nil {
				kv.Value = []byte{}
			}
		}
		if err != nil {
			return t.dbInfo.HandleSQLError(err)
		}

		if !bytes.HasPrefix(kv.Key, t.prefix) {
			t.done = true
			break
		}

		page = append(page, kv)
	}

	if err := rows.Err(); err != nil {
		return t.dbInfo.HandleSQLError(err)
	}

	if uint64(len(page)) < t.pageSize {
		t.done = true
	}

	t.buf = page
	return nil
}

// Next see [storage.Iterator].Next.
func (t *SQLKVIterator) Next(ctx context.Context) (*storage.KV, error) {
	if ctx.Err() != nil {
		return nil, storage.ErrIteratorDone
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) == 0 {
		if t.done {
			return nil, storage.ErrIteratorDone
		}

		if err := t.fetchPage(ctx); err != nil {
			return nil, err
		}

		if len(t.buf) == 0 {
			t.done = true
			return nil, storage.ErrIteratorDone
		}
	}

	next := t.buf[0]
	t.buf = t.buf[1:]
	t.last = next.Key

	return next, nil
}

// Stop see [storage.Iterator].Stop.
func (t *SQLKVIterator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = nil
	t.done = true
}

// IsReady returns true if the connection to the datastore is successful
// and the datastore has the latest migration applied.
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'kvrel migrate'.",
			IsReady: false,
		}, nil
	}

	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
