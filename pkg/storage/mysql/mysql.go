package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
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

var tracer = otel.Tracer("kvrel/pkg/storage/mysql")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mysql."+name)
}

const (
	upsertSuffix = "ON DUPLICATE KEY UPDATE v = VALUES(v)"

	errDuplicateEntry = 1062
)

// MySQL provides a MySQL based implementation of [storage.KVStore].
type MySQL struct {
	stbl                       sq.StatementBuilderType
	db                         *sql.DB
	dbInfo                     *sqlcommon.DBInfo
	logger                     logger.Logger
	dbStatsCollector           prometheus.Collector
	maxOperationsPerWriteField int
	versionReady               bool
}

// Ensures that MySQL implements the KVStore and BatchWriter interfaces.
var (
	_ storage.KVStore     = (*MySQL)(nil)
	_ storage.BatchWriter = (*MySQL)(nil)
)

// PrepareDSN overrides the credentials of a mysql DSN with username and password when set.
func PrepareDSN(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql connection dsn: %w", err)
	}

	if username != "" {
		dsnCfg.User = username
	}
	if password != "" {
		dsnCfg.Passwd = password
	}

	return dsnCfg.FormatDSN(), nil
}

// New creates a new [MySQL] storage.
func New(uri string, cfg *sqlcommon.Config) (*MySQL, error) {
	uri, err := PrepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}

	sqlcommon.ApplyPoolSettings(db, cfg)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for mysql", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sq.StatementBuilder.RunWith(db)

	return &MySQL{
		stbl:                       stbl,
		db:                         db,
		dbInfo:                     sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "mysql", upsertSuffix),
		logger:                     cfg.Logger,
		dbStatsCollector:           collector,
		maxOperationsPerWriteField: cfg.MaxOperationsPerWriteField,
	}, nil
}

// Close see [storage.KVStore].Close.
func (m *MySQL) Close() {
	if m.dbStatsCollector != nil {
		prometheus.Unregister(m.dbStatsCollector)
	}
	m.db.Close()
}

// Get see [storage.KVReader].Get.
func (m *MySQL) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, span := startTrace(ctx, "Get")
	defer span.End()

	return sqlcommon.Get(ctx, m.dbInfo, key)
}

// Put see [storage.KVWriter].Put.
func (m *MySQL) Put(ctx context.Context, key, value []byte) error {
	ctx, span := startTrace(ctx, "Put")
	defer span.End()

	return sqlcommon.Put(ctx, m.dbInfo, key, value)
}

// Delete see [storage.KVWriter].Delete.
func (m *MySQL) Delete(ctx context.Context, key []byte) error {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	return sqlcommon.Delete(ctx, m.dbInfo, key)
}

// Write see [storage.BatchWriter].Write.
func (m *MySQL) Write(ctx context.Context, ops ...storage.Operation) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return sqlcommon.Write(ctx, m.dbInfo, m.maxOperationsPerWriteField, ops)
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (m *MySQL) MaxOperationsPerWrite() int {
	return m.maxOperationsPerWriteField
}

// Scan see [storage.KVReader].Scan.
func (m *MySQL) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	_, span := startTrace(ctx, "Scan")
	defer span.End()

	return sqlcommon.NewSQLKVIterator(m.dbInfo, prefix, opts)
}

// IsReady see [sqlcommon.IsReady].
func (m *MySQL) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, m.versionReady, m.db)
	if err != nil {
		return versionReady, err
	}
	m.versionReady = versionReady.IsReady
	return versionReady, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == errDuplicateEntry {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
