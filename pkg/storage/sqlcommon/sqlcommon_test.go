package sqlcommon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
)

func TestNewConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewConfig()
		require.NotNil(t, cfg.Logger)
		require.Equal(t, storage.DefaultMaxOperationsPerWrite, cfg.MaxOperationsPerWriteField)
		require.False(t, cfg.ExportMetrics)
	})

	t.Run("options", func(t *testing.T) {
		l := logger.NewNoopLogger()
		cfg := NewConfig(
			WithUsername("user"),
			WithPassword("pass"),
			WithLogger(l),
			WithMaxOperationsPerWrite(7),
			WithMaxOpenConns(10),
			WithMaxIdleConns(5),
			WithConnMaxIdleTime(time.Second),
			WithConnMaxLifetime(time.Minute),
			WithMetrics(),
		)

		require.Equal(t, &Config{
			Username:                   "user",
			Password:                   "pass",
			Logger:                     l,
			MaxOperationsPerWriteField: 7,
			MaxOpenConns:               10,
			MaxIdleConns:               5,
			ConnMaxIdleTime:            time.Second,
			ConnMaxLifetime:            time.Minute,
			ExportMetrics:              true,
		}, cfg)
	})
}

func TestNewSQLKVIterator(t *testing.T) {
	t.Run("empty_prefix", func(t *testing.T) {
		_, err := NewSQLKVIterator(&DBInfo{}, nil, storage.ScanOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("defaults", func(t *testing.T) {
		prefix := []byte("abc")
		iter, err := NewSQLKVIterator(&DBInfo{}, prefix, storage.ScanOptions{})
		require.NoError(t, err)
		require.Equal(t, uint64(storage.DefaultPageSize), iter.pageSize)
		require.Equal(t, []byte("abd"), iter.end)

		prefix[0] = 'z'
		require.Equal(t, []byte("abc"), iter.prefix)
	})

	t.Run("all_ff_prefix_has_no_upper_bound", func(t *testing.T) {
		iter, err := NewSQLKVIterator(&DBInfo{}, []byte{0xff, 0xff}, storage.ScanOptions{PageSize: 3, KeysOnly: true})
		require.NoError(t, err)
		require.Nil(t, iter.end)
		require.Equal(t, uint64(3), iter.pageSize)
		require.True(t, iter.keysOnly)
	})

	t.Run("stopped_iterator_is_done", func(t *testing.T) {
		iter, err := NewSQLKVIterator(&DBInfo{}, []byte("abc"), storage.ScanOptions{})
		require.NoError(t, err)
		iter.Stop()

		_, err = iter.Next(t.Context())
		require.ErrorIs(t, err, storage.ErrIteratorDone)
	})
}
