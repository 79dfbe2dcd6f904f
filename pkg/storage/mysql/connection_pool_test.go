package mysql

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/sqlcommon"
	storagefixtures "github.com/openfga/kvrel/pkg/testfixtures/storage"
)

// The pool settings map to the KVREL_DATASTORE_MAX_OPEN_CONNS, KVREL_DATASTORE_MAX_IDLE_CONNS,
// KVREL_DATASTORE_CONN_MAX_LIFETIME and KVREL_DATASTORE_CONN_MAX_IDLE_TIME settings.

func TestMySQLConnectionPoolMaxOpenConnections(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "mysql")

	maxOpenConns := 2
	ds, err := New(testDatastore.GetConnectionURI(true), sqlcommon.NewConfig(
		sqlcommon.WithMaxOpenConns(maxOpenConns),
		sqlcommon.WithMaxIdleConns(1),
	))
	require.NoError(t, err)
	defer ds.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			if err := ds.Put(ctx, []byte(fmt.Sprintf("pool/%d", i)), []byte("v")); err != nil {
				return err
			}

			if observed := ds.db.Stats().OpenConnections; observed > maxOpenConns {
				return fmt.Errorf("open connections (%d) exceeded max limit (%d)", observed, maxOpenConns)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	iter, err := ds.Scan(ctx, []byte("pool/"), storage.ScanOptions{PageSize: 2})
	require.NoError(t, err)
	kvs, err := storage.Collect(ctx, iter)
	require.NoError(t, err)
	require.Len(t, kvs, 5)

	require.LessOrEqual(t, ds.db.Stats().OpenConnections, maxOpenConns)
}

func TestMySQLConnectionPoolMaxLifetime(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "mysql")

	maxLifetime := 500 * time.Millisecond
	ds, err := New(testDatastore.GetConnectionURI(true), sqlcommon.NewConfig(
		sqlcommon.WithMaxOpenConns(5),
		sqlcommon.WithMaxIdleConns(2),
		sqlcommon.WithConnMaxLifetime(maxLifetime),
		sqlcommon.WithConnMaxIdleTime(maxLifetime),
	))
	require.NoError(t, err)
	defer ds.Close()

	ctx := context.Background()
	_, err = ds.Get(ctx, []byte("lifetime"))
	require.ErrorIs(t, err, storage.ErrNotFound)

	initial := ds.db.Stats()

	time.Sleep(maxLifetime + 100*time.Millisecond)

	_, err = ds.Get(ctx, []byte("lifetime"))
	require.ErrorIs(t, err, storage.ErrNotFound)

	final := ds.db.Stats()
	require.GreaterOrEqual(t, final.MaxLifetimeClosed+final.MaxIdleTimeClosed, initial.MaxLifetimeClosed+initial.MaxIdleTimeClosed)
}
