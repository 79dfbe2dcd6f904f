package storage

import (
	"fmt"
	"testing"

	_ "github.com/go-sql-driver/mysql" // MySQL driver.
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/assets"
)

const (
	mySQLImage = "mysql:8"
)

type mySQLTestContainer struct {
	addr     string
	version  int64
	username string
	password string
}

// NewMySQLTestContainer returns an implementation of the DatastoreTestContainer interface
// for MySQL.
func NewMySQLTestContainer() *mySQLTestContainer {
	return &mySQLTestContainer{}
}

func (m *mySQLTestContainer) GetDatabaseSchemaVersion() int64 {
	return m.version
}

// RunMySQLTestContainer runs a MySQL container, connects to it, and returns a
// bootstrapped implementation of the DatastoreTestContainer interface wired up for the
// MySQL datastore engine.
func (m *mySQLTestContainer) RunMySQLTestContainer(t testing.TB) DatastoreTestContainer {
	addr := runContainer(t, containerSpec{
		name:  "mysql",
		image: mySQLImage,
		env: []string{
			"MYSQL_DATABASE=defaultdb",
			"MYSQL_ROOT_PASSWORD=secret",
		},
		port: "3306/tcp",
	})

	mySQLTestContainer := &mySQLTestContainer{
		addr:     addr,
		username: "root",
		password: "secret",
	}

	version, err := migrate("mysql", "mysql", goose.DialectMySQL, assets.MySQLMigrationDir, mySQLTestContainer.GetConnectionURI(true))
	require.NoError(t, err)
	mySQLTestContainer.version = version

	return mySQLTestContainer
}

// GetConnectionURI returns the mysql connection uri for the running mysql test container.
func (m *mySQLTestContainer) GetConnectionURI(includeCredentials bool) string {
	creds := ""
	if includeCredentials {
		creds = fmt.Sprintf("%s:%s@", m.username, m.password)
	}

	return fmt.Sprintf(
		"%stcp(%s)/%s?parseTime=true",
		creds,
		m.addr,
		"defaultdb",
	)
}

func (m *mySQLTestContainer) GetUsername() string {
	return m.username
}

func (m *mySQLTestContainer) GetPassword() string {
	return m.password
}
