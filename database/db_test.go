package database

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/neptunomedical/vigia/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDBConnection_Failure(t *testing.T) {
	// Reset the instance and once for testing purposes
	instance = nil
	once = sync.Once{}

	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{
			Dns: "invalid-dns",
		},
	}

	_, err := GetDBConnection(mockConfig)
	assert.Error(t, err)
}

func TestGetDBConnection_Singleton(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	instance = &Datasource{Conn: db}
	once = sync.Once{}
	once.Do(func() {})

	ds1, err := GetDBConnection(&config.Configuration{})
	assert.NoError(t, err)
	ds2, err := GetDBConnection(&config.Configuration{})
	assert.NoError(t, err)
	assert.Same(t, ds1, ds2)
}

func TestConnectDB_Failure(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectPing()
	assert.NoError(t, ds.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
