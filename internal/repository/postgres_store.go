package repository

import (
	"database/sql"

	"go.uber.org/zap"
)

// PostgresStore bundles the Postgres repositories into a Store.
type PostgresStore struct {
	*PostgresDevicesRepo
	*PostgresMetricsRepo
	*PostgresReadingsRepo
	*PostgresRulesRepo
	*PostgresIncidentsRepo
}

// NewPostgresStore creates every repository on one pool.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		PostgresDevicesRepo:   NewPostgresDevicesRepo(db, logger),
		PostgresMetricsRepo:   NewPostgresMetricsRepo(db, logger),
		PostgresReadingsRepo:  NewPostgresReadingsRepo(db, logger),
		PostgresRulesRepo:     NewPostgresRulesRepo(db, logger),
		PostgresIncidentsRepo: NewPostgresIncidentsRepo(db, logger),
	}
}

var _ Store = (*PostgresStore)(nil)
