package repository

import (
	"context"
	"database/sql"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// PostgresMetricsRepo metrics table on Postgres
type PostgresMetricsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresMetricsRepo creates the repository.
func NewPostgresMetricsRepo(db *sql.DB, logger *zap.Logger) *PostgresMetricsRepo {
	return &PostgresMetricsRepo{db: db, logger: logger}
}

func (r *PostgresMetricsRepo) ListMetrics(ctx context.Context) ([]models.Metric, error) {
	query := `
		SELECT id, unit, display_name, min_value, max_value, precision
		FROM metrics
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list metrics", err)
	}
	defer rows.Close()

	var metrics []models.Metric
	for rows.Next() {
		var m models.Metric
		if err := rows.Scan(&m.ID, &m.Unit, &m.DisplayName, &m.MinValue, &m.MaxValue, &m.Precision); err != nil {
			return nil, storeErr("scan metric", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list metrics", err)
	}
	return metrics, nil
}

// UpsertMetric inserts a metric. Existing rows are left as-is: metrics are immutable.
func (r *PostgresMetricsRepo) UpsertMetric(ctx context.Context, m *models.Metric) error {
	query := `
		INSERT INTO metrics (id, unit, display_name, min_value, max_value, precision)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, m.ID, m.Unit, m.DisplayName, m.MinValue, m.MaxValue, m.Precision); err != nil {
		return storeErr("upsert metric", err)
	}
	return nil
}
