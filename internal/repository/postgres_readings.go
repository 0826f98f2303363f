package repository

import (
	"context"
	"database/sql"
	"time"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// PostgresReadingsRepo readings table on Postgres
type PostgresReadingsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingsRepo creates the repository.
func NewPostgresReadingsRepo(db *sql.DB, logger *zap.Logger) *PostgresReadingsRepo {
	return &PostgresReadingsRepo{db: db, logger: logger}
}

func (r *PostgresReadingsRepo) InsertReading(ctx context.Context, reading *models.Reading) (int64, error) {
	query := `
		INSERT INTO readings (device_id, metric_id, ts, value, quality, is_simulated)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		reading.DeviceID,
		reading.MetricID,
		reading.Timestamp,
		reading.Value,
		string(reading.Quality),
		reading.IsSimulated,
	).Scan(&id)
	if err != nil {
		return 0, storeErr("insert reading", err)
	}
	return id, nil
}

func (r *PostgresReadingsRepo) ListReadingsInWindow(ctx context.Context, deviceID, metricID string, from, to time.Time, quality models.Quality) ([]models.Reading, error) {
	query := `
		SELECT id, device_id, metric_id, ts, value, quality, is_simulated
		FROM readings
		WHERE device_id = $1
		  AND metric_id = $2
		  AND ts >= $3
		  AND ts <= $4
		  AND quality = $5
		ORDER BY ts ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, metricID, from, to, string(quality))
	if err != nil {
		return nil, storeErr("list readings in window", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (r *PostgresReadingsRepo) ListRecentReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	query := `
		SELECT id, device_id, metric_id, ts, value, quality, is_simulated
		FROM readings
		WHERE device_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, storeErr("list recent readings", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// LatestReadings picks the newest ts per metric; ties go to the later insert.
func (r *PostgresReadingsRepo) LatestReadings(ctx context.Context, deviceID string) ([]models.Reading, error) {
	query := `
		SELECT DISTINCT ON (metric_id) id, device_id, metric_id, ts, value, quality, is_simulated
		FROM readings
		WHERE device_id = $1
		ORDER BY metric_id, ts DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, storeErr("latest readings", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	var readings []models.Reading
	for rows.Next() {
		var rd models.Reading
		var quality string
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.MetricID, &rd.Timestamp, &rd.Value, &quality, &rd.IsSimulated); err != nil {
			return nil, storeErr("scan reading", err)
		}
		rd.Quality = models.Quality(quality)
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan readings", err)
	}
	return readings, nil
}
