package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// PostgresIncidentsRepo incidents table on Postgres.
// The table carries a partial unique index on
// (rule_id, COALESCE(patient_id, ''), COALESCE(device_id, '')) WHERE status <> 'resolved';
// a violation surfaces as models.ErrInvariantViolation.
type PostgresIncidentsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresIncidentsRepo creates the repository.
func NewPostgresIncidentsRepo(db *sql.DB, logger *zap.Logger) *PostgresIncidentsRepo {
	return &PostgresIncidentsRepo{db: db, logger: logger}
}

const incidentColumns = `id, rule_id, patient_id, device_id, metric_name, severity, status,
			opened_at, closed_at, last_observed_at, firing_count, details`

func (r *PostgresIncidentsRepo) CreateIncident(ctx context.Context, inc *models.Incident) error {
	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		inc.ID,
		inc.RuleID,
		inc.PatientID,
		inc.DeviceID,
		inc.MetricName,
		string(inc.Severity),
		string(inc.Status),
		inc.OpenedAt,
		inc.ClosedAt,
		inc.LastObservedAt,
		inc.FiringCount,
		inc.Details,
	)
	if err != nil {
		return storeErr("create incident", err)
	}
	return nil
}

func (r *PostgresIncidentsRepo) TouchIncident(ctx context.Context, incidentID string, observedAt time.Time, firingCount int) error {
	query := `
		UPDATE incidents
		SET last_observed_at = $2, firing_count = $3
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, incidentID, observedAt, firingCount); err != nil {
		return storeErr("touch incident", err)
	}
	return nil
}

func (r *PostgresIncidentsRepo) UpdateIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, closedAt *time.Time) error {
	query := `
		UPDATE incidents
		SET status = $2, closed_at = $3
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, incidentID, string(status), closedAt)
	if err != nil {
		return storeErr("update incident status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("update incident status", err)
	}
	if affected == 0 {
		return fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
	}
	return nil
}

func (r *PostgresIncidentsRepo) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, storeErr("get incident", err)
	}
	defer rows.Close()

	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
	}
	return &incidents[0], nil
}

func (r *PostgresIncidentsRepo) ListOpenIncidents(ctx context.Context) ([]models.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status <> 'resolved'
		ORDER BY opened_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list open incidents", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (r *PostgresIncidentsRepo) ListIncidentsSince(ctx context.Context, since time.Time) ([]models.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status <> 'resolved'
		   OR opened_at >= $1
		   OR closed_at >= $1
		ORDER BY opened_at DESC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, storeErr("list incidents since", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]models.Incident, error) {
	var incidents []models.Incident
	for rows.Next() {
		var inc models.Incident
		var patientID, deviceID sql.NullString
		var severity, status string
		var closedAt sql.NullTime
		if err := rows.Scan(
			&inc.ID,
			&inc.RuleID,
			&patientID,
			&deviceID,
			&inc.MetricName,
			&severity,
			&status,
			&inc.OpenedAt,
			&closedAt,
			&inc.LastObservedAt,
			&inc.FiringCount,
			&inc.Details,
		); err != nil {
			return nil, storeErr("scan incident", err)
		}
		if patientID.Valid {
			inc.PatientID = &patientID.String
		}
		if deviceID.Valid {
			inc.DeviceID = &deviceID.String
		}
		if closedAt.Valid {
			t := closedAt.Time
			inc.ClosedAt = &t
		}
		inc.Severity = models.Severity(severity)
		inc.Status = models.IncidentStatus(status)
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan incidents", err)
	}
	return incidents, nil
}
