package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// PostgresDevicesRepo devices table on Postgres
type PostgresDevicesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepo creates the repository.
func NewPostgresDevicesRepo(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db, logger: logger}
}

func (r *PostgresDevicesRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT id, patient_id, firmware_version, last_seen_at, active
		FROM devices
		WHERE id = $1
	`
	var device models.Device
	var patientID sql.NullString
	var lastSeen sql.NullTime

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.ID,
		&patientID,
		&device.FirmwareVersion,
		&lastSeen,
		&device.Active,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
		}
		return nil, storeErr("get device", err)
	}

	if patientID.Valid {
		device.PatientID = &patientID.String
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		device.LastSeenAt = &t
	}
	return &device, nil
}

func (r *PostgresDevicesRepo) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT id, patient_id, firmware_version, last_seen_at, active
		FROM devices
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list devices", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (r *PostgresDevicesRepo) ListDevicesForPatient(ctx context.Context, patientID string) ([]models.Device, error) {
	query := `
		SELECT id, patient_id, firmware_version, last_seen_at, active
		FROM devices
		WHERE patient_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, storeErr("list devices for patient", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func scanDevices(rows *sql.Rows) ([]models.Device, error) {
	var devices []models.Device
	for rows.Next() {
		var device models.Device
		var patientID sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&device.ID, &patientID, &device.FirmwareVersion, &lastSeen, &device.Active); err != nil {
			return nil, storeErr("scan device", err)
		}
		if patientID.Valid {
			device.PatientID = &patientID.String
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			device.LastSeenAt = &t
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list devices", err)
	}
	return devices, nil
}

// UpsertDevice registers a device or updates its owner/firmware/active flag.
// last_seen_at is left untouched.
func (r *PostgresDevicesRepo) UpsertDevice(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO devices (id, patient_id, firmware_version, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			firmware_version = EXCLUDED.firmware_version,
			active = EXCLUDED.active
	`
	if _, err := r.db.ExecContext(ctx, query, device.ID, device.PatientID, device.FirmwareVersion, device.Active); err != nil {
		return storeErr("upsert device", err)
	}
	return nil
}

func (r *PostgresDevicesRepo) TouchLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error {
	query := `
		UPDATE devices
		SET last_seen_at = $2
		WHERE id = $1
		  AND (last_seen_at IS NULL OR last_seen_at < $2)
	`
	if _, err := r.db.ExecContext(ctx, query, deviceID, seenAt); err != nil {
		return storeErr("touch last_seen_at", err)
	}
	return nil
}
