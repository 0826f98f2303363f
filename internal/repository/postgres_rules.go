package repository

import (
	"context"
	"database/sql"
	"fmt"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// PostgresRulesRepo rules and rule_assignments tables on Postgres
type PostgresRulesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRulesRepo creates the repository.
func NewPostgresRulesRepo(db *sql.DB, logger *zap.Logger) *PostgresRulesRepo {
	return &PostgresRulesRepo{db: db, logger: logger}
}

func (r *PostgresRulesRepo) ListRules(ctx context.Context) ([]models.Rule, error) {
	query := `
		SELECT id, name, metric_id, kind, operator, threshold, window_minutes, severity, enabled
		FROM rules
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var rule models.Rule
		var kind, operator, severity string
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.MetricID,
			&kind,
			&operator,
			&rule.Threshold,
			&rule.WindowMinutes,
			&severity,
			&rule.Enabled,
		); err != nil {
			return nil, storeErr("scan rule", err)
		}
		rule.Kind = models.RuleKind(kind)
		rule.Operator = models.Operator(operator)
		rule.Severity = models.Severity(severity)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list rules", err)
	}
	return rules, nil
}

func (r *PostgresRulesRepo) UpsertRule(ctx context.Context, rule *models.Rule) error {
	query := `
		INSERT INTO rules (id, name, metric_id, kind, operator, threshold, window_minutes, severity, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			metric_id = EXCLUDED.metric_id,
			kind = EXCLUDED.kind,
			operator = EXCLUDED.operator,
			threshold = EXCLUDED.threshold,
			window_minutes = EXCLUDED.window_minutes,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled
	`
	_, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.MetricID,
		string(rule.Kind),
		string(rule.Operator),
		rule.Threshold,
		rule.WindowMinutes,
		string(rule.Severity),
		rule.Enabled,
	)
	if err != nil {
		return storeErr("upsert rule", err)
	}
	return nil
}

func (r *PostgresRulesRepo) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE rules SET enabled = $2 WHERE id = $1`, ruleID, enabled)
	if err != nil {
		return storeErr("set rule enabled", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("set rule enabled", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRulesRepo) ListAssignments(ctx context.Context) ([]models.RuleAssignment, error) {
	query := `
		SELECT id, rule_id, patient_id, device_id
		FROM rule_assignments
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list assignments", err)
	}
	defer rows.Close()

	var assignments []models.RuleAssignment
	for rows.Next() {
		var a models.RuleAssignment
		var patientID, deviceID sql.NullString
		if err := rows.Scan(&a.ID, &a.RuleID, &patientID, &deviceID); err != nil {
			return nil, storeErr("scan assignment", err)
		}
		if patientID.Valid {
			a.PatientID = &patientID.String
		}
		if deviceID.Valid {
			a.DeviceID = &deviceID.String
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list assignments", err)
	}
	return assignments, nil
}

func (r *PostgresRulesRepo) InsertAssignment(ctx context.Context, a *models.RuleAssignment) error {
	query := `
		INSERT INTO rule_assignments (id, rule_id, patient_id, device_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, a.ID, a.RuleID, a.PatientID, a.DeviceID); err != nil {
		return storeErr("insert assignment", err)
	}
	return nil
}

func (r *PostgresRulesRepo) DeleteAssignment(ctx context.Context, assignmentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rule_assignments WHERE id = $1`, assignmentID); err != nil {
		return storeErr("delete assignment", err)
	}
	return nil
}
