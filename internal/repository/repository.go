// Package repository persists the risk audit trail, alert rules and fired
// alerts through database/sql on SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// AllBuckets makes ListAlerts return alerts of every bucket.
const AllBuckets = -1

// SQLRepository implements domain.Repository on database/sql.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver, now: func() time.Time { return time.Now().UTC() }}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireDataset(datasetID string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	return nil
}

// SaveBucketRisk appends one generation of a bucket's scores in a single
// transaction. Saving the same generation twice overwrites it.
func (r *SQLRepository) SaveBucketRisk(ctx context.Context, datasetID string, bucket int, generation uint64, br *domain.BucketRisk) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	if br == nil || br.Len() == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO risk_records (
			dataset_id, bucket, entity_id, generation, risk_score, reasons, evidence, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, bucket, entity_id, generation) DO UPDATE SET
			risk_score = excluded.risk_score,
			reasons = excluded.reasons,
			evidence = excluded.evidence,
			computed_at = excluded.computed_at
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := r.now()
	for _, id := range br.Order {
		rec := br.Records[id]
		reasons, err := json.Marshal(rec.Reasons)
		if err != nil {
			return err
		}
		evidence, err := json.Marshal(rec.Evidence)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, datasetID, bucket, id, int64(generation),
			rec.RiskScore, string(reasons), string(evidence), now); err != nil {
			return fmt.Errorf("save risk of %s: %w", id, err)
		}
	}
	return tx.Commit()
}

const riskColumns = `dataset_id, bucket, entity_id, generation, risk_score, reasons, evidence, computed_at`

// GetBucketRisk returns the latest generation of a bucket, ordered by entity.
func (r *SQLRepository) GetBucketRisk(ctx context.Context, datasetID string, bucket int) ([]*domain.StoredRisk, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + riskColumns + `
		FROM risk_records
		WHERE dataset_id = ? AND bucket = ? AND generation = (
			SELECT MAX(generation) FROM risk_records WHERE dataset_id = ? AND bucket = ?
		)
		ORDER BY entity_id
	`
	return r.queryRisk(ctx, query, datasetID, bucket, datasetID, bucket)
}

// GetEntityRiskHistory returns every stored score of an entity by bucket
// and generation.
func (r *SQLRepository) GetEntityRiskHistory(ctx context.Context, datasetID string, entityID string) ([]*domain.StoredRisk, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + riskColumns + `
		FROM risk_records
		WHERE dataset_id = ? AND entity_id = ?
		ORDER BY bucket, generation
	`
	return r.queryRisk(ctx, query, datasetID, entityID)
}

func (r *SQLRepository) queryRisk(ctx context.Context, query string, args ...any) ([]*domain.StoredRisk, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.StoredRisk{}
	for rows.Next() {
		var s domain.StoredRisk
		var generation int64
		var reasons, evidence string
		if err := rows.Scan(&s.DatasetID, &s.Bucket, &s.EntityID, &generation,
			&s.Record.RiskScore, &reasons, &evidence, &s.ComputedAt); err != nil {
			return nil, err
		}
		s.Generation = uint64(generation)
		if err := json.Unmarshal([]byte(reasons), &s.Record.Reasons); err != nil {
			return nil, fmt.Errorf("failed to parse reasons of %s: %w", s.EntityID, err)
		}
		if err := json.Unmarshal([]byte(evidence), &s.Record.Evidence); err != nil {
			return nil, fmt.Errorf("failed to parse evidence of %s: %w", s.EntityID, err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SaveAlertRule inserts or updates a rule. CreatedAt survives updates.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, datasetID string, rule *domain.AlertRule) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	if rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	now := r.now()
	query := `
		INSERT INTO alert_rules (
			id, dataset_id, name, description, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, dataset_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, datasetID, rule.Name, rule.Description, rule.Expression,
		rule.Severity, boolToInt(rule.Enabled), now, now,
	)
	return err
}

const ruleColumns = `id, dataset_id, name, description, expression, severity, enabled, created_at, updated_at`

// GetAlertRule returns a rule whether or not it is enabled.
func (r *SQLRepository) GetAlertRule(ctx context.Context, datasetID string, ruleID string) (*domain.AlertRule, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE dataset_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), datasetID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListAlertRules returns the enabled rules ordered by name.
func (r *SQLRepository) ListAlertRules(ctx context.Context, datasetID string) ([]*domain.AlertRule, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE dataset_id = ? AND enabled = 1 ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.AlertRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteAlertRule disables a rule; fired alerts keep referencing it.
func (r *SQLRepository) DeleteAlertRule(ctx context.Context, datasetID string, ruleID string) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	query := `UPDATE alert_rules SET enabled = 0, updated_at = ? WHERE dataset_id = ? AND id = ?`

	res, err := r.db.ExecContext(ctx, r.rebind(query), r.now(), datasetID, ruleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.AlertRule, error) {
	var rule domain.AlertRule
	var description sql.NullString
	var enabled int
	if err := row.Scan(&rule.ID, &rule.DatasetID, &rule.Name, &description, &rule.Expression,
		&rule.Severity, &enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Enabled = enabled == 1
	return &rule, nil
}

// SaveAlert stores a fired alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, datasetID string, alert *domain.Alert) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	reasons, err := json.Marshal(alert.Reasons)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO alerts (
			id, dataset_id, rule_id, rule_name, severity, entity_id, bucket, risk_score, reasons, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, datasetID, alert.RuleID, alert.RuleName, alert.Severity,
		alert.EntityID, alert.Bucket, alert.RiskScore, string(reasons), alert.CreatedAt,
	)
	return err
}

// ListAlerts returns the alerts of a bucket, or of every bucket with
// AllBuckets, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, datasetID string, bucket int) ([]*domain.Alert, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, dataset_id, rule_id, rule_name, severity, entity_id, bucket, risk_score, reasons, created_at
		FROM alerts
		WHERE dataset_id = ?`
	args := []any{datasetID}
	if bucket != AllBuckets {
		query += ` AND bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY created_at DESC, entity_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		var a domain.Alert
		var reasons string
		if err := rows.Scan(&a.ID, &a.DatasetID, &a.RuleID, &a.RuleName, &a.Severity,
			&a.EntityID, &a.Bucket, &a.RiskScore, &reasons, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
			return nil, fmt.Errorf("failed to parse reasons of alert %s: %w", a.ID, err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
