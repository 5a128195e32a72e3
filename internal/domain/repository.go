package domain

import (
	"context"
	"time"
)

// Repository defines the interface for persistence of risk output and
// alerting configuration. All methods are scoped by datasetID.
type Repository interface {
	// Risk audit trail
	SaveBucketRisk(ctx context.Context, datasetID string, bucket int, generation uint64, risk *BucketRisk) error
	GetBucketRisk(ctx context.Context, datasetID string, bucket int) ([]*StoredRisk, error)
	GetEntityRiskHistory(ctx context.Context, datasetID string, entityID string) ([]*StoredRisk, error)

	// Alert rules
	SaveAlertRule(ctx context.Context, datasetID string, rule *AlertRule) error
	GetAlertRule(ctx context.Context, datasetID string, ruleID string) (*AlertRule, error)
	ListAlertRules(ctx context.Context, datasetID string) ([]*AlertRule, error)
	DeleteAlertRule(ctx context.Context, datasetID string, ruleID string) error

	// Alerts
	SaveAlert(ctx context.Context, datasetID string, alert *Alert) error
	ListAlerts(ctx context.Context, datasetID string, bucket int) ([]*Alert, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
