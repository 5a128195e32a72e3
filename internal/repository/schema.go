package repository

// Schema for the Kestrel store. Statements run on both SQLite and PostgreSQL.

// risk_records keeps every generation of a bucket's scores.
const schemaRiskRecords = `
CREATE TABLE IF NOT EXISTS risk_records (
    dataset_id TEXT NOT NULL,
    bucket INTEGER NOT NULL,
    entity_id TEXT NOT NULL,
    generation BIGINT NOT NULL,
    risk_score REAL NOT NULL,
    reasons TEXT NOT NULL,
    evidence TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (dataset_id, bucket, entity_id, generation)
);

CREATE INDEX IF NOT EXISTS idx_risk_records_entity ON risk_records(dataset_id, entity_id);
`

const schemaAlertRules = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, dataset_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_rules_enabled ON alert_rules(dataset_id, enabled);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    severity TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    bucket INTEGER NOT NULL,
    risk_score REAL NOT NULL,
    reasons TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_bucket ON alerts(dataset_id, bucket);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRiskRecords,
		schemaAlertRules,
		schemaAlerts,
	}
}
