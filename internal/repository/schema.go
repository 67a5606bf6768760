package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT,
    type TEXT NOT NULL,
    conditions TEXT NOT NULL,
    score_contribution INTEGER NOT NULL DEFAULT 0,
    side_effects TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(type);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    booking_ref TEXT NOT NULL,
    user_ref TEXT,
    risk_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    matched_rules TEXT NOT NULL,
    requires_review INTEGER NOT NULL DEFAULT 0,
    auto_block INTEGER NOT NULL DEFAULT 0,
    blacklist_hit INTEGER NOT NULL DEFAULT 0,
    review_status TEXT NOT NULL,
    reviewer_ref TEXT,
    reviewer_notes TEXT,
    reviewed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_booking ON assessments(booking_ref);
CREATE INDEX IF NOT EXISTS idx_assessments_status ON assessments(review_status);
CREATE INDEX IF NOT EXISTS idx_assessments_created ON assessments(created_at);
CREATE INDEX IF NOT EXISTS idx_assessments_level ON assessments(risk_level);
`

const schemaBlacklist = `
CREATE TABLE IF NOT EXISTS blacklist_entries (
    kind TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT,
    added_by TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    PRIMARY KEY (kind, value)
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT,
    booking_ref TEXT,
    user_ref TEXT,
    is_read INTEGER NOT NULL DEFAULT 0,
    read_by TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_unread ON alerts(is_read);
CREATE INDEX IF NOT EXISTS idx_alerts_expires ON alerts(expires_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaAssessments,
		schemaBlacklist,
		schemaAlerts,
	}
}
