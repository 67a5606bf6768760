// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Rule catalog operations
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Assessment operations. SaveAssessment is an immutable write;
	// TransitionReview is the only mutation after creation.
	SaveAssessment(ctx context.Context, a *Assessment) error
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	ListAssessments(ctx context.Context, status ReviewStatus, limit int) ([]*Assessment, error)
	TransitionReview(ctx context.Context, id string, tr ReviewTransition) (*Assessment, error)

	// Blacklist operations
	AddBlacklistEntry(ctx context.Context, e *BlacklistEntry) error
	GetBlacklistEntry(ctx context.Context, kind BlacklistKind, value string) (*BlacklistEntry, error)
	ListBlacklistEntries(ctx context.Context, kind BlacklistKind) ([]*BlacklistEntry, error)
	DeleteBlacklistEntry(ctx context.Context, kind BlacklistKind, value string) error

	// Alert operations
	SaveAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]*Alert, error)
	MarkAlertRead(ctx context.Context, id string, readBy string) error
	PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error)

	// Reporting
	AssessmentStats(ctx context.Context, since time.Time) (*Stats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
