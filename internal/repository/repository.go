// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
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

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
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

// ---------------------------------------------------------------------------
// Rules

// SaveRule inserts or updates a rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	sideEffects, _ := json.Marshal(rule.SideEffects)

	active := 0
	if rule.Active {
		active = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (
			id, name, description, type, conditions, score_contribution,
			side_effects, weight, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			conditions = excluded.conditions,
			score_contribution = excluded.score_contribution,
			side_effects = excluded.side_effects,
			weight = excluded.weight,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(rule.Type),
		string(rule.Conditions), rule.ScoreContribution,
		string(sideEffects), rule.Weight, active,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by id.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `
		SELECT id, name, description, type, conditions, score_contribution,
		       side_effects, weight, active, created_at, updated_at
		FROM rules
		WHERE id = ?
	`

	rule, err := r.scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules retrieves rules, optionally only active ones, ordered by
// descending weight then name (catalog ranking order).
func (r *SQLRepository) ListRules(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	query := `
		SELECT id, name, description, type, conditions, score_contribution,
		       side_effects, weight, active, created_at, updated_at
		FROM rules
	`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY weight DESC, name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule. Deletions are hard; there is no soft delete.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *SQLRepository) scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var description sql.NullString
	var conditions, sideEffects, ruleType string
	var active int

	err := row.Scan(
		&rule.ID, &rule.Name, &description, &ruleType, &conditions,
		&rule.ScoreContribution, &sideEffects, &rule.Weight, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Type = domain.RuleType(ruleType)
	rule.Conditions = json.RawMessage(conditions)
	rule.Active = active == 1
	if err := json.Unmarshal([]byte(sideEffects), &rule.SideEffects); err != nil {
		return nil, fmt.Errorf("failed to parse side effects for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// ---------------------------------------------------------------------------
// Assessments

// SaveAssessment stores an assessment. Core fields are immutable after this
// write; only the review fields change, via TransitionReview.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.Assessment) error {
	matched, _ := json.Marshal(a.MatchedRules)

	query := `
		INSERT INTO assessments (
			id, booking_ref, user_ref, risk_score, risk_level, matched_rules,
			requires_review, auto_block, blacklist_hit, review_status,
			reviewer_ref, reviewer_notes, reviewed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.BookingRef, nullString(a.UserRef),
		a.RiskScore, string(a.RiskLevel), string(matched),
		boolInt(a.RequiresReview), boolInt(a.AutoBlock), boolInt(a.BlacklistHit),
		string(a.ReviewStatus),
		nullString(a.ReviewerRef), nullString(a.ReviewerNotes), nullTime(a.ReviewedAt),
		a.CreatedAt,
	)
	return err
}

// GetAssessment retrieves an assessment by id.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	query := assessmentSelect + ` WHERE id = ?`

	a, err := r.scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAssessments retrieves recent assessments, optionally filtered by
// review status. limit <= 0 means a default page of 100.
func (r *SQLRepository) ListAssessments(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.Assessment, error) {
	if limit <= 0 {
		limit = 100
	}

	query := assessmentSelect
	args := []interface{}{}
	if status != "" {
		query += ` WHERE review_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Assessment
	for rows.Next() {
		a, err := r.scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// TransitionReview applies a manual review-state change. The update is
// conditional on the current status, so a concurrent transition loses with
// ErrInvalidTransition instead of silently overwriting.
func (r *SQLRepository) TransitionReview(ctx context.Context, id string, tr domain.ReviewTransition) (*domain.Assessment, error) {
	if tr.ReviewerRef == "" {
		return nil, fmt.Errorf("%w: reviewerRef is required", domain.ErrInvalidTransition)
	}
	if !tr.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, tr.Status)
	}

	current, err := r.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(current.ReviewStatus, tr.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.ReviewStatus, tr.Status)
	}

	reviewedAt := time.Now().UTC()

	query := `
		UPDATE assessments
		SET review_status = ?, reviewer_ref = ?, reviewer_notes = ?, reviewed_at = ?
		WHERE id = ? AND review_status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(tr.Status), tr.ReviewerRef, nullString(tr.Notes), reviewedAt,
		id, string(current.ReviewStatus),
	)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: assessment %s changed concurrently", domain.ErrInvalidTransition, id)
	}

	current.ReviewStatus = tr.Status
	current.ReviewerRef = tr.ReviewerRef
	current.ReviewerNotes = tr.Notes
	current.ReviewedAt = &reviewedAt
	return current, nil
}

const assessmentSelect = `
	SELECT id, booking_ref, user_ref, risk_score, risk_level, matched_rules,
	       requires_review, auto_block, blacklist_hit, review_status,
	       reviewer_ref, reviewer_notes, reviewed_at, created_at
	FROM assessments
`

func (r *SQLRepository) scanAssessment(row rowScanner) (*domain.Assessment, error) {
	var a domain.Assessment
	var userRef, reviewerRef, reviewerNotes sql.NullString
	var riskLevel, reviewStatus, matched string
	var requiresReview, autoBlock, blacklistHit int
	var reviewedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.BookingRef, &userRef, &a.RiskScore, &riskLevel, &matched,
		&requiresReview, &autoBlock, &blacklistHit, &reviewStatus,
		&reviewerRef, &reviewerNotes, &reviewedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.UserRef = userRef.String
	a.RiskLevel = domain.RiskLevel(riskLevel)
	a.RequiresReview = requiresReview == 1
	a.AutoBlock = autoBlock == 1
	a.BlacklistHit = blacklistHit == 1
	a.ReviewStatus = domain.ReviewStatus(reviewStatus)
	a.ReviewerRef = reviewerRef.String
	a.ReviewerNotes = reviewerNotes.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(matched), &a.MatchedRules); err != nil {
		return nil, fmt.Errorf("failed to parse matched rules for assessment %s: %w", a.ID, err)
	}

	return &a, nil
}

// ---------------------------------------------------------------------------
// Blacklist

// AddBlacklistEntry inserts a blacklist entry. A value that already exists
// returns ErrDuplicateBlacklistEntry and leaves the existing row, including
// its expiry, untouched.
func (r *SQLRepository) AddBlacklistEntry(ctx context.Context, e *domain.BlacklistEntry) error {
	query := `
		INSERT INTO blacklist_entries (kind, value, reason, added_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, value) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(e.Kind), e.Value, nullString(e.Reason), nullString(e.AddedBy),
		e.CreatedAt, nullTime(e.ExpiresAt),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrDuplicateBlacklistEntry, e.Kind, e.Value)
	}
	return nil
}

// GetBlacklistEntry retrieves an entry by kind and value.
func (r *SQLRepository) GetBlacklistEntry(ctx context.Context, kind domain.BlacklistKind, value string) (*domain.BlacklistEntry, error) {
	query := `
		SELECT kind, value, reason, added_by, created_at, expires_at
		FROM blacklist_entries
		WHERE kind = ? AND value = ?
	`

	e, err := r.scanBlacklistEntry(r.db.QueryRowContext(ctx, r.rebind(query), string(kind), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ListBlacklistEntries retrieves entries of a kind, or all when kind is "".
func (r *SQLRepository) ListBlacklistEntries(ctx context.Context, kind domain.BlacklistKind) ([]*domain.BlacklistEntry, error) {
	query := `
		SELECT kind, value, reason, added_by, created_at, expires_at
		FROM blacklist_entries
	`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BlacklistEntry
	for rows.Next() {
		e, err := r.scanBlacklistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

// DeleteBlacklistEntry removes an entry.
func (r *SQLRepository) DeleteBlacklistEntry(ctx context.Context, kind domain.BlacklistKind, value string) error {
	query := `DELETE FROM blacklist_entries WHERE kind = ? AND value = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(kind), value)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) scanBlacklistEntry(row rowScanner) (*domain.BlacklistEntry, error) {
	var e domain.BlacklistEntry
	var kind string
	var reason, addedBy sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&kind, &e.Value, &reason, &addedBy, &e.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	e.Kind = domain.BlacklistKind(kind)
	e.Reason = reason.String
	e.AddedBy = addedBy.String
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

// ---------------------------------------------------------------------------
// Alerts

// SaveAlert stores an alert record.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, type, severity, title, message, booking_ref, user_ref,
			is_read, read_by, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.Type, string(a.Severity), a.Title, nullString(a.Message),
		nullString(a.BookingRef), nullString(a.UserRef),
		boolInt(a.IsRead), nullString(a.ReadBy),
		a.CreatedAt, a.ExpiresAt,
	)
	return err
}

// GetAlert retrieves an alert by id.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	query := alertSelect + ` WHERE id = ?`

	a, err := r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAlerts retrieves recent alerts, optionally only unread ones.
func (r *SQLRepository) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := alertSelect
	if unreadOnly {
		query += ` WHERE is_read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// MarkAlertRead acknowledges an alert. The only mutation alerts support.
func (r *SQLRepository) MarkAlertRead(ctx context.Context, id string, readBy string) error {
	query := `UPDATE alerts SET is_read = 1, read_by = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), readBy, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeExpiredAlerts deletes alerts past their retention window.
func (r *SQLRepository) PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM alerts WHERE expires_at <= ?`), now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const alertSelect = `
	SELECT id, type, severity, title, message, booking_ref, user_ref,
	       is_read, read_by, created_at, expires_at
	FROM alerts
`

func (r *SQLRepository) scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var severity string
	var message, bookingRef, userRef, readBy sql.NullString
	var isRead int

	err := row.Scan(
		&a.ID, &a.Type, &severity, &a.Title, &message, &bookingRef, &userRef,
		&isRead, &readBy, &a.CreatedAt, &a.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = domain.AlertSeverity(severity)
	a.Message = message.String
	a.BookingRef = bookingRef.String
	a.UserRef = userRef.String
	a.IsRead = isRead == 1
	a.ReadBy = readBy.String
	return &a, nil
}

// ---------------------------------------------------------------------------
// Reporting

// AssessmentStats aggregates assessments created at or after the cutoff.
func (r *SQLRepository) AssessmentStats(ctx context.Context, since time.Time) (*domain.Stats, error) {
	query := `
		SELECT COUNT(*),
		       SUM(CASE WHEN risk_level = 'HIGH' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN risk_level = 'MEDIUM' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN risk_level = 'LOW' THEN 1 ELSE 0 END),
		       AVG(risk_score),
		       SUM(auto_block)
		FROM assessments
		WHERE created_at >= ?
	`

	var stats domain.Stats
	var high, medium, low, blocked sql.NullInt64
	var avg sql.NullFloat64

	err := r.db.QueryRowContext(ctx, r.rebind(query), since).Scan(
		&stats.Total, &high, &medium, &low, &avg, &blocked,
	)
	if err != nil {
		return nil, err
	}

	stats.HighCount = int(high.Int64)
	stats.MediumCount = int(medium.Int64)
	stats.LowCount = int(low.Int64)
	stats.AvgScore = avg.Float64
	stats.BlockedCount = int(blocked.Int64)
	if stats.Total > 0 {
		stats.FraudRate = float64(stats.HighCount) / float64(stats.Total)
	}

	return &stats, nil
}

// ---------------------------------------------------------------------------

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
