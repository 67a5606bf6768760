package domain

import (
	"context"
	"time"
)

// VelocityCounter maintains per-key attempt counts over rolling windows.
// Increment must be atomic under concurrent callers for the same key; a
// lost increment would let a burst of attempts evade a velocity rule.
type VelocityCounter interface {
	// Increment records one attempt for the subject key at the given time.
	Increment(ctx context.Context, subjectKey string, at time.Time) error

	// Count returns the number of increments recorded for the subject key
	// with timestamp in (asOf-window, asOf].
	Count(ctx context.Context, subjectKey string, window time.Duration, asOf time.Time) (int64, error)

	// Compact drops increments older than the cutoff. Retention must be
	// at least the longest configured rule window.
	Compact(ctx context.Context, olderThan time.Time) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// VelocityConfig holds configuration for velocity counter initialization.
type VelocityConfig struct {
	// Backend is "memory" or "redis"
	Backend string

	// Retention bounds how long increments are kept. Must cover the
	// longest rule window; 24h minimum by housekeeping policy.
	Retention time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Subject key constructors shared by the evaluator and velocity rules.

// IPSubjectKey returns the counter key for an IP address.
func IPSubjectKey(ip string) string { return "ip:" + ip }

// EmailSubjectKey returns the counter key for an email address.
func EmailSubjectKey(email string) string {
	return "email:" + NormalizeBlacklistValue(BlacklistEmail, email)
}
