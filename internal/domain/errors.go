package domain

import "errors"

// Error taxonomy for the risk engine. Callers branch with errors.Is.
var (
	// ErrInvalidRuleDefinition is returned at catalog-write time when a
	// rule's conditions are malformed. The rule never becomes active.
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")

	// ErrEvaluationUnavailable is returned when the rule catalog or the
	// velocity counter cannot be reached. Fatal for the evaluation; the
	// booking subsystem decides the fallback policy.
	ErrEvaluationUnavailable = errors.New("evaluation unavailable")

	// ErrDuplicateBlacklistEntry is returned when adding a value that is
	// already blacklisted. The existing entry is unaffected.
	ErrDuplicateBlacklistEntry = errors.New("duplicate blacklist entry")

	// ErrInvalidTransition is returned for illegal review-state changes,
	// including any transition out of a terminal state.
	ErrInvalidTransition = errors.New("invalid review transition")

	// ErrPersistenceFailure is returned when an assessment could not be
	// durably stored. An unassessed booking must be treated as requiring
	// manual review, never as auto-approved.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)
