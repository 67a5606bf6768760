package domain

import (
	"fmt"
	"time"
)

// RiskLevel is derived from the clamped risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// MaxRiskScore is the upper clamp for accumulated scores.
const MaxRiskScore = 1000

// ReviewStatus is the manual-review state of an assessment.
type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewUnderReview ReviewStatus = "under_review"
	ReviewEscalated   ReviewStatus = "escalated"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
)

// Terminal reports whether no further review transitions are legal.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewUnderReview, ReviewEscalated, ReviewApproved, ReviewRejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal review transition.
// pending may move to any other state (fast-path decisions included);
// under_review and escalated may only resolve to a terminal state.
func CanTransition(from, to ReviewStatus) bool {
	if !from.Valid() || !to.Valid() || from == to || from.Terminal() {
		return false
	}
	switch from {
	case ReviewPending:
		return true
	case ReviewUnderReview, ReviewEscalated:
		return to.Terminal()
	}
	return false
}

// MatchedRule records one rule's contribution to an assessment, in catalog
// order, for explainability.
type MatchedRule struct {
	RuleID       string `json:"ruleId"`
	RuleName     string `json:"ruleName"`
	Contribution int    `json:"contribution"`
}

// Assessment is the immutable result of evaluating one booking context.
// Only the review fields change after creation.
type Assessment struct {
	ID         string `json:"id"`
	BookingRef string `json:"bookingRef"`
	UserRef    string `json:"userRef,omitempty"`

	RiskScore    int           `json:"riskScore"`
	RiskLevel    RiskLevel     `json:"riskLevel"`
	MatchedRules []MatchedRule `json:"matchedRules"`

	RequiresReview bool `json:"requiresReview"`
	AutoBlock      bool `json:"autoBlock"`

	// BlacklistHit is set when the blacklist override fired; it forces
	// RiskLevel HIGH and AutoBlock regardless of the accumulated score.
	BlacklistHit bool `json:"blacklistHit,omitempty"`

	ReviewStatus  ReviewStatus `json:"reviewStatus"`
	ReviewerRef   string       `json:"reviewerRef,omitempty"`
	ReviewerNotes string       `json:"reviewerNotes,omitempty"`
	ReviewedAt    *time.Time   `json:"reviewedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FlagReason returns the reason string attached to a flagged booking. The
// numeric score is embedded so downstream systems can recover it.
func (a *Assessment) FlagReason() string {
	return fmt.Sprintf("fraud assessment %s: risk score %d", a.ID, a.RiskScore)
}

// ReviewTransition is the payload for a manual review-state change.
type ReviewTransition struct {
	Status      ReviewStatus `json:"status"`
	ReviewerRef string       `json:"reviewerRef"`
	Notes       string       `json:"notes,omitempty"`
}

// Stats summarizes assessments created within a reporting window.
type Stats struct {
	Total        int     `json:"total"`
	HighCount    int     `json:"highCount"`
	MediumCount  int     `json:"mediumCount"`
	LowCount     int     `json:"lowCount"`
	AvgScore     float64 `json:"avgScore"`
	FraudRate    float64 `json:"fraudRate"`
	BlockedCount int     `json:"blockedCount"`
}
