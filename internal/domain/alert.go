package domain

import "time"

// AlertSeverity grades an alert for the notification collaborator.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is a notification record created for high-risk assessments or for
// rules that request one. Mutated only by read acknowledgement; purged
// after the retention window.
type Alert struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	BookingRef string        `json:"bookingRef"`
	UserRef    string        `json:"userRef,omitempty"`

	IsRead bool   `json:"isRead"`
	ReadBy string `json:"readBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Alert types emitted by the dispatcher.
const (
	AlertTypeHighRisk  = "high_risk_booking"
	AlertTypeRuleMatch = "rule_alert"
	AlertTypeBlacklist = "blacklist_block"
)

// SeverityForAssessment maps an assessment's disposition to alert severity.
// A blacklist-forced block is always CRITICAL.
func SeverityForAssessment(a *Assessment) AlertSeverity {
	if a.BlacklistHit {
		return SeverityCritical
	}
	switch a.RiskLevel {
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	}
	return SeverityLow
}
