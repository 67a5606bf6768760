package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuleType discriminates which condition variant a rule carries and which
// context fields the evaluator inspects.
type RuleType string

const (
	RuleTypePattern  RuleType = "pattern"
	RuleTypeEmail    RuleType = "email"
	RuleTypeVelocity RuleType = "velocity"
	RuleTypeHistory  RuleType = "history"

	// RuleTypeCustom evaluates an administrator-supplied CEL expression
	// against the booking context. Compiled at catalog-write time.
	RuleTypeCustom RuleType = "custom"
)

// VelocitySubject selects which context field a velocity rule counts.
type VelocitySubject string

const (
	SubjectIP    VelocitySubject = "ip"
	SubjectEmail VelocitySubject = "email"
)

// SideEffects are flags applied to the assessment when a rule matches.
type SideEffects struct {
	FlagForReview bool `json:"flagForReview,omitempty"`
	CreateAlert   bool `json:"createAlert,omitempty"`
	AutoBlock     bool `json:"autoBlock,omitempty"`
}

// Rule defines a fraud detection rule. Conditions hold the raw JSON for the
// variant selected by Type; ParseConditions decodes and validates it.
type Rule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RuleType `json:"type"`

	Conditions json.RawMessage `json:"conditions"`

	// ScoreContribution is added to the risk score when the rule matches.
	ScoreContribution int `json:"scoreContribution"`

	SideEffects SideEffects `json:"sideEffects"`

	// Weight orders rules in the catalog. It never enters scoring
	// arithmetic; ScoreContribution is authoritative for the score.
	Weight int `json:"weight"`

	Active bool `json:"active"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// PatternConditions match booking shape: high amount on short notice.
// A nil field is not checked.
type PatternConditions struct {
	MinAmount     *float64 `json:"minAmount,omitempty"`
	MaxDaysNotice *int     `json:"maxDaysNotice,omitempty"`
}

// EmailConditions match the submitter email's domain against a denylist.
// The blacklist store is always consulted for email rules in addition to
// the domain list.
type EmailConditions struct {
	SuspiciousDomains []string `json:"suspiciousDomains"`
}

// VelocityConditions match when the subject's attempt count in the trailing
// window exceeds MaxAttempts.
type VelocityConditions struct {
	Subject     VelocitySubject `json:"subject"`
	MaxAttempts int             `json:"maxAttempts"`
	WindowHours int             `json:"windowHours"`
}

// HistoryConditions match users with enough history and a high enough
// cancellation rate.
type HistoryConditions struct {
	MinBookings           int     `json:"minBookings"`
	CancellationThreshold float64 `json:"cancellationThreshold"`
}

// CustomConditions hold a CEL expression over the booking context.
type CustomConditions struct {
	Expression string `json:"expression"`
}

// Validate checks rule-level fields. Condition validation is separate; see
// ParseConditions.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRuleDefinition)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRuleDefinition)
	}
	if r.ScoreContribution < 0 {
		return fmt.Errorf("%w: scoreContribution must be non-negative", ErrInvalidRuleDefinition)
	}
	if r.Weight < 0 {
		return fmt.Errorf("%w: weight must be non-negative", ErrInvalidRuleDefinition)
	}
	switch r.Type {
	case RuleTypePattern, RuleTypeEmail, RuleTypeVelocity, RuleTypeHistory, RuleTypeCustom:
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRuleDefinition, r.Type)
	}
	return nil
}

// ParseConditions decodes and validates the condition variant for the rule's
// type. It returns one of *PatternConditions, *EmailConditions,
// *VelocityConditions, *HistoryConditions, or *CustomConditions.
func (r *Rule) ParseConditions() (interface{}, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if len(r.Conditions) == 0 {
		return nil, fmt.Errorf("%w: rule %s: conditions are required", ErrInvalidRuleDefinition, r.ID)
	}

	switch r.Type {
	case RuleTypePattern:
		var c PatternConditions
		if err := strictDecode(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleDefinition, r.ID, err)
		}
		if c.MinAmount == nil && c.MaxDaysNotice == nil {
			return nil, fmt.Errorf("%w: rule %s: pattern conditions need minAmount or maxDaysNotice", ErrInvalidRuleDefinition, r.ID)
		}
		if c.MinAmount != nil && *c.MinAmount < 0 {
			return nil, fmt.Errorf("%w: rule %s: minAmount must be non-negative", ErrInvalidRuleDefinition, r.ID)
		}
		return &c, nil

	case RuleTypeEmail:
		var c EmailConditions
		if err := strictDecode(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleDefinition, r.ID, err)
		}
		for i, d := range c.SuspiciousDomains {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" {
				return nil, fmt.Errorf("%w: rule %s: empty suspicious domain", ErrInvalidRuleDefinition, r.ID)
			}
			c.SuspiciousDomains[i] = d
		}
		return &c, nil

	case RuleTypeVelocity:
		var c VelocityConditions
		if err := strictDecode(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleDefinition, r.ID, err)
		}
		if c.Subject != SubjectIP && c.Subject != SubjectEmail {
			return nil, fmt.Errorf("%w: rule %s: subject must be %q or %q", ErrInvalidRuleDefinition, r.ID, SubjectIP, SubjectEmail)
		}
		if c.MaxAttempts < 1 {
			return nil, fmt.Errorf("%w: rule %s: maxAttempts must be at least 1", ErrInvalidRuleDefinition, r.ID)
		}
		if c.WindowHours < 1 {
			return nil, fmt.Errorf("%w: rule %s: windowHours must be at least 1", ErrInvalidRuleDefinition, r.ID)
		}
		return &c, nil

	case RuleTypeHistory:
		var c HistoryConditions
		if err := strictDecode(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleDefinition, r.ID, err)
		}
		if c.MinBookings < 1 {
			return nil, fmt.Errorf("%w: rule %s: minBookings must be at least 1", ErrInvalidRuleDefinition, r.ID)
		}
		if c.CancellationThreshold <= 0 || c.CancellationThreshold > 1 {
			return nil, fmt.Errorf("%w: rule %s: cancellationThreshold must be in (0, 1]", ErrInvalidRuleDefinition, r.ID)
		}
		return &c, nil

	case RuleTypeCustom:
		var c CustomConditions
		if err := strictDecode(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleDefinition, r.ID, err)
		}
		if strings.TrimSpace(c.Expression) == "" {
			return nil, fmt.Errorf("%w: rule %s: expression is required", ErrInvalidRuleDefinition, r.ID)
		}
		return &c, nil
	}

	return nil, fmt.Errorf("%w: rule %s: unknown rule type %q", ErrInvalidRuleDefinition, r.ID, r.Type)
}

// strictDecode rejects unknown condition fields so a typo in an admin
// payload fails at write time instead of silently never matching.
func strictDecode(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
