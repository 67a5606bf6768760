// Package evaluator runs the fraud assessment pipeline for booking attempts.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"
	"github.com/starbooked/merlin/internal/alerts"
	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/rules"
)

// Evaluator assesses booking attempts against the active rule catalog,
// the blacklist, and velocity counters, and records the result.
type Evaluator struct {
	catalog    *rules.Catalog
	velocity   domain.VelocityCounter
	blacklist  *blacklist.Store
	repo       domain.Repository
	bus        domain.EventBus
	dispatcher *alerts.Dispatcher
	thresholds domain.RiskThresholds

	now func() time.Time
}

// New creates an evaluator. bus and dispatcher may be nil; persistence and
// scoring still run without them.
func New(
	catalog *rules.Catalog,
	velocity domain.VelocityCounter,
	bl *blacklist.Store,
	repo domain.Repository,
	bus domain.EventBus,
	dispatcher *alerts.Dispatcher,
	thresholds domain.RiskThresholds,
) *Evaluator {
	return &Evaluator{
		catalog:    catalog,
		velocity:   velocity,
		blacklist:  bl,
		repo:       repo,
		bus:        bus,
		dispatcher: dispatcher,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Evaluate runs the full assessment pipeline for one booking attempt.
//
// The current attempt is counted into the velocity windows before any rule
// is matched, so a velocity rule with maxAttempts N fires on the N+1th
// attempt inside its window. Infrastructure failures on the blacklist or
// velocity path abort with ErrEvaluationUnavailable rather than producing
// an assessment blind to those signals.
func (e *Evaluator) Evaluate(ctx context.Context, bc *domain.BookingContext) (*domain.Assessment, error) {
	start := e.now()
	if bc.SubmittedAt.IsZero() {
		bc.SubmittedAt = start.UTC()
	}

	emailBanned, ipBanned, err := e.checkBlacklist(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("%w: blacklist lookup: %v", domain.ErrEvaluationUnavailable, err)
	}
	blacklisted := emailBanned || ipBanned

	if err := e.recordAttempt(ctx, bc); err != nil {
		return nil, fmt.Errorf("%w: velocity increment: %v", domain.ErrEvaluationUnavailable, err)
	}

	assessment := &domain.Assessment{
		ID:           uuid.New().String(),
		BookingRef:   bc.BookingRef,
		UserRef:      bc.UserRef,
		MatchedRules: []domain.MatchedRule{},
		ReviewStatus: domain.ReviewPending,
		CreatedAt:    start.UTC(),
	}

	var flagForReview, createAlert, autoBlock bool
	var alertRules []string

	for _, rule := range e.catalog.Snapshot() {
		matched, err := e.matchRule(ctx, rule, bc, emailBanned)
		if err != nil {
			// A down velocity backend means the assessment would be blind
			// to burst activity; fail the evaluation instead of guessing.
			if errors.Is(err, domain.ErrEvaluationUnavailable) {
				return nil, err
			}
			slog.Warn("rule evaluation failed, skipping",
				"rule_id", rule.Rule.ID,
				"rule_name", rule.Rule.Name,
				"booking_ref", bc.BookingRef,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}

		assessment.RiskScore += rule.Rule.ScoreContribution
		assessment.MatchedRules = append(assessment.MatchedRules, domain.MatchedRule{
			RuleID:       rule.Rule.ID,
			RuleName:     rule.Rule.Name,
			Contribution: rule.Rule.ScoreContribution,
		})

		if rule.Rule.SideEffects.FlagForReview {
			flagForReview = true
		}
		if rule.Rule.SideEffects.CreateAlert {
			createAlert = true
			alertRules = append(alertRules, rule.Rule.Name)
		}
		if rule.Rule.SideEffects.AutoBlock {
			autoBlock = true
		}
	}

	if assessment.RiskScore < 0 {
		assessment.RiskScore = 0
	}
	if assessment.RiskScore > domain.MaxRiskScore {
		assessment.RiskScore = domain.MaxRiskScore
	}

	assessment.RiskLevel = e.thresholds.LevelFor(assessment.RiskScore)
	assessment.AutoBlock = autoBlock

	// A blacklisted submitter is blocked outright, whatever the rules said.
	if blacklisted {
		assessment.BlacklistHit = true
		assessment.AutoBlock = true
		assessment.RiskLevel = domain.RiskHigh
	}

	assessment.RequiresReview = assessment.RiskLevel != domain.RiskLow || flagForReview

	if err := e.repo.SaveAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}

	e.emit(ctx, assessment, createAlert, alertRules)

	slog.Info("booking assessed",
		"assessment_id", assessment.ID,
		"booking_ref", assessment.BookingRef,
		"risk_score", assessment.RiskScore,
		"risk_level", assessment.RiskLevel,
		"matched_rules", len(assessment.MatchedRules),
		"auto_block", assessment.AutoBlock,
		"process_ms", time.Since(start).Milliseconds(),
	)

	return assessment, nil
}

// checkBlacklist consults the store for the submitter email and IP. The two
// hits are reported separately: either one blocks the booking, but only an
// email ban counts toward email-rule matching.
func (e *Evaluator) checkBlacklist(ctx context.Context, bc *domain.BookingContext) (emailBanned, ipBanned bool, err error) {
	if e.blacklist == nil {
		return false, false, nil
	}

	if bc.Email != "" {
		emailBanned, err = e.blacklist.IsBlacklisted(ctx, domain.BlacklistEmail, bc.Email)
		if err != nil {
			return false, false, err
		}
	}

	if bc.IP != "" {
		ipBanned, err = e.blacklist.IsBlacklisted(ctx, domain.BlacklistIP, bc.IP)
		if err != nil {
			return false, false, err
		}
	}

	return emailBanned, ipBanned, nil
}

// recordAttempt counts the current attempt under both subject keys so that
// velocity rules observe it.
func (e *Evaluator) recordAttempt(ctx context.Context, bc *domain.BookingContext) error {
	if e.velocity == nil {
		return nil
	}

	at := bc.SubmittedAt
	if bc.IP != "" {
		if err := e.velocity.Increment(ctx, domain.IPSubjectKey(bc.IP), at); err != nil {
			return err
		}
	}
	if bc.Email != "" {
		if err := e.velocity.Increment(ctx, domain.EmailSubjectKey(bc.Email), at); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) matchRule(ctx context.Context, rule *rules.ActiveRule, bc *domain.BookingContext, emailBanned bool) (bool, error) {
	switch cond := rule.Conditions.(type) {
	case *domain.PatternConditions:
		return matchPattern(cond, bc), nil
	case *domain.EmailConditions:
		return matchEmail(cond, bc, emailBanned), nil
	case *domain.VelocityConditions:
		return e.matchVelocity(ctx, cond, bc)
	case *domain.HistoryConditions:
		return matchHistory(cond, bc), nil
	case *domain.CustomConditions:
		return matchCustom(rule, bc)
	default:
		return false, fmt.Errorf("unknown condition type %T", rule.Conditions)
	}
}

// matchPattern fires when every configured bound is violated. A pattern
// rule with no bounds never fires.
func matchPattern(cond *domain.PatternConditions, bc *domain.BookingContext) bool {
	if cond.MinAmount == nil && cond.MaxDaysNotice == nil {
		return false
	}
	if cond.MinAmount != nil && bc.Amount < *cond.MinAmount {
		return false
	}
	if cond.MaxDaysNotice != nil && bc.DaysNotice() > *cond.MaxDaysNotice {
		return false
	}
	return true
}

// matchEmail fires on a suspicious domain or on a blacklisted submitter
// email. The blacklist hit also fires the rule so its scoreContribution and
// matchedRules entry show up in the assessment, not just the block.
func matchEmail(cond *domain.EmailConditions, bc *domain.BookingContext, emailBanned bool) bool {
	if emailBanned {
		return true
	}
	dom := bc.EmailDomain()
	if dom == "" {
		return false
	}
	for _, suspicious := range cond.SuspiciousDomains {
		if dom == suspicious {
			return true
		}
	}
	return false
}

// matchVelocity fires when the window count, current attempt included,
// exceeds the configured maximum.
func (e *Evaluator) matchVelocity(ctx context.Context, cond *domain.VelocityConditions, bc *domain.BookingContext) (bool, error) {
	if e.velocity == nil {
		return false, nil
	}

	var key string
	switch cond.Subject {
	case domain.SubjectIP:
		if bc.IP == "" {
			return false, nil
		}
		key = domain.IPSubjectKey(bc.IP)
	case domain.SubjectEmail:
		if bc.Email == "" {
			return false, nil
		}
		key = domain.EmailSubjectKey(bc.Email)
	default:
		return false, fmt.Errorf("unknown velocity subject %q", cond.Subject)
	}

	window := time.Duration(cond.WindowHours) * time.Hour
	count, err := e.velocity.Count(ctx, key, window, bc.SubmittedAt)
	if err != nil {
		return false, fmt.Errorf("%w: velocity count: %v", domain.ErrEvaluationUnavailable, err)
	}

	return count > int64(cond.MaxAttempts), nil
}

func matchHistory(cond *domain.HistoryConditions, bc *domain.BookingContext) bool {
	if bc.TotalBookings() < cond.MinBookings {
		return false
	}
	return bc.CancelledFraction() >= cond.CancellationThreshold
}

func matchCustom(rule *rules.ActiveRule, bc *domain.BookingContext) (bool, error) {
	if rule.Program == nil {
		return false, fmt.Errorf("custom rule %s has no compiled program", rule.Rule.ID)
	}

	out, _, err := rule.Program.Eval(rules.Activation(bc))
	if err != nil {
		return false, fmt.Errorf("expression error: %w", err)
	}

	matched, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(matched), nil
}

// emit publishes the assessment outcome and raises any warranted alerts.
// All of it is best-effort; the assessment is already persisted.
func (e *Evaluator) emit(ctx context.Context, a *domain.Assessment, createAlert bool, alertRules []string) {
	if e.bus != nil {
		if payload, err := json.Marshal(a); err == nil {
			if err := e.bus.Publish(ctx, domain.TopicAssessmentCreated, payload); err != nil {
				slog.Warn("failed to publish assessment",
					"assessment_id", a.ID,
					"error", err,
				)
			}
		}

		if a.RequiresReview && a.RiskLevel == domain.RiskHigh {
			flagged := domain.BookingFlagged{
				BookingRef:   a.BookingRef,
				AssessmentID: a.ID,
				Reason:       a.FlagReason(),
			}
			if payload, err := json.Marshal(flagged); err == nil {
				if err := e.bus.Publish(ctx, domain.TopicBookingFlagged, payload); err != nil {
					slog.Warn("failed to publish booking flag",
						"assessment_id", a.ID,
						"error", err,
					)
				}
			}
		}
	}

	if e.dispatcher == nil {
		return
	}

	if a.BlacklistHit || a.RiskLevel == domain.RiskHigh {
		if _, err := e.dispatcher.DispatchForAssessment(ctx, a); err != nil {
			slog.Error("failed to dispatch assessment alert",
				"assessment_id", a.ID,
				"error", err,
			)
		}
	}

	if createAlert {
		for _, name := range alertRules {
			if _, err := e.dispatcher.DispatchRuleAlert(ctx, a, name); err != nil {
				slog.Error("failed to dispatch rule alert",
					"assessment_id", a.ID,
					"rule_name", name,
					"error", err,
				)
			}
		}
	}
}
