package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/repository"
	"github.com/starbooked/merlin/internal/rules"
	"github.com/starbooked/merlin/internal/velocity"
)

var testThresholds = domain.RiskThresholds{Medium: 30, High: 70}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "merlin-eval-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newTestEvaluator(t *testing.T, ruleSet ...*domain.Rule) (*Evaluator, domain.Repository) {
	t.Helper()

	repo := newTestRepo(t)
	catalog, err := rules.NewCatalog()
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if err := catalog.LoadAll(ruleSet); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	counter := velocity.NewMemoryCounter(24 * time.Hour)
	bl := blacklist.NewStore(repo, nil)

	return New(catalog, counter, bl, repo, nil, nil, testThresholds), repo
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal conditions: %v", err)
	}
	return raw
}

func highValueRule(t *testing.T) *domain.Rule {
	minAmount := 50000.0
	maxNotice := 7
	return &domain.Rule{
		ID:   "r-high-value-short-notice",
		Name: "high value short notice",
		Type: domain.RuleTypePattern,
		Conditions: mustJSON(t, domain.PatternConditions{
			MinAmount:     &minAmount,
			MaxDaysNotice: &maxNotice,
		}),
		ScoreContribution: 30,
		Weight:            10,
		Active:            true,
	}
}

func disposableEmailRule(t *testing.T) *domain.Rule {
	return &domain.Rule{
		ID:   "r-disposable-email",
		Name: "disposable email domain",
		Type: domain.RuleTypeEmail,
		Conditions: mustJSON(t, domain.EmailConditions{
			SuspiciousDomains: []string{"tempmail.com", "guerrillamail.com"},
		}),
		ScoreContribution: 40,
		Weight:            5,
		Active:            true,
	}
}

func submittedAt() time.Time {
	return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
}

func testBooking() *domain.BookingContext {
	at := submittedAt()
	return &domain.BookingContext{
		BookingRef:  "bk-1001",
		UserRef:     "user-17",
		Amount:      60000,
		Currency:    "USD",
		EventDate:   at.AddDate(0, 0, 3),
		SubmittedAt: at,
		Email:       "x@tempmail.com",
		IP:          "203.0.113.50",
	}
}

func TestEvaluateScoring(t *testing.T) {
	ctx := context.Background()

	t.Run("CombinedRulesReachHigh", func(t *testing.T) {
		eval, repo := newTestEvaluator(t, highValueRule(t), disposableEmailRule(t))

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}

		if a.RiskScore != 70 {
			t.Errorf("expected risk score 70, got %d", a.RiskScore)
		}
		if a.RiskLevel != domain.RiskHigh {
			t.Errorf("expected HIGH risk level, got %s", a.RiskLevel)
		}
		if !a.RequiresReview {
			t.Error("expected high-risk assessment to require review")
		}
		if a.AutoBlock {
			t.Error("expected no auto block without an autoBlock side effect")
		}
		if len(a.MatchedRules) != 2 {
			t.Fatalf("expected 2 matched rules, got %d", len(a.MatchedRules))
		}
		// Snapshot order is weight descending, so the pattern rule comes first.
		if a.MatchedRules[0].RuleID != "r-high-value-short-notice" {
			t.Errorf("expected pattern rule first, got %s", a.MatchedRules[0].RuleID)
		}
		if a.MatchedRules[1].Contribution != 40 {
			t.Errorf("expected email rule contribution 40, got %d", a.MatchedRules[1].Contribution)
		}

		saved, err := repo.GetAssessment(ctx, a.ID)
		if err != nil {
			t.Fatalf("assessment was not persisted: %v", err)
		}
		if saved.RiskScore != 70 || saved.ReviewStatus != domain.ReviewPending {
			t.Errorf("persisted assessment mismatch: score=%d status=%s", saved.RiskScore, saved.ReviewStatus)
		}
	})

	t.Run("NoMatchIsLow", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, highValueRule(t), disposableEmailRule(t))

		bc := testBooking()
		bc.Amount = 200
		bc.Email = "regular@example.com"
		bc.EventDate = bc.SubmittedAt.AddDate(0, 0, 60)

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("expected risk score 0, got %d", a.RiskScore)
		}
		if a.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW risk level, got %s", a.RiskLevel)
		}
		if a.RequiresReview {
			t.Error("expected low-risk assessment to not require review")
		}
		if a.MatchedRules == nil {
			t.Error("expected empty matched rules slice, not nil")
		}
	})

	t.Run("SingleRuleIsMedium", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, highValueRule(t))

		bc := testBooking()
		bc.Email = "regular@example.com"

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 30 {
			t.Errorf("expected risk score 30, got %d", a.RiskScore)
		}
		if a.RiskLevel != domain.RiskMedium {
			t.Errorf("expected MEDIUM risk level, got %s", a.RiskLevel)
		}
		if !a.RequiresReview {
			t.Error("expected medium-risk assessment to require review")
		}
	})

	t.Run("ScoreClampedAtMax", func(t *testing.T) {
		big := disposableEmailRule(t)
		big.ID = "r-huge"
		big.ScoreContribution = 5000

		eval, _ := newTestEvaluator(t, big)

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != domain.MaxRiskScore {
			t.Errorf("expected score clamped to %d, got %d", domain.MaxRiskScore, a.RiskScore)
		}
	})

	t.Run("InactiveRulesIgnored", func(t *testing.T) {
		inactive := disposableEmailRule(t)
		inactive.Active = false

		eval, _ := newTestEvaluator(t, highValueRule(t), inactive)

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 30 {
			t.Errorf("expected only the active rule to score, got %d", a.RiskScore)
		}
	})

	t.Run("FlagReasonEmbedsScore", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, highValueRule(t), disposableEmailRule(t))

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		want := fmt.Sprintf("fraud assessment %s: risk score 70", a.ID)
		if a.FlagReason() != want {
			t.Errorf("flag reason = %q, want %q", a.FlagReason(), want)
		}
	})
}

func TestEvaluateSideEffects(t *testing.T) {
	ctx := context.Background()

	t.Run("FlagForReviewForcesReview", func(t *testing.T) {
		flagged := disposableEmailRule(t)
		flagged.ScoreContribution = 5 // below the MEDIUM threshold
		flagged.SideEffects = domain.SideEffects{FlagForReview: true}

		eval, _ := newTestEvaluator(t, flagged)

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskLevel != domain.RiskLow {
			t.Fatalf("expected LOW level for score 5, got %s", a.RiskLevel)
		}
		if !a.RequiresReview {
			t.Error("expected flagForReview side effect to force review")
		}
	})

	t.Run("AutoBlockSideEffect", func(t *testing.T) {
		blocking := disposableEmailRule(t)
		blocking.SideEffects = domain.SideEffects{AutoBlock: true}

		eval, _ := newTestEvaluator(t, blocking)

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !a.AutoBlock {
			t.Error("expected autoBlock side effect to set AutoBlock")
		}
	})
}

func TestEvaluateBlacklist(t *testing.T) {
	ctx := context.Background()

	t.Run("BlacklistedEmailOverrides", func(t *testing.T) {
		eval, repo := newTestEvaluator(t)

		err := repo.AddBlacklistEntry(ctx, &domain.BlacklistEntry{
			Kind:      domain.BlacklistEmail,
			Value:     "x@tempmail.com",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed blacklist: %v", err)
		}

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !a.BlacklistHit {
			t.Error("expected blacklist hit")
		}
		if !a.AutoBlock {
			t.Error("expected blacklist hit to auto block")
		}
		if a.RiskLevel != domain.RiskHigh {
			t.Errorf("expected HIGH level on blacklist hit, got %s", a.RiskLevel)
		}
		if !a.RequiresReview {
			t.Error("expected blacklist hit to require review")
		}
		// The rule score is untouched; only the level is overridden.
		if a.RiskScore != 0 {
			t.Errorf("expected score 0 with no rules loaded, got %d", a.RiskScore)
		}
	})

	t.Run("BlacklistedEmailFiresEmailRules", func(t *testing.T) {
		// An email rule fires on a blacklisted submitter even when the
		// domain list never mentions the address, so the ban shows up in
		// the score and matchedRules, not just the block.
		rule := disposableEmailRule(t)
		rule.Conditions = mustJSON(t, domain.EmailConditions{
			SuspiciousDomains: []string{"othermail.com"},
		})

		eval, repo := newTestEvaluator(t, rule)

		err := repo.AddBlacklistEntry(ctx, &domain.BlacklistEntry{
			Kind:      domain.BlacklistEmail,
			Value:     "x@tempmail.com",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed blacklist: %v", err)
		}

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 40 {
			t.Errorf("expected the email rule to contribute 40, got %d", a.RiskScore)
		}
		if len(a.MatchedRules) != 1 || a.MatchedRules[0].RuleID != rule.ID {
			t.Errorf("expected the email rule in matched rules, got %v", a.MatchedRules)
		}
		if !a.BlacklistHit || !a.AutoBlock || a.RiskLevel != domain.RiskHigh {
			t.Errorf("expected blocked HIGH assessment, got hit=%v block=%v level=%s",
				a.BlacklistHit, a.AutoBlock, a.RiskLevel)
		}
	})

	t.Run("BlacklistedIPDoesNotFireEmailRules", func(t *testing.T) {
		// An IP ban blocks the booking but says nothing about the email.
		rule := disposableEmailRule(t)
		rule.Conditions = mustJSON(t, domain.EmailConditions{
			SuspiciousDomains: []string{"othermail.com"},
		})

		eval, repo := newTestEvaluator(t, rule)

		err := repo.AddBlacklistEntry(ctx, &domain.BlacklistEntry{
			Kind:      domain.BlacklistIP,
			Value:     "203.0.113.50",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed blacklist: %v", err)
		}

		bc := testBooking()
		bc.Email = "regular@example.com"

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 0 || len(a.MatchedRules) != 0 {
			t.Errorf("expected no rule match on an IP ban, got score=%d matched=%v",
				a.RiskScore, a.MatchedRules)
		}
		if !a.AutoBlock {
			t.Error("expected IP ban to still block")
		}
	})

	t.Run("BlacklistedIPOverrides", func(t *testing.T) {
		eval, repo := newTestEvaluator(t)

		err := repo.AddBlacklistEntry(ctx, &domain.BlacklistEntry{
			Kind:      domain.BlacklistIP,
			Value:     "203.0.113.50",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed blacklist: %v", err)
		}

		bc := testBooking()
		bc.Email = "regular@example.com"

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !a.BlacklistHit || !a.AutoBlock {
			t.Errorf("expected IP blacklist hit to block, got hit=%v block=%v", a.BlacklistHit, a.AutoBlock)
		}
	})
}

func TestEvaluateVelocity(t *testing.T) {
	ctx := context.Background()

	velocityRule := func(t *testing.T, maxAttempts int) *domain.Rule {
		return &domain.Rule{
			ID:   "r-ip-burst",
			Name: "ip burst",
			Type: domain.RuleTypeVelocity,
			Conditions: mustJSON(t, domain.VelocityConditions{
				Subject:     domain.SubjectIP,
				MaxAttempts: maxAttempts,
				WindowHours: 1,
			}),
			ScoreContribution: 50,
			Active:            true,
		}
	}

	t.Run("FiresOnAttemptAfterMax", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, velocityRule(t, 5))

		// The current attempt counts toward the window, so attempts one
		// through five stay under the limit and the sixth trips it.
		base := submittedAt()
		for i := 0; i < 5; i++ {
			bc := testBooking()
			bc.BookingRef = fmt.Sprintf("bk-%d", i)
			bc.Email = "regular@example.com"
			bc.SubmittedAt = base.Add(time.Duration(i) * time.Minute)

			a, err := eval.Evaluate(ctx, bc)
			if err != nil {
				t.Fatalf("evaluate %d failed: %v", i, err)
			}
			if a.RiskScore != 0 {
				t.Fatalf("attempt %d: expected no velocity match, got score %d", i+1, a.RiskScore)
			}
		}

		bc := testBooking()
		bc.BookingRef = "bk-6"
		bc.Email = "regular@example.com"
		bc.SubmittedAt = base.Add(5 * time.Minute)

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 50 {
			t.Errorf("sixth attempt: expected velocity match with score 50, got %d", a.RiskScore)
		}
	})

	t.Run("OldAttemptsOutsideWindow", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, velocityRule(t, 1))

		base := submittedAt()
		first := testBooking()
		first.Email = "regular@example.com"
		first.SubmittedAt = base.Add(-2 * time.Hour)
		if _, err := eval.Evaluate(ctx, first); err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}

		second := testBooking()
		second.BookingRef = "bk-2"
		second.Email = "regular@example.com"
		second.SubmittedAt = base
		a, err := eval.Evaluate(ctx, second)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("expected stale attempt to fall outside the window, got score %d", a.RiskScore)
		}
	})

	t.Run("MissingSubjectFieldSkips", func(t *testing.T) {
		eval, _ := newTestEvaluator(t, velocityRule(t, 1))

		bc := testBooking()
		bc.Email = "regular@example.com"
		bc.IP = ""

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("expected no match without an IP, got score %d", a.RiskScore)
		}
	})
}

func TestEvaluateHistoryAndCustom(t *testing.T) {
	ctx := context.Background()

	t.Run("HistoryRule", func(t *testing.T) {
		rule := &domain.Rule{
			ID:   "r-chronic-canceller",
			Name: "chronic canceller",
			Type: domain.RuleTypeHistory,
			Conditions: mustJSON(t, domain.HistoryConditions{
				MinBookings:           5,
				CancellationThreshold: 0.5,
			}),
			ScoreContribution: 25,
			Active:            true,
		}
		eval, _ := newTestEvaluator(t, rule)

		bc := testBooking()
		bc.Email = "regular@example.com"
		bc.Amount = 100
		bc.CompletedBookings = 3
		bc.CancelledBookings = 4

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 25 {
			t.Errorf("expected history match, got score %d", a.RiskScore)
		}

		// Too little history to judge.
		thin := testBooking()
		thin.BookingRef = "bk-thin"
		thin.Email = "regular@example.com"
		thin.Amount = 100
		thin.CompletedBookings = 1
		thin.CancelledBookings = 1

		a, err = eval.Evaluate(ctx, thin)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("expected no match below minBookings, got score %d", a.RiskScore)
		}
	})

	t.Run("CustomRule", func(t *testing.T) {
		rule := &domain.Rule{
			ID:   "r-new-account-big-spend",
			Name: "new account big spend",
			Type: domain.RuleTypeCustom,
			Conditions: mustJSON(t, domain.CustomConditions{
				Expression: `amount > 10000.0 && account_age_days < 30`,
			}),
			ScoreContribution: 35,
			Active:            true,
		}
		eval, _ := newTestEvaluator(t, rule)

		bc := testBooking()
		bc.Email = "regular@example.com"
		bc.AccountAgeDays = 3

		a, err := eval.Evaluate(ctx, bc)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 35 {
			t.Errorf("expected custom rule match, got score %d", a.RiskScore)
		}
	})
}

func TestEvaluateFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistenceFailure", func(t *testing.T) {
		closed := newTestRepo(t)
		closed.Close()

		catalog, err := rules.NewCatalog()
		if err != nil {
			t.Fatalf("failed to create catalog: %v", err)
		}

		// Blacklist and velocity paths are healthy; only the save fails.
		eval := New(catalog, velocity.NewMemoryCounter(24*time.Hour), nil,
			closed, nil, nil, testThresholds)

		_, err = eval.Evaluate(ctx, testBooking())
		if !errors.Is(err, domain.ErrPersistenceFailure) {
			t.Errorf("expected ErrPersistenceFailure, got %v", err)
		}
	})

	t.Run("BlacklistBackendDown", func(t *testing.T) {
		repo := newTestRepo(t)
		catalog, err := rules.NewCatalog()
		if err != nil {
			t.Fatalf("failed to create catalog: %v", err)
		}

		eval := New(catalog, velocity.NewMemoryCounter(24*time.Hour),
			blacklist.NewStore(failingRepo{repo}, nil), repo, nil, nil, testThresholds)

		_, err = eval.Evaluate(ctx, testBooking())
		if !errors.Is(err, domain.ErrEvaluationUnavailable) {
			t.Errorf("expected ErrEvaluationUnavailable, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "blacklist") {
			t.Errorf("expected blacklist context in error, got %v", err)
		}
	})

	t.Run("VelocityBackendDown", func(t *testing.T) {
		repo := newTestRepo(t)
		catalog, err := rules.NewCatalog()
		if err != nil {
			t.Fatalf("failed to create catalog: %v", err)
		}

		eval := New(catalog, failingCounter{}, blacklist.NewStore(repo, nil),
			repo, nil, nil, testThresholds)

		_, err = eval.Evaluate(ctx, testBooking())
		if !errors.Is(err, domain.ErrEvaluationUnavailable) {
			t.Errorf("expected ErrEvaluationUnavailable, got %v", err)
		}
	})

	t.Run("BrokenCustomRuleSkipped", func(t *testing.T) {
		// A custom rule that compiles fine but errors at evaluation time
		// (integer division by zero). The rule is skipped and the rest of
		// the catalog still scores.
		broken := &domain.Rule{
			ID:   "r-broken",
			Name: "broken",
			Type: domain.RuleTypeCustom,
			Conditions: mustJSON(t, domain.CustomConditions{
				Expression: `total_bookings / (account_age_days - account_age_days) > 1`,
			}),
			ScoreContribution: 90,
			Weight:            100,
			Active:            true,
		}

		eval, _ := newTestEvaluator(t, broken, highValueRule(t))

		a, err := eval.Evaluate(ctx, testBooking())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if a.RiskScore != 30 {
			t.Errorf("expected only the pattern rule to score, got %d", a.RiskScore)
		}
	})
}

// failingRepo wraps a working repository but fails blacklist lookups,
// standing in for an unreachable database.
type failingRepo struct {
	domain.Repository
}

func (failingRepo) GetBlacklistEntry(ctx context.Context, kind domain.BlacklistKind, value string) (*domain.BlacklistEntry, error) {
	return nil, errors.New("connection refused")
}

// failingCounter fails every velocity operation.
type failingCounter struct{}

func (failingCounter) Increment(ctx context.Context, key string, at time.Time) error {
	return errors.New("connection refused")
}

func (failingCounter) Count(ctx context.Context, key string, window time.Duration, asOf time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCounter) Compact(ctx context.Context, olderThan time.Time) error {
	return errors.New("connection refused")
}

func (failingCounter) Ping(ctx context.Context) error { return errors.New("connection refused") }
func (failingCounter) Close() error                   { return nil }
