package stats

import (
	"context"
	"testing"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

// recordingRepo captures the cutoff passed to AssessmentStats.
type recordingRepo struct {
	domain.Repository
	since time.Time
}

func (r *recordingRepo) AssessmentStats(ctx context.Context, since time.Time) (*domain.Stats, error) {
	r.since = since
	return &domain.Stats{}, nil
}

func TestStatsWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	repo := &recordingRepo{}
	agg := NewAggregator(repo)
	agg.now = func() time.Time { return now }

	t.Run("ExplicitWindow", func(t *testing.T) {
		if _, err := agg.Stats(ctx, 7); err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		want := now.AddDate(0, 0, -7)
		if !repo.since.Equal(want) {
			t.Errorf("expected cutoff %v, got %v", want, repo.since)
		}
	})

	t.Run("DefaultWindow", func(t *testing.T) {
		if _, err := agg.Stats(ctx, 0); err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		want := now.AddDate(0, 0, -DefaultWindowDays)
		if !repo.since.Equal(want) {
			t.Errorf("expected cutoff %v, got %v", want, repo.since)
		}
	})

	t.Run("NegativeWindowUsesDefault", func(t *testing.T) {
		if _, err := agg.Stats(ctx, -3); err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		want := now.AddDate(0, 0, -DefaultWindowDays)
		if !repo.since.Equal(want) {
			t.Errorf("expected cutoff %v, got %v", want, repo.since)
		}
	})
}
