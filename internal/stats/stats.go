// Package stats reports aggregate assessment figures for the admin console.
package stats

import (
	"context"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

// DefaultWindowDays is the reporting window used when the caller gives none.
const DefaultWindowDays = 30

// Aggregator computes assessment statistics over a trailing window.
type Aggregator struct {
	repo domain.Repository
	now  func() time.Time
}

// NewAggregator creates a statistics aggregator backed by the repository.
func NewAggregator(repo domain.Repository) *Aggregator {
	return &Aggregator{
		repo: repo,
		now:  time.Now,
	}
}

// Stats returns figures for assessments created in the last sinceDays days.
// sinceDays <= 0 falls back to DefaultWindowDays. An empty window yields
// zero counts and a fraud rate of 0, never a division error.
func (a *Aggregator) Stats(ctx context.Context, sinceDays int) (*domain.Stats, error) {
	if sinceDays <= 0 {
		sinceDays = DefaultWindowDays
	}

	cutoff := a.now().UTC().AddDate(0, 0, -sinceDays)
	return a.repo.AssessmentStats(ctx, cutoff)
}
