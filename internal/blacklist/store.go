// Package blacklist provides the email/IP denylist consulted on every
// evaluation.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

// lookupTTL bounds how long a lookup result may be served from cache.
// Kept short so a freshly added ban takes effect quickly.
const lookupTTL = 30 * time.Second

var (
	cacheHit  = []byte{'1'}
	cacheMiss = []byte{'0'}
)

// Store answers blacklist lookups, caching results on the hot path.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
	now   func() time.Time
}

// NewStore creates a blacklist store. The cache is optional.
func NewStore(repo domain.Repository, cache domain.Cache) *Store {
	return &Store{
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// IsBlacklisted reports whether the value is actively banned. Emails match
// case-insensitively, IPs exactly. An entry past its expiry is inactive but
// is left in place for the maintenance path to delete.
func (s *Store) IsBlacklisted(ctx context.Context, kind domain.BlacklistKind, value string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown blacklist kind %q", kind)
	}
	value = domain.NormalizeBlacklistValue(kind, value)
	if value == "" {
		return false, nil
	}

	cacheKey := "blacklist:" + string(kind) + ":" + value
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			return cached[0] == cacheHit[0], nil
		}
	}

	entry, err := s.repo.GetBlacklistEntry(ctx, kind, value)
	if errors.Is(err, domain.ErrNotFound) {
		s.cacheResult(ctx, cacheKey, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup failed: %w", err)
	}

	banned := entry.ActiveAt(s.now())
	s.cacheResult(ctx, cacheKey, banned)
	return banned, nil
}

// Add inserts a new blacklist entry. Returns ErrDuplicateBlacklistEntry if
// the value already exists; the existing entry (including its expiry) is
// never modified by a duplicate add.
func (s *Store) Add(ctx context.Context, e *domain.BlacklistEntry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown blacklist kind %q", e.Kind)
	}
	e.Value = domain.NormalizeBlacklistValue(e.Kind, e.Value)
	if e.Value == "" {
		return fmt.Errorf("blacklist value is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	if err := s.repo.AddBlacklistEntry(ctx, e); err != nil {
		return err
	}

	s.invalidate(ctx, e.Kind, e.Value)
	slog.Info("blacklist entry added",
		"kind", e.Kind,
		"value", e.Value,
		"added_by", e.AddedBy,
	)
	return nil
}

// Remove deletes an entry. Maintenance operation; the lookup path never
// deletes.
func (s *Store) Remove(ctx context.Context, kind domain.BlacklistKind, value string) error {
	value = domain.NormalizeBlacklistValue(kind, value)
	if err := s.repo.DeleteBlacklistEntry(ctx, kind, value); err != nil {
		return err
	}
	s.invalidate(ctx, kind, value)
	return nil
}

// List returns entries of the given kind, or all entries when kind is "".
func (s *Store) List(ctx context.Context, kind domain.BlacklistKind) ([]*domain.BlacklistEntry, error) {
	return s.repo.ListBlacklistEntries(ctx, kind)
}

func (s *Store) cacheResult(ctx context.Context, key string, banned bool) {
	if s.cache == nil {
		return
	}
	val := cacheMiss
	if banned {
		val = cacheHit
	}
	if err := s.cache.Set(ctx, key, val, lookupTTL); err != nil {
		slog.Debug("blacklist cache set failed", "error", err)
	}
}

func (s *Store) invalidate(ctx context.Context, kind domain.BlacklistKind, value string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, "blacklist:"+string(kind)+":"+value)
}
