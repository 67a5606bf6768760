package velocity

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// MemoryCounter is an in-memory sliding-window counter. Keys are spread
// over a fixed set of shards so concurrent increments for distinct keys do
// not contend on a single lock.
type MemoryCounter struct {
	shards    [shardCount]*shard
	retention time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryCounter creates a memory-backed counter with the given retention.
func NewMemoryCounter(retention time.Duration) *MemoryCounter {
	if retention < DefaultRetention {
		retention = DefaultRetention
	}
	c := &MemoryCounter{retention: retention}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return c
}

func (c *MemoryCounter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Increment records one attempt for the subject key. Timestamps are kept
// in insertion order; evaluation always supplies non-decreasing times, and
// Count tolerates slight disorder by scanning the whole slice.
func (c *MemoryCounter) Increment(ctx context.Context, subjectKey string, at time.Time) error {
	s := c.shardFor(subjectKey)
	s.mu.Lock()
	s.entries[subjectKey] = append(s.entries[subjectKey], at)
	s.mu.Unlock()
	return nil
}

// Count returns the number of increments in (asOf-window, asOf].
func (c *MemoryCounter) Count(ctx context.Context, subjectKey string, window time.Duration, asOf time.Time) (int64, error) {
	cutoff := asOf.Add(-window)

	s := c.shardFor(subjectKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, at := range s.entries[subjectKey] {
		if at.After(cutoff) && !at.After(asOf) {
			n++
		}
	}
	return n, nil
}

// Compact drops increments older than the cutoff and removes empty keys.
func (c *MemoryCounter) Compact(ctx context.Context, olderThan time.Time) error {
	for _, s := range c.shards {
		s.mu.Lock()
		for key, times := range s.entries {
			kept := times[:0]
			for _, at := range times {
				if !at.Before(olderThan) {
					kept = append(kept, at)
				}
			}
			if len(kept) == 0 {
				delete(s.entries, key)
				continue
			}
			sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
			s.entries[key] = kept
		}
		s.mu.Unlock()
	}
	return nil
}

// StartCompaction runs Compact on the given interval until the context is
// cancelled. Retention follows the counter's configured retention.
func (c *MemoryCounter) StartCompaction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = c.Compact(ctx, now.Add(-c.retention))
			}
		}
	}()
}

// Ping reports counter health. Always healthy for the memory backend.
func (c *MemoryCounter) Ping(ctx context.Context) error {
	return nil
}

// Close releases all state.
func (c *MemoryCounter) Close() error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string][]time.Time)
		s.mu.Unlock()
	}
	return nil
}
