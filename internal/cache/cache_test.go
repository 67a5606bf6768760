package cache

import (
	"context"
	"testing"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "key3", []byte("old"), time.Minute)
		_ = cache.Set(ctx, "key3", []byte("new"), time.Minute)

		val, _ := cache.Get(ctx, "key3")
		if string(val) != "new" {
			t.Errorf("expected 'new', got '%s'", string(val))
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(5)
		_ = c.Set(ctx, "x", []byte("1"), time.Minute)
		_ = c.Set(ctx, "y", []byte("2"), time.Minute)

		size, capacity := c.Stats()
		if size != 2 || capacity != 5 {
			t.Errorf("expected size=2 capacity=5, got size=%d capacity=%d", size, capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestNewBackendSelection(t *testing.T) {
	t.Run("DefaultIsMemory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("UnknownBackendRejected", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unknown cache type")
		}
	})
}
