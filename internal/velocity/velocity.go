// Package velocity provides sliding-window attempt counters.
package velocity

import (
	"fmt"
	"time"

	"github.com/starbooked/merlin/internal/domain"
)

// DefaultRetention is the minimum housekeeping retention. Increments are
// kept at least this long regardless of configured rule windows.
const DefaultRetention = 24 * time.Hour

// New creates a velocity counter based on configuration.
func New(cfg domain.VelocityConfig) (domain.VelocityCounter, error) {
	retention := cfg.Retention
	if retention < DefaultRetention {
		retention = DefaultRetention
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCounter(retention), nil

	case "redis":
		return NewRedisCounter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, retention)

	default:
		return nil, fmt.Errorf("unsupported velocity backend: %s", cfg.Backend)
	}
}
