package domain

import "time"

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backend selection
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Velocity   VelocityConfig   `json:"velocity"`

	// Risk policy
	Thresholds RiskThresholds `json:"thresholds"`
	Alerts     AlertConfig    `json:"alerts"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// RiskThresholds map the clamped risk score to a level. Scores below
// Medium are LOW, scores below High are MEDIUM, the rest HIGH. Policy
// defaults, tunable per deployment.
type RiskThresholds struct {
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// LevelFor derives the risk level for a score.
func (t RiskThresholds) LevelFor(score int) RiskLevel {
	switch {
	case score < t.Medium:
		return RiskLow
	case score < t.High:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// AlertConfig holds alert retention settings.
type AlertConfig struct {
	// Retention is how long alerts live before the purge removes them.
	Retention time.Duration `json:"retention"`

	// PurgeInterval is how often the background purge runs.
	PurgeInterval time.Duration `json:"purgeInterval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory counters + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Velocity: VelocityConfig{
			Backend:   "memory",
			Retention: 24 * time.Hour,
		},
		Thresholds: RiskThresholds{
			Medium: 30,
			High:   70,
		},
		Alerts: AlertConfig{
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Velocity = VelocityConfig{
		Backend:   "redis",
		Retention: 24 * time.Hour,
		RedisAddr: "localhost:6379",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
