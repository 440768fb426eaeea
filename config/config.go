package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - feed.go: upstream feed connection configuration
//   - engine.go: alert registry and dispatch engine configuration
//   - backends.go: notification backend selection and stores
//   - observability.go: metrics and logging configuration
type AppConfig struct {
	// IsDev enables development-mode behavior (text log output, debug level).
	// Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Upstream feed configuration
	Feed FeedConfig

	// Alert lifecycle registry configuration
	Registry RegistryConfig

	// Dispatch engine configuration
	Dispatch DispatchConfig

	// Notification backend configuration
	Backends BackendsConfig

	// Store configuration for the archive and history backends
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Postgres PostgresConfig `envPrefix:"DB_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Feed.Sanitize()
	c.Registry.Sanitize()
	c.Dispatch.Sanitize()
	c.Backends.Sanitize()
	c.Observability.Sanitize()
}
