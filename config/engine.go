package config

import "time"

// RegistryConfig contains alert lifecycle registry configuration.
type RegistryConfig struct {
	// ExpiryWindow is how long an alert stays active without an accepted
	// revision before the registry lifts it on its own. The upstream
	// provider never cancels quiet alerts explicitly over the realtime
	// feed, so this models silent expiry.
	ExpiryWindow time.Duration `env:"REGISTRY_EXPIRY_WINDOW" envDefault:"4m"`
}

// Sanitize applies guardrails to registry configuration values.
func (c *RegistryConfig) Sanitize() {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 4 * time.Minute
	}
}

// DispatchConfig contains dispatch engine configuration.
type DispatchConfig struct {
	// QueueDepth bounds each backend's pending delivery queue. When a
	// backend falls this far behind, a pending update for it is dropped
	// and logged. New and lift deliveries are never dropped.
	QueueDepth int `env:"DISPATCH_QUEUE_DEPTH" envDefault:"64"`

	// HookTimeout bounds a single backend hook invocation.
	HookTimeout time.Duration `env:"DISPATCH_HOOK_TIMEOUT" envDefault:"30s"`

	// DrainTimeout bounds how long shutdown waits for queued deliveries
	// to finish.
	DrainTimeout time.Duration `env:"DISPATCH_DRAIN_TIMEOUT" envDefault:"15s"`
}

// Sanitize applies guardrails to dispatch configuration values.
func (c *DispatchConfig) Sanitize() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
}
