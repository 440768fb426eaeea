package config

import (
	"errors"
	"fmt"
	"strings"
)

// BackendsConfig selects which notification backends run.
//
// Each enabled backend reads its own typed configuration section from
// environment variables scoped by the backend's namespace, e.g. the
// "discord" backend reads BACKEND_DISCORD_* variables. The plugin registry
// performs that scoped parse at registration time; nothing re-reads raw
// configuration afterwards.
type BackendsConfig struct {
	// Enabled is the ordered, comma-separated list of backend names to
	// register, e.g. "discord,line,archive".
	Enabled []string `env:"BACKENDS" envSeparator:","`
}

// Sanitize applies guardrails to backend configuration values.
func (c *BackendsConfig) Sanitize() {
	enabled := c.Enabled[:0]
	for _, name := range c.Enabled {
		if name = strings.TrimSpace(strings.ToLower(name)); name != "" {
			enabled = append(enabled, name)
		}
	}
	c.Enabled = enabled
}

// Validate rejects duplicate backend names; the dispatch engine assumes one
// delivery queue per name.
func (c *BackendsConfig) Validate() error {
	if len(c.Enabled) == 0 {
		return errors.New("at least one backend must be configured via BACKENDS")
	}
	seen := make(map[string]bool, len(c.Enabled))
	for _, name := range c.Enabled {
		if seen[name] {
			return fmt.Errorf("duplicate backend name: %q", name)
		}
		seen[name] = true
	}
	return nil
}

// RedisConfig contains connection settings for the archive backend's store.
type RedisConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"       envDefault:"0"`
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig contains connection settings for the history backend's store.
type PostgresConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"eewrelay"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"     envDefault:"eewrelay"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`
}
