// Package config defines the router's runtime configuration, loaded via
// pkg/config from a .env file and DDPROUTER_-prefixed environment
// variables (§5 and §7 of SPEC_FULL.md).
package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/kartikbazzad/ddprouter/pkg/config"
)

// EnvPrefix selects the environment variables this service reads.
const EnvPrefix = "DDPROUTER_"

// Config holds the recognized keys from SPEC_FULL.md §7. Unknown keys are
// ignored by the loader; MeteorURL, MongoURL, and RouterURL are required.
type Config struct {
	MeteorURL                   string `mapstructure:"meteor.url"`
	MongoURL                    string `mapstructure:"mongo.url"`
	RouterURL                   string `mapstructure:"router.url"`
	SubscriptionRerunIntervalMs int    `mapstructure:"subscription.rerun.interval.ms"`

	LogLevel  string `mapstructure:"log.level"`
	LogFormat string `mapstructure:"log.format"`
}

// Defaults returns a Config with every optional field set to its default
// value; required fields (MeteorURL, MongoURL, RouterURL) are left empty.
func Defaults() Config {
	return Config{
		SubscriptionRerunIntervalMs: 1000,
		LogLevel:                    "INFO",
		LogFormat:                   "json",
	}
}

// Load reads configuration from .env and the environment, applying
// defaults for any field left unset, and validates required keys.
func Load() (Config, error) {
	cfg := Defaults()
	if err := pkgconfig.Load(EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails startup (per SPEC_FULL.md §7) if a required key is
// missing.
func (c Config) Validate() error {
	var missing []string
	if c.MeteorURL == "" {
		missing = append(missing, "meteor_url")
	}
	if c.MongoURL == "" {
		missing = append(missing, "mongo_url")
	}
	if c.RouterURL == "" {
		missing = append(missing, "router_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration keys: %v", missing)
	}
	return nil
}

// SubscriptionRerunInterval returns the configured rerun interval for
// polling sources, falling back to the default if unset or non-positive.
func (c Config) SubscriptionRerunInterval() time.Duration {
	if c.SubscriptionRerunIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.SubscriptionRerunIntervalMs) * time.Millisecond
}
