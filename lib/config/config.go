// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the herald
// dispatch core.
//
// Configuration is loaded from a single YAML file specified by the
// HERALD_CONFIG environment variable or an explicit path. There are no
// fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The only expansion performed is ${VAR} / ${VAR:-default} substitution
// in path values, for portability of files referencing ${HOME} and
// similar.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a herald router instance.
type Config struct {
	// Routing configures lane selection and boot behavior.
	Routing RoutingConfig `yaml:"routing"`

	// Limits configures resource caps.
	Limits LimitsConfig `yaml:"limits"`

	// Stats configures aggregate delivery statistics.
	Stats StatsConfig `yaml:"stats"`

	// PolicyFile is the path of the JSONC admission-policy definition.
	// Empty means the built-in default policy.
	PolicyFile string `yaml:"policy_file"`
}

// RoutingConfig configures lane selection and boot behavior.
type RoutingConfig struct {
	// OffloadEnabled routes offload-eligible messages to the offload
	// lane. When false they take the default lane.
	// Default: false.
	OffloadEnabled bool `yaml:"offload_enabled"`

	// ReadyAtStart marks the router ready immediately, skipping the
	// boot phase in which submissions are forced to reach registered
	// subscribers only. Hosts with no boot sequencing set this.
	// Default: false.
	ReadyAtStart bool `yaml:"ready_at_start"`
}

// LimitsConfig configures resource caps.
type LimitsConfig struct {
	// MaxSubscriptionsPerProcess caps the live subscriptions one
	// process may hold; registrations past the cap fail with a
	// resource-exhaustion error. Default: 1000.
	MaxSubscriptionsPerProcess int `yaml:"max_subscriptions_per_process"`
}

// StatsConfig configures aggregate delivery statistics.
type StatsConfig struct {
	// Window is how long one statistics window collects before it is
	// rotated out. Default: 24h.
	Window Duration `yaml:"window"`
}

// Duration wraps time.Duration for YAML parsing in the usual "300ms",
// "2h45m" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler using the standard duration
// notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxSubscriptionsPerProcess: 1000,
		},
		Stats: StatsConfig{
			Window: Duration(24 * time.Hour),
		},
	}
}

// Load loads configuration from the HERALD_CONFIG environment
// variable. There are no fallbacks: if HERALD_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	path := os.Getenv("HERALD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("HERALD_CONFIG environment variable not set; " +
			"set it to the path of your herald.yaml config file")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging the
// file's values over Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// variablePattern matches ${VAR} and ${VAR:-default}.
var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables substitutes environment variables in path values.
func (c *Config) expandVariables() {
	c.PolicyFile = expand(c.PolicyFile)
}

func expand(s string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := variablePattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

// Validate checks the configuration for structural problems, returning
// all of them joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Limits.MaxSubscriptionsPerProcess <= 0 {
		errs = append(errs, fmt.Errorf(
			"limits.max_subscriptions_per_process must be positive, got %d",
			c.Limits.MaxSubscriptionsPerProcess))
	}
	if c.Stats.Window <= 0 {
		errs = append(errs, fmt.Errorf(
			"stats.window must be positive, got %v", time.Duration(c.Stats.Window)))
	}
	return errors.Join(errs...)
}
