/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the oversight core's configuration, per spec §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FinalAction enumerates the disposition applied when the final tier
// times out without quorum (spec §4.7, §6).
type FinalAction string

const (
	FinalActionAutoDeny          FinalAction = "AUTO_DENY"
	FinalActionAutoApprove       FinalAction = "AUTO_APPROVE"
	FinalActionBlockIndefinitely FinalAction = "BLOCK_INDEFINITELY"
)

// Config is the oversight core's runtime configuration, with defaults
// matching spec §6's named values.
type Config struct {
	Server struct {
		HTTPPort    string `yaml:"http_port"`
		MetricsPort string `yaml:"metrics_port"`
	} `yaml:"server"`

	Database struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Oversight struct {
		TierTimeoutMin      time.Duration `yaml:"tier_timeout_min"`
		TierTimeoutMax      time.Duration `yaml:"tier_timeout_max"`
		TokenTTL            time.Duration `yaml:"token_ttl"`
		DeliveryRetrySchedule []time.Duration `yaml:"delivery_retry_schedule"`
		PublicKeyCacheTTL   time.Duration `yaml:"public_key_cache_ttl"`
		PostRotationGrace   time.Duration `yaml:"post_rotation_grace"`
		CheckpointSaveTimeout time.Duration `yaml:"checkpoint_save_timeout"`
		FinalAction         FinalAction   `yaml:"final_action"`
		ConsensusClockRequired bool       `yaml:"consensus_clock_required"`
		MaxTiers            int           `yaml:"max_tiers"`
		AuditBufferLimit    int           `yaml:"audit_buffer_limit"`
	} `yaml:"oversight"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns a Config populated with spec §6's named defaults.
func Default() *Config {
	c := &Config{}
	c.Server.HTTPPort = "8080"
	c.Server.MetricsPort = "9090"
	c.Database.MaxOpenConns = 10
	c.Database.ConnMaxLifetime = time.Hour
	c.Redis.Addr = "localhost:6379"
	c.Oversight.TierTimeoutMin = 60 * time.Second
	c.Oversight.TierTimeoutMax = 7 * 24 * time.Hour
	c.Oversight.TokenTTL = 60 * time.Second
	c.Oversight.DeliveryRetrySchedule = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}
	c.Oversight.PublicKeyCacheTTL = 5 * time.Minute
	c.Oversight.PostRotationGrace = 30 * 24 * time.Hour
	c.Oversight.CheckpointSaveTimeout = 50 * time.Millisecond
	c.Oversight.FinalAction = FinalActionAutoDeny
	c.Oversight.ConsensusClockRequired = true
	c.Oversight.MaxTiers = 10
	c.Oversight.AuditBufferLimit = 10000
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return c
}

// Load reads a YAML config file at path, overlaying it on Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration invariants that spec §3/§6 require.
func (c *Config) Validate() error {
	if c.Oversight.TierTimeoutMin < 60*time.Second {
		return fmt.Errorf("oversight.tier_timeout_min must be >= 60s, got %s", c.Oversight.TierTimeoutMin)
	}
	if c.Oversight.TierTimeoutMax > 7*24*time.Hour {
		return fmt.Errorf("oversight.tier_timeout_max must be <= 7 days, got %s", c.Oversight.TierTimeoutMax)
	}
	if c.Oversight.TierTimeoutMin > c.Oversight.TierTimeoutMax {
		return fmt.Errorf("oversight.tier_timeout_min (%s) must be <= tier_timeout_max (%s)",
			c.Oversight.TierTimeoutMin, c.Oversight.TierTimeoutMax)
	}
	if c.Oversight.MaxTiers < 1 || c.Oversight.MaxTiers > 10 {
		return fmt.Errorf("oversight.max_tiers must be in [1,10], got %d", c.Oversight.MaxTiers)
	}
	switch c.Oversight.FinalAction {
	case FinalActionAutoDeny, FinalActionAutoApprove, FinalActionBlockIndefinitely:
	default:
		return fmt.Errorf("oversight.final_action must be one of AUTO_DENY, AUTO_APPROVE, BLOCK_INDEFINITELY, got %q", c.Oversight.FinalAction)
	}
	return nil
}
