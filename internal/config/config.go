// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Typed service configuration loaded from a YAML file with
// environment variable overrides (DPO_* names, matching the gateway's
// deployment conventions).
//
// Precedence: defaults < YAML file < environment.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server struct {
		Addr          string `yaml:"addr" env:"DPO_LISTEN_ADDR"`
		PublicBaseURL string `yaml:"public_base_url" env:"DPO_PUBLIC_BASE_URL"`
		AllowDebug    bool   `yaml:"allow_debug" env:"DPO_ALLOW_DEBUG"`
	} `yaml:"server"`

	Auth struct {
		GatewaySharedSecret string `yaml:"gateway_shared_secret" env:"DPO_GATEWAY_SHARED_SECRET"`
	} `yaml:"auth"`

	Limits struct {
		RatePerMinute     int           `yaml:"rate_per_minute" env:"DPO_RATE_LIMIT_PER_MINUTE"`
		MaxConcurrentJobs int           `yaml:"max_concurrent_jobs" env:"DPO_MAX_CONCURRENT_JOBS"`
		JobTimeout        time.Duration `yaml:"job_timeout" env:"DPO_JOB_TIMEOUT"`
		MaxDatasetSizeMB  int           `yaml:"max_dataset_size_mb" env:"DPO_MAX_DATASET_SIZE_MB"`
		QueueBuffer       int           `yaml:"queue_buffer" env:"DPO_QUEUE_BUFFER"`
	} `yaml:"limits"`

	Idempotency struct {
		TTL time.Duration `yaml:"ttl" env:"DPO_IDEMPOTENCY_TTL"`
	} `yaml:"idempotency"`

	Retention struct {
		MaxAge        time.Duration `yaml:"max_age" env:"DPO_RETENTION_MAX_AGE"`
		SweepInterval time.Duration `yaml:"sweep_interval" env:"DPO_RETENTION_SWEEP_INTERVAL"`
	} `yaml:"retention"`

	Registration struct {
		RegisterURL    string `yaml:"register_url" env:"DPO_REGISTER_URL"`
		RegisterSecret string `yaml:"register_secret" env:"DPO_REGISTER_SECRET"`
		TTLSeconds     int    `yaml:"ttl_seconds" env:"DPO_SERVICE_TTL_SECONDS"`
	} `yaml:"registration"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"DPO_METRICS_ENABLED"`
		Port    int  `yaml:"port" env:"DPO_METRICS_PORT"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level" env:"DPO_LOG_LEVEL"`
	} `yaml:"log"`
}

// Default returns the configuration baseline before file and
// environment overrides.
func Default() Config {
	var c Config
	c.Server.Addr = ":8000"
	c.Limits.RatePerMinute = 5
	c.Limits.MaxConcurrentJobs = 2
	c.Limits.JobTimeout = time.Hour
	c.Limits.MaxDatasetSizeMB = 5
	c.Limits.QueueBuffer = 64
	c.Idempotency.TTL = 10 * time.Minute
	c.Retention.MaxAge = 24 * time.Hour
	c.Retention.SweepInterval = 10 * time.Minute
	c.Registration.TTLSeconds = 21600
	c.Metrics.Port = 9090
	c.Log.Level = "info"
	return c
}

// Load reads the YAML config at path (if path is non-empty and the
// file exists) and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Auth.GatewaySharedSecret == "" {
		return fmt.Errorf("auth.gateway_shared_secret (DPO_GATEWAY_SHARED_SECRET) is required for signature verification")
	}
	if c.Registration.RegisterURL != "" && c.Registration.RegisterSecret == "" {
		return fmt.Errorf("registration.register_secret is required when register_url is set")
	}
	if c.Limits.MaxConcurrentJobs < 1 {
		return fmt.Errorf("limits.max_concurrent_jobs must be at least 1")
	}
	return nil
}

// RegistrationEnabled reports whether gateway registration is fully
// configured. Registration is optional; an unset URL disables it.
func (c Config) RegistrationEnabled() bool {
	return c.Registration.RegisterURL != "" &&
		c.Registration.RegisterSecret != "" &&
		c.Server.PublicBaseURL != ""
}
