package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Adapter kinds a platform entry may select.
const (
	KindAPI     = "api"
	KindBrowser = "browser"
	KindMock    = "mock"
)

// PlatformConfig carries the immutable per-marketplace settings loaded at startup.
type PlatformConfig struct {
	PlatformID            string  `yaml:"platform_id"`
	Enabled               bool    `yaml:"enabled"`
	Kind                  string  `yaml:"kind"`
	BaseURL               string  `yaml:"base_url"`
	SearchPath            string  `yaml:"search_path"`
	PurchasePath          string  `yaml:"purchase_path"`
	APIKey                string  `yaml:"api_key"`
	RateLimitPerSecond    float64 `yaml:"rate_limit_per_second"`
	RateLimitPerHour      int     `yaml:"rate_limit_per_hour"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryDelayMs          int     `yaml:"retry_delay_ms"`
	ReliabilityMultiplier float64 `yaml:"reliability_multiplier"`
	TimeoutMs             int     `yaml:"timeout_ms"`

	// Browser adapters only: CSS selectors for result cards and their fields.
	Selectors map[string]string `yaml:"selectors"`
}

// Timeout is the hard ceiling on one adapter call.
func (p PlatformConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// RetryDelay is the base delay between adapter retries.
func (p PlatformConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// Validate rejects malformed entries so they fail at startup, not per request.
func (p PlatformConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(p.PlatformID) == "" {
		errs = append(errs, errors.New("platform_id is required"))
	}
	switch p.Kind {
	case KindAPI, KindBrowser:
		if strings.TrimSpace(p.BaseURL) == "" {
			errs = append(errs, errors.New("base_url is required"))
		}
	case KindMock:
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", p.Kind))
	}
	if p.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit_per_second must be positive"))
	}
	if p.RateLimitPerHour <= 0 {
		errs = append(errs, errors.New("rate_limit_per_hour must be positive"))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if p.RetryDelayMs < 0 {
		errs = append(errs, errors.New("retry_delay_ms must not be negative"))
	}
	if p.ReliabilityMultiplier < 0 || p.ReliabilityMultiplier > 1 {
		errs = append(errs, errors.New("reliability_multiplier must be within [0,1]"))
	}
	if p.TimeoutMs <= 0 {
		errs = append(errs, errors.New("timeout_ms must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("platform %q: %w", p.PlatformID, err)
	}
	return nil
}
