package config

import (
	"fmt"
	"time"
)

// BaseConfig provides common configuration fields for all observers
type BaseConfig struct {
	// Name is the unique identifier for the observer instance
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// MetricsEnabled determines if the observer should record OTEL metrics (default: true)
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// ProcessingTimeout bounds a single sampling run (default: 30s)
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout" mapstructure:"processing_timeout"`

	// MaxRetries for recoverable operations (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// HealthCheckInterval is how long without a completed cycle before health degrades (default: 30s)
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" mapstructure:"health_check_interval"`
}

// ObserverConfig defines the interface all observer configurations must implement
type ObserverConfig interface {
	// GetBaseConfig returns the embedded base configuration
	GetBaseConfig() *BaseConfig

	// Validate performs configuration validation
	Validate() error

	// SetDefaults applies default values to unset fields
	SetDefaults()
}

// DefaultBaseConfig returns a BaseConfig with sensible defaults
func DefaultBaseConfig() *BaseConfig {
	return &BaseConfig{
		MetricsEnabled:      true,
		ProcessingTimeout:   30 * time.Second,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// GetBaseConfig implements ObserverConfig interface
func (c *BaseConfig) GetBaseConfig() *BaseConfig {
	return c
}

// Validate performs base configuration validation
func (c *BaseConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("observer name cannot be empty")
	}

	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing_timeout must be positive, got %v", c.ProcessingTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %v", c.HealthCheckInterval)
	}

	return nil
}

// SetDefaults applies default values to unset fields
func (c *BaseConfig) SetDefaults() {
	if c.ProcessingTimeout == 0 {
		c.ProcessingTimeout = 30 * time.Second
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}

	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}
