package telemetry

import "fmt"

// Config holds telemetry settings.
type Config struct {
	// Enabled controls whether metrics are collected and exported.
	Enabled bool `koanf:"enabled"`

	// ServiceName identifies this service in exported metrics.
	ServiceName string `koanf:"service_name"`

	// ServiceVersion is attached to the service resource.
	ServiceVersion string `koanf:"service_version"`
}

// NewDefaultConfig returns telemetry defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		ServiceName:    "chatd",
		ServiceVersion: "dev",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Enabled && c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	return nil
}
