package extension

import "time"

// Config holds the Turnstile extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.turnstile" or "turnstile" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// FailOpen allows quota checks to pass when quota state cannot be
	// read. When false such checks deny (default: false).
	FailOpen bool `json:"fail_open" mapstructure:"fail_open" yaml:"fail_open"`

	// FlushBatchSize is the number of open rollup buckets that triggers
	// a flush to the store (default: 500).
	FlushBatchSize int `json:"flush_batch_size" mapstructure:"flush_batch_size" yaml:"flush_batch_size"`

	// FlushInterval is how frequently open rollup buckets are flushed
	// even if the batch size has not been reached (default: 5s).
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval" yaml:"flush_interval"`

	// CacheTTL controls how long resolved quota state is cached
	// in-process before re-evaluating against the store (default: 10s).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// SweepInterval is how often expired reservations are reclaimed
	// (default: 10s).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// EventTypes pre-registers the schema event types accepted at
	// ingestion.
	EventTypes []string `json:"event_types" mapstructure:"event_types" yaml:"event_types"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushBatchSize: 500,
		FlushInterval:  5 * time.Second,
		CacheTTL:       10 * time.Second,
		SweepInterval:  10 * time.Second,
	}
}
