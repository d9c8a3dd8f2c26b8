package extension

import (
	"time"

	"github.com/xraph/grove"

	turnstile "github.com/xraph/turnstile"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/plugin"
	"github.com/xraph/turnstile/store"
	"github.com/xraph/turnstile/store/postgres"
	"github.com/xraph/turnstile/store/sqlite"
)

// Option configures the Turnstile Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithSQLiteStore constructs a SQLite-backed store over the given grove
// database.
func WithSQLiteStore(db *grove.DB) Option {
	return func(e *Extension) {
		e.store = sqlite.New(db)
	}
}

// WithPostgresStore constructs a PostgreSQL-backed store over the given
// grove database.
func WithPostgresStore(db *grove.DB) Option {
	return func(e *Extension) {
		e.store = postgres.New(db)
	}
}

// WithRegistry sets the identity registry the engine verifies against.
func WithRegistry(r identity.Registry) Option {
	return func(e *Extension) {
		e.registry = r
	}
}

// WithEngineOption passes a turnstile.Option through to the underlying engine.
func WithEngineOption(opt turnstile.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a turnstile plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, turnstile.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithFailOpen allows quota checks to pass when quota state cannot be read.
func WithFailOpen() Option {
	return func(e *Extension) { e.config.FailOpen = true }
}

// WithFlushBatchSize sets the number of open buckets that triggers a flush.
func WithFlushBatchSize(size int) Option {
	return func(e *Extension) { e.config.FlushBatchSize = size }
}

// WithFlushInterval sets how frequently open rollup buckets are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.FlushInterval = d }
}

// WithCacheTTL sets the in-process quota state cache duration.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.CacheTTL = d }
}

// WithEventTypes pre-registers accepted event types.
func WithEventTypes(names ...string) Option {
	return func(e *Extension) { e.config.EventTypes = append(e.config.EventTypes, names...) }
}
