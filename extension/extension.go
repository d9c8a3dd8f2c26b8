// Package extension provides the Forge extension adapter for Turnstile.
//
// It implements the forge.Extension interface to integrate Turnstile
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.turnstile" or
// "turnstile" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	turnstile "github.com/xraph/turnstile"
	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/store"
	"github.com/xraph/turnstile/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "turnstile"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Metered-access control core"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Turnstile as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *turnstile.Turnstile
	store      store.Store
	registry   identity.Registry
	engineOpts []turnstile.Option
}

// New creates a new Turnstile Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Turnstile instance.
// This is nil until Register is called.
func (e *Extension) Engine() *turnstile.Turnstile { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}
	if e.registry == nil {
		e.registry = identity.NewMemoryRegistry()
	}

	// Build engine options from resolved config.
	opts := e.buildEngineOpts()

	eng := turnstile.New(e.store, e.registry, opts...)
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*turnstile.Turnstile, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("turnstile: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("turnstile: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs turnstile.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []turnstile.Option {
	opts := make([]turnstile.Option, 0, len(e.engineOpts)+4)

	if e.config.DisableMigrate {
		opts = append(opts, turnstile.WithoutMigrations())
	}
	if e.config.FlushBatchSize > 0 || e.config.FlushInterval > 0 {
		opts = append(opts, turnstile.WithFlushConfig(e.config.FlushBatchSize, e.config.FlushInterval))
	}
	if e.config.SweepInterval > 0 {
		opts = append(opts, turnstile.WithReservationSweepInterval(e.config.SweepInterval))
	}
	opts = append(opts, turnstile.WithEnforceConfig(enforce.Config{
		FailOpen: e.config.FailOpen,
		LocalTTL: e.config.CacheTTL,
	}))
	if len(e.config.EventTypes) > 0 {
		opts = append(opts, turnstile.WithEventTypes(e.config.EventTypes...))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("turnstile: configuration is required but not found in config files; " +
				"ensure 'extensions.turnstile' or 'turnstile' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("turnstile: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("fail_open", e.config.FailOpen),
		forge.F("flush_batch_size", e.config.FlushBatchSize),
		forge.F("flush_interval", e.config.FlushInterval),
		forge.F("cache_ttl", e.config.CacheTTL),
		forge.F("sweep_interval", e.config.SweepInterval),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.turnstile" first (namespaced pattern).
	if cm.IsSet("extensions.turnstile") {
		if err := cm.Bind("extensions.turnstile", &cfg); err == nil {
			e.Logger().Debug("turnstile: loaded config from file",
				forge.F("key", "extensions.turnstile"),
			)
			return cfg, true
		}
		e.Logger().Warn("turnstile: failed to bind extensions.turnstile config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "turnstile" key.
	if cm.IsSet("turnstile") {
		if err := cm.Bind("turnstile", &cfg); err == nil {
			e.Logger().Debug("turnstile: loaded config from file",
				forge.F("key", "turnstile"),
			)
			return cfg, true
		}
		e.Logger().Warn("turnstile: failed to bind turnstile config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.FlushBatchSize == 0 {
		cfg.FlushBatchSize = defaults.FlushBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.FailOpen {
		yamlConfig.FailOpen = true
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.FlushBatchSize == 0 && programmaticConfig.FlushBatchSize != 0 {
		yamlConfig.FlushBatchSize = programmaticConfig.FlushBatchSize
	}
	if yamlConfig.FlushInterval == 0 && programmaticConfig.FlushInterval != 0 {
		yamlConfig.FlushInterval = programmaticConfig.FlushInterval
	}
	if yamlConfig.CacheTTL == 0 && programmaticConfig.CacheTTL != 0 {
		yamlConfig.CacheTTL = programmaticConfig.CacheTTL
	}
	if yamlConfig.SweepInterval == 0 && programmaticConfig.SweepInterval != 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if len(yamlConfig.EventTypes) == 0 {
		yamlConfig.EventTypes = programmaticConfig.EventTypes
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
