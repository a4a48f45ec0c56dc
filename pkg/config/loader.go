package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// fleetbeatYAMLConfig represents the complete fleetbeat.yaml file structure.
// Durations are strings ("30s", "12h") parsed with time.ParseDuration.
type fleetbeatYAMLConfig struct {
	HTTP      *HTTPConfig      `yaml:"http"`
	Store     *storeYAML       `yaml:"store"`
	Backplane *BackplaneConfig `yaml:"backplane"`
	Auth      *AuthConfig      `yaml:"auth"`
	Hub       *hubYAML         `yaml:"hub"`
	Cleanup   *cleanupYAML     `yaml:"cleanup"`
}

type storeYAML struct {
	URI         string `yaml:"uri,omitempty"`
	Database    string `yaml:"database,omitempty"`
	OpTimeout   string `yaml:"op_timeout,omitempty"`
	LogCapBytes *int64 `yaml:"log_cap_bytes,omitempty"`
}

type hubYAML struct {
	DisconnectTTL string `yaml:"disconnect_ttl,omitempty"`
}

type cleanupYAML struct {
	OrphanThreshold string `yaml:"orphan_threshold,omitempty"`
	ReapInterval    string `yaml:"reap_interval,omitempty"`
	RemoveHanging   *bool  `yaml:"remove_hanging,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read fleetbeat.yaml from configDir (missing file falls back to
//     built-in defaults)
//  2. Expand environment variables
//  3. Merge user YAML over built-in defaults
//  4. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"http_port", cfg.HTTP.Port,
		"store_database", cfg.Store.Database,
		"backplane", backplaneKind(cfg.Backplane))

	return cfg, nil
}

func backplaneKind(bp *BackplaneConfig) string {
	if bp.RedisURL != "" {
		return "redis"
	}
	return "memory"
}

func load(_ context.Context, configDir string) (*Config, error) {
	fileCfg, err := loadFleetbeatYAML(configDir)
	if err != nil {
		return nil, NewLoadError("fleetbeat.yaml", err)
	}

	cfg := &Config{
		configDir: configDir,
		HTTP:      defaultHTTPConfig(),
		Backplane: defaultBackplaneConfig(),
		Auth:      defaultAuthConfig(),
		Store:     resolveStoreConfig(fileCfg.Store),
		Hub:       resolveHubConfig(fileCfg.Hub),
		Cleanup:   resolveCleanupConfig(fileCfg.Cleanup),
	}

	// User-provided values override defaults; unset fields keep the default.
	if err := mergeSection(cfg.HTTP, fileCfg.HTTP, "http"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Backplane, fileCfg.Backplane, "backplane"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Auth, fileCfg.Auth, "auth"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeSection[T any](dst, src *T, name string) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

func loadFleetbeatYAML(configDir string) (*fleetbeatYAMLConfig, error) {
	var cfg fleetbeatYAMLConfig

	path := filepath.Join(configDir, "fleetbeat.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The hub runs fine on defaults plus env vars; a config file
			// is optional.
			slog.Warn("Configuration file not found, using defaults", "path", path)
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}

// resolveStoreConfig resolves store configuration from YAML, applying defaults.
func resolveStoreConfig(y *storeYAML) *StoreConfig {
	cfg := defaultStoreConfig()
	if y == nil {
		return cfg
	}
	if y.URI != "" {
		cfg.URI = y.URI
	}
	if y.Database != "" {
		cfg.Database = y.Database
	}
	cfg.OpTimeout = resolveDuration("store", "op_timeout", y.OpTimeout, cfg.OpTimeout)
	if y.LogCapBytes != nil {
		cfg.LogCapBytes = *y.LogCapBytes
	}
	return cfg
}

// resolveHubConfig resolves hub configuration from YAML, applying defaults.
func resolveHubConfig(y *hubYAML) *HubConfig {
	cfg := defaultHubConfig()
	if y == nil {
		return cfg
	}
	cfg.DisconnectTTL = resolveDuration("hub", "disconnect_ttl", y.DisconnectTTL, cfg.DisconnectTTL)
	return cfg
}

// resolveCleanupConfig resolves reaper configuration from YAML, applying defaults.
func resolveCleanupConfig(y *cleanupYAML) *CleanupConfig {
	cfg := defaultCleanupConfig()
	if y == nil {
		return cfg
	}
	cfg.OrphanThreshold = resolveDuration("cleanup", "orphan_threshold", y.OrphanThreshold, cfg.OrphanThreshold)
	cfg.ReapInterval = resolveDuration("cleanup", "reap_interval", y.ReapInterval, cfg.ReapInterval)
	if y.RemoveHanging != nil {
		cfg.RemoveHanging = *y.RemoveHanging
	}
	return cfg
}

func resolveDuration(section, field, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"section", section, "field", field, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}

// TicketSecret resolves the WebSocket ticket signing secret from the
// environment.
func (a *AuthConfig) TicketSecret() ([]byte, error) {
	secret := os.Getenv(a.TicketSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%w: environment variable %s", ErrMissingRequiredField, a.TicketSecretEnv)
	}
	return []byte(secret), nil
}
