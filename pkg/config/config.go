// Package config loads and validates the hub configuration from a YAML file
// plus environment variables. Initialize in loader.go is the entry point.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// passed to the components that need it.
type Config struct {
	configDir string

	HTTP      *HTTPConfig
	Store     *StoreConfig
	Backplane *BackplaneConfig
	Auth      *AuthConfig
	Hub       *HubConfig
	Cleanup   *CleanupConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	// AllowedWSOrigins is an extra origin allowlist for WebSocket upgrades.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// StoreConfig holds resolved MongoDB connection settings.
type StoreConfig struct {
	// URI is the MongoDB connection string. Usually injected via the
	// {{.MONGODB_URI}} template variable rather than written literally.
	URI string

	// Database is the database name.
	Database string

	// OpTimeout bounds individual store operations.
	OpTimeout time.Duration

	// LogCapBytes caps the app_logs collection. Zero means uncapped.
	LogCapBytes int64
}

// BackplaneConfig selects and tunes the cross-instance fan-out transport.
type BackplaneConfig struct {
	// RedisURL is the redis connection string. Empty selects the in-memory
	// backplane, which only fans out within a single process.
	RedisURL string `yaml:"redis_url"`

	// MailboxSize is the per-connection buffered mailbox depth. A slow
	// consumer that falls this far behind is disconnected.
	MailboxSize int `yaml:"mailbox_size"`
}

// AuthConfig holds WebSocket ticket signing settings.
type AuthConfig struct {
	// TicketSecretEnv names the env var holding the HMAC signing secret.
	TicketSecretEnv string `yaml:"ticket_secret_env"`
}

// HubConfig holds resolved connection lifecycle settings.
type HubConfig struct {
	// DisconnectTTL is how long a disconnected connection row lives before
	// the store TTL reaps it.
	DisconnectTTL time.Duration
}

// CleanupConfig holds resolved background reaper settings.
type CleanupConfig struct {
	// OrphanThreshold is how long a sequence can sit frozen before the
	// reaper retires it as orphaned.
	OrphanThreshold time.Duration

	// ReapInterval is how often the reaper scans for orphans.
	ReapInterval time.Duration

	// RemoveHanging removes connection rows left behind by a crash at boot
	// instead of only reporting them.
	RemoveHanging bool
}
