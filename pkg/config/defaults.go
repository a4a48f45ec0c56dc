package config

import "time"

// DefaultTicketSecretEnv names the env var checked for the ticket signing
// secret when the YAML does not override it.
const DefaultTicketSecretEnv = "FLEETBEAT_TICKET_SECRET"

func defaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Port: 8080,
	}
}

func defaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		URI:         "mongodb://localhost:27017",
		Database:    "fleetbeat",
		OpTimeout:   5 * time.Second,
		LogCapBytes: 512 << 20,
	}
}

func defaultBackplaneConfig() *BackplaneConfig {
	return &BackplaneConfig{
		MailboxSize: 256,
	}
}

func defaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		TicketSecretEnv: DefaultTicketSecretEnv,
	}
}

func defaultHubConfig() *HubConfig {
	return &HubConfig{
		DisconnectTTL: 12 * time.Hour,
	}
}

func defaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		OrphanThreshold: 24 * time.Hour,
		ReapInterval:    1 * time.Hour,
		RemoveHanging:   false,
	}
}
