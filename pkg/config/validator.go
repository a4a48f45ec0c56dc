package config

import (
	"errors"
	"fmt"
)

// validate checks the merged configuration for values that would make the
// process misbehave at runtime rather than fail fast here.
func validate(cfg *Config) error {
	var errs []error

	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		errs = append(errs, NewValidationError("http", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.HTTP.Port)))
	}

	if cfg.Store.URI == "" {
		errs = append(errs, NewValidationError("store", "uri", ErrMissingRequiredField))
	}
	if cfg.Store.Database == "" {
		errs = append(errs, NewValidationError("store", "database", ErrMissingRequiredField))
	}
	if cfg.Store.OpTimeout <= 0 {
		errs = append(errs, NewValidationError("store", "op_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if cfg.Store.LogCapBytes < 0 {
		errs = append(errs, NewValidationError("store", "log_cap_bytes",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue)))
	}

	if cfg.Backplane.MailboxSize < 1 {
		errs = append(errs, NewValidationError("backplane", "mailbox_size",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}

	if cfg.Auth.TicketSecretEnv == "" {
		errs = append(errs, NewValidationError("auth", "ticket_secret_env", ErrMissingRequiredField))
	}

	if cfg.Hub.DisconnectTTL <= 0 {
		errs = append(errs, NewValidationError("hub", "disconnect_ttl",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}

	if cfg.Cleanup.OrphanThreshold <= 0 {
		errs = append(errs, NewValidationError("cleanup", "orphan_threshold",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if cfg.Cleanup.ReapInterval <= 0 {
		errs = append(errs, NewValidationError("cleanup", "reap_interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	// A reaper that scans slower than the threshold grows the orphan backlog
	// unboundedly between passes.
	if cfg.Cleanup.ReapInterval > cfg.Cleanup.OrphanThreshold {
		errs = append(errs, NewValidationError("cleanup", "reap_interval",
			fmt.Errorf("%w: must not exceed orphan_threshold", ErrInvalidValue)))
	}

	return errors.Join(errs...)
}
