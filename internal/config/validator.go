package config

import (
	"fmt"
	"net/url"

	"inlet/internal/constants"
)

// ValidateStatic rejects configurations that can never come up. It runs
// once at startup; a failure here is a fatal process error.
func ValidateStatic(cfg *Config) error {
	switch cfg.Mode {
	case constants.ModeRelay:
		if cfg.Upstream.URL == "" {
			return fmt.Errorf("relay mode requires upstream.url")
		}
	case constants.ModeProcessing:
		if len(cfg.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("processing mode requires broker.kafka.brokers")
		}
	case "":
		return fmt.Errorf("mode is required (%q or %q)", constants.ModeRelay, constants.ModeProcessing)
	default:
		return fmt.Errorf("unknown mode %q (expected %q or %q)", cfg.Mode, constants.ModeRelay, constants.ModeProcessing)
	}

	// Both modes need the upstream for project config fetches.
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if _, err := url.ParseRequestURI(cfg.Upstream.URL); err != nil {
		return fmt.Errorf("invalid upstream.url: %w", err)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}

	if cfg.Quotas.OnStoreError != "" &&
		cfg.Quotas.OnStoreError != constants.FallbackAllow &&
		cfg.Quotas.OnStoreError != constants.FallbackDeny {
		return fmt.Errorf("quotas.on_store_error must be %q or %q", constants.FallbackAllow, constants.FallbackDeny)
	}

	if cfg.Filtering.Fallback.OnError != "" &&
		cfg.Filtering.Fallback.OnError != constants.FallbackAllow &&
		cfg.Filtering.Fallback.OnError != constants.FallbackDeny {
		return fmt.Errorf("filtering.fallback.on_error must be %q or %q", constants.FallbackAllow, constants.FallbackDeny)
	}

	if cfg.Projects.MaxConcurrentFetches < 0 {
		return fmt.Errorf("projects.max_concurrent_fetches must not be negative")
	}

	if cfg.Outcomes.BufferSize < 0 {
		return fmt.Errorf("outcomes.buffer_size must not be negative")
	}

	return nil
}
