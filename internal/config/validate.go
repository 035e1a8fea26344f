package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}
	if cfg.Server.StreamTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.stream_timeout must be non-negative, got %d", cfg.Server.StreamTimeout))
	}
	if cfg.Server.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Sprintf("server.max_concurrent_runs must be at least 1, got %d", cfg.Server.MaxConcurrentRuns))
	}

	// Auth validation
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token must be set when auth.enabled is true")
	}

	// Workspace validation
	if cfg.Workspace.RootDir == "" {
		errs = append(errs, "workspace.root_dir must not be empty")
	}
	if cfg.Workspace.ManifestFilename == "" {
		errs = append(errs, "workspace.manifest_filename must not be empty")
	}
	if cfg.Workspace.CalDocFilename == "" {
		errs = append(errs, "workspace.caldoc_filename must not be empty")
	}

	// Phase validation
	for name, p := range cfg.Phases {
		if p.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("phases.%s.timeout_seconds must be non-negative, got %d", name, p.TimeoutSeconds))
		}
	}

	// Provider validation
	for name, p := range cfg.Providers {
		if p.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_base must not be empty", name))
		}
		if p.Priority < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.priority must be non-negative, got %d", name, p.Priority))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
	}

	// Gates validation
	if !isValidEnum(cfg.Gates.DefaultMode, ValidGateModes) {
		errs = append(errs, fmt.Sprintf("gates.default_mode must be one of %v, got %q", ValidGateModes, cfg.Gates.DefaultMode))
	}

	// Resilience validation
	if cfg.Resilience.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_attempts must be non-negative, got %d", cfg.Resilience.RetryMaxAttempts))
	}
	if cfg.Resilience.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay_ms must be non-negative, got %d", cfg.Resilience.RetryBaseDelayMs))
	}
	if cfg.Resilience.RetryMaxDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_delay_ms must be non-negative, got %d", cfg.Resilience.RetryMaxDelayMs))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
