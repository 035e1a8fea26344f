package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the dub pipeline daemon.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"     toml:"server"`
	Auth       AuthConfig                 `mapstructure:"auth"       toml:"auth"`
	Workspace  WorkspaceConfig            `mapstructure:"workspace"  toml:"workspace"`
	Phases     map[string]PhaseConfig     `mapstructure:"phases"     toml:"phases"`
	Providers  map[string]ProviderConfig  `mapstructure:"providers"  toml:"providers"`
	Gates      GatesConfig                `mapstructure:"gates"      toml:"gates"`
	Resilience ResilienceConfig           `mapstructure:"resilience" toml:"resilience"`
	Tracing    TracingConfig              `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the apiserver's listen and timeout settings.
type ServerConfig struct {
	BindAddress       string `mapstructure:"bind_address"        toml:"bind_address"`
	Port              int    `mapstructure:"port"                toml:"port"`
	LogLevel          string `mapstructure:"log_level"           toml:"log_level"`
	TLSEnabled        bool   `mapstructure:"tls_enabled"         toml:"tls_enabled"`
	CertFile          string `mapstructure:"cert_file"           toml:"cert_file"`
	KeyFile           string `mapstructure:"key_file"            toml:"key_file"`
	ReadTimeout       int    `mapstructure:"read_timeout"        toml:"read_timeout"`
	WriteTimeout      int    `mapstructure:"write_timeout"       toml:"write_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"        toml:"idle_timeout"`
	MaxBodySize       int64  `mapstructure:"max_body_size"       toml:"max_body_size"`
	StreamTimeout     int    `mapstructure:"stream_timeout"      toml:"stream_timeout"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs" toml:"max_concurrent_runs"`
}

// AuthConfig controls bearer-token authentication on the apiserver.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// WorkspaceConfig locates job workspaces and the files the runner maintains
// inside each one.
type WorkspaceConfig struct {
	RootDir          string `mapstructure:"root_dir"          toml:"root_dir"`
	ManifestFilename string `mapstructure:"manifest_filename" toml:"manifest_filename"`
	CalDocFilename   string `mapstructure:"caldoc_filename"   toml:"caldoc_filename"`
}

// PhaseConfig holds per-phase tuning knobs. Settings reaches the runner only
// through CanonicalConfigSlice, which keeps the keys named in the phase's
// ConfigKeys for its input fingerprint; phase implementations do not receive
// it, and the runner and registry never interpret its contents.
type PhaseConfig struct {
	Enabled        bool           `mapstructure:"enabled"         toml:"enabled"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	Settings       map[string]any `mapstructure:"settings"        toml:"settings"`
}

// ProviderConfig describes a single ASR/MT/TTS backing service.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"     toml:"name"`
	APIBase  string   `mapstructure:"api_base" toml:"api_base"`
	KeyRef   string   `mapstructure:"key_ref"  toml:"key_ref"`
	Models   []string `mapstructure:"models"   toml:"models"`
	Enabled  bool     `mapstructure:"enabled"  toml:"enabled"`
	Priority int      `mapstructure:"priority" toml:"priority"`
	Timeout  int      `mapstructure:"timeout"  toml:"timeout"` // seconds
}

// TimeoutDuration returns the provider timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// GatesConfig controls the default behavior of manifest gates.
type GatesConfig struct {
	DefaultMode  string   `mapstructure:"default_mode"   toml:"default_mode"` // "manual" or "auto_pass"
	AutoPassKeys []string `mapstructure:"auto_pass_keys" toml:"auto_pass_keys"`
}

// ResilienceConfig controls retry/backoff behavior for phase implementations
// that call out to a remote provider (ASR, MT, TTS). The runner itself does
// not retry a phase; a phase implementation consults this policy internally.
type ResilienceConfig struct {
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"  toml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms"  toml:"retry_max_delay_ms"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "dubpipe"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// CanonicalConfigSlice implements runner.ConfigSliceFunc. It looks up the
// named phase's Settings map and returns only the keys the phase declared in
// its Spec.ConfigKeys, so a change to an unrelated phase's settings never
// perturbs another phase's input fingerprint.
func CanonicalConfigSlice(phaseName string, configKeys []string) map[string]any {
	cfg := Get()
	pc, ok := cfg.Phases[phaseName]
	if !ok || len(configKeys) == 0 {
		return nil
	}
	slice := make(map[string]any, len(configKeys))
	for _, key := range configKeys {
		if v, ok := pc.Settings[key]; ok {
			slice[key] = v
		}
	}
	return slice
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (DUBPIPE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.dubpipe/dubpipe.toml
//  4. ./dubpipe.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: DUBPIPE_SERVER_PORT etc.
	v.SetEnvPrefix("DUBPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".dubpipe"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("dubpipe")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in root_dir.
	cfg.Workspace.RootDir = expandHome(cfg.Workspace.RootDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.dubpipe/dubpipe.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".dubpipe")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.stream_timeout", d.Server.StreamTimeout)
	v.SetDefault("server.max_concurrent_runs", d.Server.MaxConcurrentRuns)

	// Auth
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.token", d.Auth.Token)

	// Workspace
	v.SetDefault("workspace.root_dir", d.Workspace.RootDir)
	v.SetDefault("workspace.manifest_filename", d.Workspace.ManifestFilename)
	v.SetDefault("workspace.caldoc_filename", d.Workspace.CalDocFilename)

	// Gates
	v.SetDefault("gates.default_mode", d.Gates.DefaultMode)
	v.SetDefault("gates.auto_pass_keys", d.Gates.AutoPassKeys)

	// Resilience
	v.SetDefault("resilience.retry_max_attempts", d.Resilience.RetryMaxAttempts)
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", d.Resilience.RetryMaxDelayMs)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Phases and Providers are maps keyed by name; viper has nothing useful
	// to default them to beyond the zero value, so they are left for the
	// config file or env overlay to populate.
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
