package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the pipeline apiserver.
const DefaultPort = 8787

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultRootDir is the default workspace root directory (before tilde expansion).
const DefaultRootDir = "~/.dubpipe/workspaces"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "dubpipe.toml"

// DefaultManifestFilename is the manifest file name inside a workspace.
const DefaultManifestFilename = "manifest.json"

// DefaultCalDocFilename is the human-calibration document (CalDoc) file name inside a workspace.
const DefaultCalDocFilename = "caldoc.json"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Zero leaves the write deadline open, since run streams can run far longer
// than any fixed timeout.
const DefaultWriteTimeout = 0

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultStreamTimeout is the default run-stream idle timeout in seconds (1 hour).
const DefaultStreamTimeout = 3600

// DefaultMaxConcurrentRuns is the default number of workspaces that may run
// concurrently on a single daemon.
const DefaultMaxConcurrentRuns = 4

// DefaultProviderTimeout is the default provider timeout in seconds.
const DefaultProviderTimeout = 30

// DefaultRetryMaxAttempts is the default maximum number of retry attempts per provider call.
const DefaultRetryMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 500

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 30000

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "dubpipe"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// DefaultGateMode is the default gate disposition: once opened, a gate waits
// for an explicit pass rather than auto-passing.
const DefaultGateMode = "manual"

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidGateModes lists the allowed gates.default_mode values.
var ValidGateModes = []string{"manual", "auto_pass"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:       DefaultBindAddress,
			Port:              DefaultPort,
			LogLevel:          DefaultLogLevel,
			TLSEnabled:        false,
			CertFile:          "",
			KeyFile:           "",
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			MaxBodySize:       DefaultMaxBodySize,
			StreamTimeout:     DefaultStreamTimeout,
			MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		},
		Auth: AuthConfig{
			Enabled: false,
			Token:   "",
		},
		Workspace: WorkspaceConfig{
			RootDir:          DefaultRootDir,
			ManifestFilename: DefaultManifestFilename,
			CalDocFilename:   DefaultCalDocFilename,
		},
		Phases: map[string]PhaseConfig{
			"extract": {Enabled: true, TimeoutSeconds: 120, Settings: map[string]any{}},
			"asr":     {Enabled: true, TimeoutSeconds: 600, Settings: map[string]any{"provider": "whisper"}},
			"parse":   {Enabled: true, TimeoutSeconds: 60, Settings: map[string]any{}},
			"reseg":   {Enabled: true, TimeoutSeconds: 60, Settings: map[string]any{"max_chars_per_line": 42}},
			"mt":      {Enabled: true, TimeoutSeconds: 600, Settings: map[string]any{"provider": "anthropic", "target_lang": "es"}},
			"align":   {Enabled: true, TimeoutSeconds: 120, Settings: map[string]any{}},
			"tts":     {Enabled: true, TimeoutSeconds: 900, Settings: map[string]any{"provider": "elevenlabs"}},
			"mix":     {Enabled: true, TimeoutSeconds: 300, Settings: map[string]any{"ducking_db": -12}},
			"burn":    {Enabled: true, TimeoutSeconds: 300, Settings: map[string]any{}},
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Name:     "Anthropic",
				APIBase:  "https://api.anthropic.com",
				KeyRef:   "keyring://dubpipe/anthropic",
				Models:   []string{"claude-sonnet-4-20250514"},
				Enabled:  true,
				Priority: 1,
				Timeout:  DefaultProviderTimeout,
			},
			"whisper": {
				Name:     "Whisper ASR",
				APIBase:  "https://api.openai.com/v1/audio/transcriptions",
				KeyRef:   "keyring://dubpipe/whisper",
				Models:   []string{"whisper-1"},
				Enabled:  true,
				Priority: 1,
				Timeout:  DefaultProviderTimeout,
			},
			"elevenlabs": {
				Name:     "ElevenLabs TTS",
				APIBase:  "https://api.elevenlabs.io",
				KeyRef:   "keyring://dubpipe/elevenlabs",
				Models:   []string{"eleven_multilingual_v2"},
				Enabled:  true,
				Priority: 1,
				Timeout:  DefaultProviderTimeout,
			},
		},
		Gates: GatesConfig{
			DefaultMode:  DefaultGateMode,
			AutoPassKeys: []string{},
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts: DefaultRetryMaxAttempts,
			RetryBaseDelayMs: DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:  DefaultRetryMaxDelayMs,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
