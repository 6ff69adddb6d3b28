// Package config provides the configuration schema and loader for the podium
// debate practice service.
package config

import "time"

// LogLevel controls log verbosity for the podium server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects where recordings are persisted.
type StoreDriver string

const (
	// StoreMemory keeps recordings in process memory only.
	StoreMemory StoreDriver = "memory"

	// StoreSQLite persists recordings to a local SQLite file.
	StoreSQLite StoreDriver = "sqlite"

	// StorePostgres persists recordings to PostgreSQL.
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultBackendTimeout  = 30 * time.Second
	DefaultUploadAttempts  = 3
	DefaultUploadBackoff   = time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultPollAttempts    = 60
	DefaultPollTimeout     = 5*time.Minute + 30*time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second
	DefaultTickRate        = 60
	DefaultAdvanceDelay    = 500 * time.Millisecond
	DefaultServiceName     = "podium"
)

// Config is the root configuration structure for podium.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Upload    UploadConfig    `yaml:"upload"`
	Poll      PollConfig      `yaml:"poll"`
	Clock     ClockConfig     `yaml:"clock"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// BackendConfig points at the remote feedback service.
type BackendConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base_url"`

	// Token is sent as a bearer token. Empty disables authentication.
	Token string `yaml:"token"`

	// Timeout bounds each individual request.
	Timeout time.Duration `yaml:"timeout"`
}

// UploadConfig tunes the upload retry policy.
type UploadConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// PollConfig tunes feedback polling and the circuit breaker in front of it.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Timeout is the wall-clock bound on one poll loop.
	Timeout time.Duration `yaml:"timeout"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// ClockConfig tunes the speech clock.
type ClockConfig struct {
	// TickRate is the number of clock ticks per second.
	TickRate int `yaml:"tick_rate"`

	// AdvanceDelay is the pause between a stopped speech and the automatic
	// move to the next speaker.
	AdvanceDelay time.Duration `yaml:"advance_delay"`
}

// RecorderConfig configures ffmpeg capture and ffprobe duration probing.
type RecorderConfig struct {
	FFmpeg      string `yaml:"ffmpeg"`
	FFprobe     string `yaml:"ffprobe"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`

	// OutputDir is where speech artifacts are written.
	OutputDir string `yaml:"output_dir"`
}

// StoreConfig selects the recording store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
