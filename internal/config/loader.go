package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}
	if cfg.Upload.MaxAttempts == 0 {
		cfg.Upload.MaxAttempts = DefaultUploadAttempts
	}
	if cfg.Upload.BaseBackoff == 0 {
		cfg.Upload.BaseBackoff = DefaultUploadBackoff
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = DefaultPollInterval
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = DefaultPollAttempts
	}
	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = DefaultPollTimeout
	}
	if cfg.Poll.BreakerFailures == 0 {
		cfg.Poll.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.Poll.BreakerReset == 0 {
		cfg.Poll.BreakerReset = DefaultBreakerReset
	}
	if cfg.Clock.TickRate == 0 {
		cfg.Clock.TickRate = DefaultTickRate
	}
	if cfg.Clock.AdvanceDelay == 0 {
		cfg.Clock.AdvanceDelay = DefaultAdvanceDelay
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", cfg.Backend.BaseURL))
	} else if u.Scheme == "http" && cfg.Backend.Token != "" {
		slog.Warn("backend.token is sent over plain http", "base_url", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}

	// Upload
	if cfg.Upload.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upload.max_attempts %d must be at least 1", cfg.Upload.MaxAttempts))
	}
	if cfg.Upload.BaseBackoff < 0 {
		errs = append(errs, fmt.Errorf("upload.base_backoff %s must not be negative", cfg.Upload.BaseBackoff))
	}

	// Poll
	if cfg.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval %s must be positive", cfg.Poll.Interval))
	}
	if cfg.Poll.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("poll.max_attempts %d must be at least 1", cfg.Poll.MaxAttempts))
	}
	if cfg.Poll.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("poll.timeout %s must be positive", cfg.Poll.Timeout))
	} else if cfg.Poll.Interval > 0 && cfg.Poll.Timeout < cfg.Poll.Interval {
		errs = append(errs, fmt.Errorf("poll.timeout %s is shorter than poll.interval %s", cfg.Poll.Timeout, cfg.Poll.Interval))
	}
	if cfg.Poll.BreakerFailures < 1 {
		errs = append(errs, fmt.Errorf("poll.breaker_failures %d must be at least 1", cfg.Poll.BreakerFailures))
	}
	if cfg.Poll.BreakerReset <= 0 {
		errs = append(errs, fmt.Errorf("poll.breaker_reset %s must be positive", cfg.Poll.BreakerReset))
	}

	// Clock
	if cfg.Clock.TickRate < 1 || cfg.Clock.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("clock.tick_rate %d is out of range [1, 1000]", cfg.Clock.TickRate))
	}
	if cfg.Clock.AdvanceDelay < 0 {
		errs = append(errs, fmt.Errorf("clock.advance_delay %s must not be negative", cfg.Clock.AdvanceDelay))
	}

	// Recorder
	if cfg.Recorder.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recorder.sample_rate %d must not be negative", cfg.Recorder.SampleRate))
	}
	if cfg.Recorder.Channels < 0 || cfg.Recorder.Channels > 2 {
		errs = append(errs, fmt.Errorf("recorder.channels %d is out of range [0, 2]", cfg.Recorder.Channels))
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	} else if cfg.Store.Driver != StoreMemory && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required when store.driver is %s", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StoreMemory && cfg.Store.DSN != "" {
		slog.Warn("store.dsn is ignored by the memory store")
	}

	return errors.Join(errs...)
}
