package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by [ApplyEnv].
const (
	EnvSessionMinutes = "VOXGATE_SESSION_TIMEOUT_MINUTES"
	EnvSilenceMinutes = "VOXGATE_SILENCE_TIMEOUT_MINUTES"
	EnvWarningSeconds = "VOXGATE_TIMEOUT_WARNING_SECONDS"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
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
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, normalises the timeout
// settings, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{
		Timeouts: TimeoutConfig{
			SessionMinutes: DefaultSessionMinutes,
			SilenceMinutes: DefaultSilenceMinutes,
			WarningSeconds: DefaultWarningSeconds,
		},
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Timeouts = clampTimeouts(cfg.Timeouts)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the timeout settings from environment variables. Values
// that do not parse or fall outside the documented ranges are ignored with a
// warning, keeping whatever the config file (or the defaults) provided.
func ApplyEnv(cfg *Config) {
	if v, ok := envInt(EnvSessionMinutes); ok {
		cfg.Timeouts.SessionMinutes = v
	}
	if v, ok := envInt(EnvSilenceMinutes); ok {
		cfg.Timeouts.SilenceMinutes = v
	}
	if v, ok := envInt(EnvWarningSeconds); ok {
		cfg.Timeouts.WarningSeconds = v
	}
	cfg.Timeouts = clampTimeouts(cfg.Timeouts)
}

// clampTimeouts folds out-of-range timeout values back to the documented
// defaults. 0 stays 0: it means unlimited (session) or disabled (silence).
func clampTimeouts(t TimeoutConfig) TimeoutConfig {
	if t.SessionMinutes < 0 || t.SessionMinutes > MaxSessionMinutes {
		slog.Warn("session timeout out of range, using default",
			"value", t.SessionMinutes, "max", MaxSessionMinutes, "default", DefaultSessionMinutes)
		t.SessionMinutes = DefaultSessionMinutes
	}
	if t.SilenceMinutes < 0 || t.SilenceMinutes > MaxSilenceMinutes {
		slog.Warn("silence timeout out of range, using default",
			"value", t.SilenceMinutes, "max", MaxSilenceMinutes, "default", DefaultSilenceMinutes)
		t.SilenceMinutes = DefaultSilenceMinutes
	}
	if t.WarningSeconds < MinWarningSeconds || t.WarningSeconds > MaxWarningSeconds {
		slog.Warn("warning window out of range, using default",
			"value", t.WarningSeconds, "min", MinWarningSeconds, "max", MaxWarningSeconds, "default", DefaultWarningSeconds)
		t.WarningSeconds = DefaultWarningSeconds
	}
	return t
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Engine.Region == "" && cfg.Engine.Endpoint == "" {
		errs = append(errs, errors.New("engine.region or engine.endpoint is required"))
	}
	if cfg.Engine.Key == "" {
		errs = append(errs, errors.New("engine.key is required"))
	}
	if cfg.Engine.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d must not be negative", cfg.Engine.SampleRate))
	}

	if cfg.Profiles.PostgresDSN == "" {
		slog.Warn("profiles.postgres_dsn is empty; sessions will start without enrollment profiles")
	}

	return errors.Join(errs...)
}

// envInt reads an integer environment variable. Returns (0, false) when the
// variable is unset or does not parse.
func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "name", name, "value", raw)
		return 0, false
	}
	return v, true
}
