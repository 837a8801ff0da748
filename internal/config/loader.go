package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if ep := cfg.Transport.Endpoint; ep != "" {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			errs = append(errs, fmt.Errorf("transport.endpoint %q must use a ws:// or wss:// scheme", ep))
		}
		if strings.HasPrefix(ep, "ws://") {
			slog.Warn("transport.endpoint uses an unencrypted ws:// scheme", "endpoint", ep)
		}
	}
	if cfg.Transport.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transport.queue_size %d must not be negative", cfg.Transport.QueueSize))
	}
	if cfg.Transport.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.max_retries %d must not be negative", cfg.Transport.MaxRetries))
	}
	if cfg.Transport.Backoff > cfg.Transport.MaxBackoff && cfg.Transport.MaxBackoff > 0 {
		errs = append(errs, fmt.Errorf("transport.backoff %s exceeds transport.max_backoff %s",
			cfg.Transport.Backoff.Std(), cfg.Transport.MaxBackoff.Std()))
	}

	if cfg.Device.StallWindow < 0 {
		errs = append(errs, errors.New("device.stall_window must not be negative"))
	}
	if cfg.Device.DiscoveryTimeout < 0 {
		errs = append(errs, errors.New("device.discovery_timeout must not be negative"))
	}

	if cfg.Ingest.Deepgram.APIKey == "" && cfg.Ingest.PostgresDSN != "" {
		slog.Warn("ingest.postgres_dsn is set but ingest.deepgram.api_key is empty; the server will persist nothing without a transcriber")
	}
	if cfg.Ingest.AuthToken == "" && cfg.Server.ListenAddr != "" {
		slog.Warn("ingest.auth_token is empty; the listen endpoint will accept unauthenticated sessions")
	}

	return errors.Join(errs...)
}
