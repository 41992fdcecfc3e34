package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 45 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
	DefaultLookupTimeout   = 2 * time.Second
)

// MediaStreamPath is the HTTP path of the media stream websocket endpoint.
const MediaStreamPath = "/media-stream"

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

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ExpandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and $VAR references in the secret-bearing fields
// (realtime.api_key, prompts.postgres_dsn, prompts.redis_addr).
func ExpandEnv(cfg *Config) {
	for _, s := range []*string{&cfg.Realtime.APIKey, &cfg.Prompts.PostgresDSN, &cfg.Prompts.RedisAddr} {
		if strings.Contains(*s, "$") {
			*s = os.ExpandEnv(*s)
		}
	}
}

// ApplyDefaults fills zero-valued fields that have a process-wide default.
// Per-call tunables are left zero; the bridge applies its own defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Realtime.DialTimeout <= 0 {
		cfg.Realtime.DialTimeout = DefaultDialTimeout
	}
	if cfg.Prompts.CacheTTL <= 0 {
		cfg.Prompts.CacheTTL = DefaultCacheTTL
	}
	if cfg.Prompts.LookupTimeout <= 0 {
		cfg.Prompts.LookupTimeout = DefaultLookupTimeout
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
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.public_url: %w", err))
		case u.Host == "" || !isKnownScheme(u.Scheme):
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) or ws(s) URL", cfg.Server.PublicURL))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}
	if t := cfg.Realtime.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("realtime.temperature %.2f is out of range [0, 2]", t))
	}

	// Bridge
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"bridge.max_call_duration", cfg.Bridge.MaxCallDuration},
		{"bridge.playout_idle", cfg.Bridge.PlayoutIdle},
		{"bridge.reply_grace", cfg.Bridge.ReplyGrace},
		{"bridge.finalize_timeout", cfg.Bridge.FinalizeTimeout},
		{"bridge.silent_request_timeout", cfg.Bridge.SilentRequestTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", d.name, d.d))
		}
	}
	if f, s := cfg.Bridge.FinalizeTimeout, cfg.Bridge.SilentRequestTimeout; f > 0 && s > 0 && 2*s > f {
		slog.Warn("bridge.finalize_timeout is shorter than two silent requests; action items may be cut off",
			"finalize_timeout", f, "silent_request_timeout", s)
	}
	for i, p := range cfg.Bridge.FarewellPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("bridge.farewell_phrases[%d] is empty", i))
		}
	}

	// Prompts
	for key := range cfg.Prompts.Static {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, errors.New("prompts.static contains an empty lookup key"))
		}
	}
	if cfg.Prompts.Migrate && cfg.Prompts.PostgresDSN == "" {
		errs = append(errs, errors.New("prompts.migrate requires prompts.postgres_dsn"))
	}
	if cfg.Prompts.PostgresDSN == "" && len(cfg.Prompts.Static) == 0 {
		slog.Warn("no prompt store configured; every call will use prompts.default_instructions")
	}

	return errors.Join(errs...)
}

func isKnownScheme(s string) bool {
	switch s {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// StreamURL returns the public websocket URL of the media stream endpoint,
// or "" when PublicURL is unset.
func (s ServerConfig) StreamURL() string {
	if s.PublicURL == "" {
		return ""
	}
	u, err := url.Parse(s.PublicURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + MediaStreamPath
	return u.String()
}
