package statesync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
)

// Environment variables that override values loaded from a config file.
const (
	EnvBaseURL   = "STATESYNC_BASE_URL"
	EnvWSURL     = "STATESYNC_WS_URL"
	EnvCSRFToken = "STATESYNC_CSRF_TOKEN"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("1.5s", "250ms") in YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config describes a client session.
type Config struct {
	// BaseURL is the origin serving /api, e.g. "http://localhost:8080".
	BaseURL string `json:"base_url" yaml:"base_url"`
	// WSURL is the notification channel endpoint. Derived from BaseURL when empty.
	WSURL string `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`

	SchemaID        string `json:"schema_id" yaml:"schema_id"`
	StateDefinition string `json:"state_definition,omitempty" yaml:"state_definition,omitempty"`
	ExpectedVersion string `json:"expected_version,omitempty" yaml:"expected_version,omitempty"`

	CSRFToken  string `json:"csrf_token,omitempty" yaml:"csrf_token,omitempty"`
	CSRFHeader string `json:"csrf_header,omitempty" yaml:"csrf_header,omitempty"`

	RequestTimeout Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	PendingTimeout Duration `json:"pending_timeout,omitempty" yaml:"pending_timeout,omitempty"`

	Reconnect     ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
	PreloadCaches []string        `json:"preload_caches,omitempty" yaml:"preload_caches,omitempty"`

	Logging logging.Config `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// ReconnectConfig is the notification channel reconnect policy.
type ReconnectConfig struct {
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	// MaxAttempts bounds consecutive failed attempts; zero retries forever.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		SchemaID:       "state",
		CSRFHeader:     httpstore.DefaultCSRFHeader,
		RequestTimeout: Duration(30 * time.Second),
		PendingTimeout: Duration(10 * time.Second),
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2,
		},
		Logging: logging.DefaultConfig,
	}
}

// LoadConfig reads a YAML or JSON config file, chosen by extension, on top
// of DefaultConfig and applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from STATESYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv(EnvCSRFToken); v != "" {
		c.CSRFToken = v
	}
}

// Validate checks the config and fills WSURL from BaseURL when unset.
func (c *Config) Validate() error {
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", base.Scheme)
	}
	if c.WSURL == "" {
		c.WSURL = DeriveWSURL(base)
	}
	if c.SchemaID == "" {
		return fmt.Errorf("schema_id is required")
	}
	if c.RequestTimeout < 0 || c.PendingTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be at least 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must not be negative")
	}
	for _, name := range c.PreloadCaches {
		if err := httpstore.CheckCacheName(name); err != nil {
			return fmt.Errorf("preload_caches: %w", err)
		}
	}
	return nil
}

// DeriveWSURL maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func DeriveWSURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
