// Package config holds the immutable configuration passed to every pkgstage
// component.
//
// A [Config] is built once at startup, either programmatically or from a TOML
// file via [Load], and then completed with [Config.WithDefaults]. Components
// never mutate it and there is no package-level configuration state.
//
// # Example config.toml
//
//	registry = "https://registry.npmjs.org"
//	download_dir = "/var/cache/pkgstage/downloads"
//	offline = false
//	allowed_hosts = ["registry.npmjs.org", "*.npmjs.org"]
//	attempts = 2
//	attempt_timeout = "30s"
//	retry_delay = "1s"
//
//	[headers]
//	Authorization = "Bearer ..."
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

const (
	DefaultRegistry       = "https://registry.npmjs.org" // Public npm registry
	DefaultAttempts       = 2                            // Download attempts per artifact
	DefaultAttemptTimeout = 30 * time.Second             // Per-attempt network timeout
	DefaultRetryDelay     = time.Second                  // Delay before the second attempt
)

// Config configures registry access, download locations and network policy.
type Config struct {
	Registry       string            `toml:"registry"`        // Registry base URL (default: npmjs.org)
	DownloadDir    string            `toml:"download_dir"`    // Persistent download cache root
	CacheDir       string            `toml:"cache_dir"`       // Offline package cache used by install
	Lockfile       string            `toml:"lockfile"`        // Fallback lockfile when the tree has none
	Offline        bool              `toml:"offline"`         // Deny all network access
	AllowedHosts   []string          `toml:"allowed_hosts"`   // Host allow-list; empty allows all
	Attempts       int               `toml:"attempts"`        // Download attempts (default: 2)
	AttemptTimeout Duration          `toml:"attempt_timeout"` // Per-attempt timeout (default: 30s)
	RetryDelay     Duration          `toml:"retry_delay"`     // Delay between attempts (default: 1s)
	Headers        map[string]string `toml:"headers"`         // Extra request headers
}

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// WithDefaults returns a copy of Config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	cfg := c
	if cfg.Registry == "" {
		cfg.Registry = DefaultRegistry
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(BaseCacheDir(), "downloads")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(BaseCacheDir(), "offline")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = Duration(DefaultRetryDelay)
	}
	return cfg
}

// Validate checks that the configuration can be used.
func (c Config) Validate() error {
	if c.Registry != "" {
		u, err := url.Parse(c.Registry)
		if err != nil || u.Host == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "invalid registry URL %q", c.Registry)
		}
		switch u.Scheme {
		case "http", "https", "npm", "npms":
		default:
			return errors.New(errors.ErrCodeInvalidConfig, "unsupported registry scheme %q", u.Scheme)
		}
	}
	if c.Attempts < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "attempts must not be negative")
	}
	return nil
}

// Policy returns the network policy described by the configuration.
func (c Config) Policy() NetworkPolicy {
	return NetworkPolicy{Offline: c.Offline, AllowedHosts: c.AllowedHosts}
}

// Load reads a TOML configuration file. Unknown keys are rejected.
func Load(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, err, "read config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.New(errors.ErrCodeInvalidConfig, "unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefault loads the file at [DefaultPath] if it exists. A missing file
// yields an empty Config.
func LoadDefault() (Config, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, nil
	}
	return Load(path)
}

// DefaultPath returns $XDG_CONFIG_HOME/pkgstage/config.toml, falling back to
// ~/.config/pkgstage/config.toml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "pkgstage", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".pkgstage", "config.toml")
	}
	return filepath.Join(home, ".config", "pkgstage", "config.toml")
}

// BaseCacheDir returns $XDG_CACHE_HOME/pkgstage, falling back to
// ~/.cache/pkgstage.
func BaseCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pkgstage")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pkgstage"
	}
	return filepath.Join(home, ".cache", "pkgstage")
}
