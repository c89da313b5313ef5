package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

func TestWithDefaults(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache")

	cfg := Config{}.WithDefaults()
	if cfg.Registry != DefaultRegistry {
		t.Errorf("Registry = %q, want %q", cfg.Registry, DefaultRegistry)
	}
	if cfg.Attempts != DefaultAttempts {
		t.Errorf("Attempts = %d, want %d", cfg.Attempts, DefaultAttempts)
	}
	if time.Duration(cfg.AttemptTimeout) != DefaultAttemptTimeout {
		t.Errorf("AttemptTimeout = %v, want %v", time.Duration(cfg.AttemptTimeout), DefaultAttemptTimeout)
	}
	if cfg.DownloadDir != filepath.Join("/tmp/xdg-cache", "pkgstage", "downloads") {
		t.Errorf("DownloadDir = %q", cfg.DownloadDir)
	}
	if cfg.CacheDir != filepath.Join("/tmp/xdg-cache", "pkgstage", "offline") {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}

	custom := Config{Registry: "http://localhost:4873", Attempts: 5}.WithDefaults()
	if custom.Registry != "http://localhost:4873" || custom.Attempts != 5 {
		t.Errorf("WithDefaults() overwrote explicit values: %+v", custom)
	}
}

func TestWithDefaultsDoesNotMutate(t *testing.T) {
	orig := Config{}
	_ = orig.WithDefaults()
	if orig.Registry != "" {
		t.Error("WithDefaults() mutated the receiver")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
registry = "npms://registry.example.com"
offline = true
allowed_hosts = ["*.example.com"]
attempts = 3
attempt_timeout = "10s"

[headers]
Authorization = "Bearer token"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry != "npms://registry.example.com" {
		t.Errorf("Registry = %q", cfg.Registry)
	}
	if !cfg.Offline {
		t.Error("Offline = false, want true")
	}
	if cfg.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", cfg.Attempts)
	}
	if time.Duration(cfg.AttemptTimeout) != 10*time.Second {
		t.Errorf("AttemptTimeout = %v, want 10s", time.Duration(cfg.AttemptTimeout))
	}
	if cfg.Headers["Authorization"] != "Bearer token" {
		t.Errorf("Headers = %v", cfg.Headers)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", `registri = "https://x"`},
		{"bad duration", `attempt_timeout = "soon"`},
		{"bad scheme", `registry = "ftp://example.com"`},
		{"syntax", `registry = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if !errors.Is(err, errors.ErrCodeInvalidConfig) {
				t.Errorf("Load() error = %v, want %s", err, errors.ErrCodeInvalidConfig)
			}
		})
	}
}

func TestLoadDefaultMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Registry != "" {
		t.Errorf("Registry = %q, want empty", cfg.Registry)
	}
}

func TestNetworkPolicyCheck(t *testing.T) {
	u, _ := url.Parse("https://registry.npmjs.org/left-pad/1.3.0")

	tests := []struct {
		name    string
		policy  NetworkPolicy
		wantErr bool
	}{
		{"open", NetworkPolicy{}, false},
		{"offline", NetworkPolicy{Offline: true}, true},
		{"allowed exact", NetworkPolicy{AllowedHosts: []string{"registry.npmjs.org"}}, false},
		{"allowed glob", NetworkPolicy{AllowedHosts: []string{"*.npmjs.org"}}, false},
		{"case insensitive", NetworkPolicy{AllowedHosts: []string{"REGISTRY.NPMJS.ORG"}}, false},
		{"not allowed", NetworkPolicy{AllowedHosts: []string{"mirror.local"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(u)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrCodeNetworkAccessDenied) {
				t.Errorf("Check() code = %v, want %v", errors.GetCode(err), errors.ErrCodeNetworkAccessDenied)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "config.toml"))
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if cfg.Attempts != 2 || time.Duration(cfg.AttemptTimeout) != 30*time.Second {
		t.Errorf("example config = %+v", cfg)
	}
	if len(cfg.AllowedHosts) != 2 {
		t.Errorf("AllowedHosts = %v", cfg.AllowedHosts)
	}
}
