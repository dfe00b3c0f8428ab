package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/isolab/isolab/internal/model"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ISOLAB_HOME", home)

	cfg, err := Load(newViper(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Home != home {
		t.Fatalf("expected ISOLAB_HOME to win, got %q", cfg.Home)
	}
	if cfg.SSH.BasePort != 2200 || cfg.DNS.Port != 5353 || cfg.Image != "isolab:latest" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	mem, err := cfg.MemoryBytes()
	if err != nil || mem != 4*1024*1024*1024 {
		t.Fatalf("MemoryBytes() = %d, %v", mem, err)
	}
	if cfg.NanoCPUs() != 2e9 {
		t.Fatalf("NanoCPUs() = %d", cfg.NanoCPUs())
	}
	if cfg.ModeDir() != filepath.Join(home, "modes") || cfg.KeyFile() != filepath.Join(home, "authorized_keys") {
		t.Fatalf("unexpected state layout %s %s", cfg.ModeDir(), cfg.KeyFile())
	}
	if cfg.ProxyDefaultMode() != model.ModeNone {
		t.Fatalf("expected none proxy default")
	}
}

func TestEnvironmentOverridesNestedKeys(t *testing.T) {
	t.Setenv("ISOLAB_HOME", t.TempDir())
	t.Setenv("ISOLAB_DNS_UPSTREAM", "9.9.9.9")
	t.Setenv("ISOLAB_IMAGE", "ghcr.io/example/isolab:1.2")
	t.Setenv("ISOLAB_FIREWALL_BACKEND", "dry-run")

	cfg, err := Load(newViper(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DNS.Upstream != "9.9.9.9" || cfg.Image != "ghcr.io/example/isolab:1.2" || cfg.Firewall.Backend != FirewallDryRun {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := "home: " + dir + "\nmemory: 2g\nssh:\n  base_port: 3200\nproxy:\n  default_mode: web\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := newViper(t)
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SSH.BasePort != 3200 || cfg.Memory != "2g" || cfg.ProxyDefaultMode() != model.ModeWeb {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"image":    func(c *Config) { c.Image = "UPPER CASE/bad image" },
		"memory":   func(c *Config) { c.Memory = "lots" },
		"port":     func(c *Config) { c.SSH.BasePort = 70000 },
		"span":     func(c *Config) { c.SSH.BasePort = 65500; c.SSH.ProbeSpan = 100 },
		"dns53":    func(c *Config) { c.DNS.Port = 53 },
		"upstream": func(c *Config) { c.DNS.Upstream = "dns.example" },
		"backend":  func(c *Config) { c.Firewall.Backend = "nft" },
		"mode":     func(c *Config) { c.Proxy.DefaultMode = "isolated" },
		"bind":     func(c *Config) { c.SSH.BindAddress = "tailscale0" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			t.Setenv("ISOLAB_HOME", t.TempDir())
			cfg, err := Load(newViper(t))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", field)
			}
		})
	}
}

func TestConfigSearchPaths(t *testing.T) {
	paths := ConfigSearchPaths("/srv/isolab")
	if len(paths) == 0 || paths[0] != "/srv/isolab" {
		t.Fatalf("expected home first, got %v", paths)
	}
	for _, p := range paths[1:] {
		if !strings.HasSuffix(p, filepath.Join(".config", "isolab")) {
			t.Fatalf("unexpected search path %q", p)
		}
	}
}
