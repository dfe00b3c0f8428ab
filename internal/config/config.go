// Package config resolves isolab settings from flags, environment
// (ISOLAB_*) and an optional YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/viper"

	"github.com/isolab/isolab/internal/model"
)

const EnvPrefix = "ISOLAB"

const (
	FirewallIPTables = "iptables"
	FirewallDryRun   = "dry-run"
)

type Config struct {
	Home    string
	Image   string
	Runtime string
	Memory  string
	CPUs    float64

	SSH      SSHConfig
	Network  NetworkConfig
	Firewall FirewallConfig
	DNS      DNSConfig
	Proxy    ProxyConfig
	API      APIConfig
}

type SSHConfig struct {
	BasePort  int
	ProbeSpan int
	User      string
	// BindAddress overrides overlay detection when set.
	BindAddress string
}

type NetworkConfig struct {
	Bridge string
}

type FirewallConfig struct {
	Backend     string
	FilterChain string
	NATChain    string
	FailClosed  bool
}

type DNSConfig struct {
	Port      int
	Upstream  string
	Image     string
	Container string
}

type ProxyConfig struct {
	Listen      string
	DefaultMode string
	UnitPath    string
}

type APIConfig struct {
	Listen string
}

// SetDefaults registers every setting on v so environment variables are
// honoured even without a config file.
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/var/lib"
	}
	v.SetDefault("home", filepath.Join(home, ".isolab"))
	v.SetDefault("image", "isolab:latest")
	v.SetDefault("runtime", "runsc")
	v.SetDefault("memory", "4g")
	v.SetDefault("cpus", 2.0)

	v.SetDefault("ssh.base_port", 2200)
	v.SetDefault("ssh.probe_span", 500)
	v.SetDefault("ssh.user", "sandbox")
	v.SetDefault("ssh.bind_address", "")

	v.SetDefault("network.bridge", "bridge")

	v.SetDefault("firewall.backend", FirewallIPTables)
	v.SetDefault("firewall.filter_chain", "DOCKER-USER")
	v.SetDefault("firewall.nat_chain", "PREROUTING")
	v.SetDefault("firewall.fail_closed", false)

	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.upstream", "1.1.1.1")
	v.SetDefault("dns.image", "4km3/dnsmasq:2.90-r3")
	v.SetDefault("dns.container", "isolab-dns")

	v.SetDefault("proxy.listen", ":2222")
	v.SetDefault("proxy.default_mode", "none")
	v.SetDefault("proxy.unit_path", "/etc/systemd/system/isolab-proxy.service")

	v.SetDefault("api.listen", "127.0.0.1:8080")
}

// BindEnv wires ISOLAB_* variables, e.g. ISOLAB_HOME or ISOLAB_DNS_PORT.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the resolved settings out of v and validates them.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Home:    expandHome(v.GetString("home")),
		Image:   v.GetString("image"),
		Runtime: v.GetString("runtime"),
		Memory:  v.GetString("memory"),
		CPUs:    v.GetFloat64("cpus"),
		SSH: SSHConfig{
			BasePort:    v.GetInt("ssh.base_port"),
			ProbeSpan:   v.GetInt("ssh.probe_span"),
			User:        v.GetString("ssh.user"),
			BindAddress: v.GetString("ssh.bind_address"),
		},
		Network: NetworkConfig{
			Bridge: v.GetString("network.bridge"),
		},
		Firewall: FirewallConfig{
			Backend:     strings.ToLower(v.GetString("firewall.backend")),
			FilterChain: v.GetString("firewall.filter_chain"),
			NATChain:    v.GetString("firewall.nat_chain"),
			FailClosed:  v.GetBool("firewall.fail_closed"),
		},
		DNS: DNSConfig{
			Port:      v.GetInt("dns.port"),
			Upstream:  v.GetString("dns.upstream"),
			Image:     v.GetString("dns.image"),
			Container: v.GetString("dns.container"),
		},
		Proxy: ProxyConfig{
			Listen:      v.GetString("proxy.listen"),
			DefaultMode: v.GetString("proxy.default_mode"),
			UnitPath:    v.GetString("proxy.unit_path"),
		},
		API: APIConfig{
			Listen: v.GetString("api.listen"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.New("home is required")
	}
	if _, err := name.ParseReference(c.Image); err != nil {
		return fmt.Errorf("invalid image %q: %w", c.Image, err)
	}
	if _, err := name.ParseReference(c.DNS.Image); err != nil {
		return fmt.Errorf("invalid dns.image %q: %w", c.DNS.Image, err)
	}
	if _, err := c.MemoryBytes(); err != nil {
		return fmt.Errorf("invalid memory %q: %w", c.Memory, err)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %v", c.CPUs)
	}
	if c.SSH.BasePort < 1 || c.SSH.BasePort > 65535 {
		return fmt.Errorf("ssh.base_port must be within 1-65535, got %d", c.SSH.BasePort)
	}
	if c.SSH.ProbeSpan < 1 || c.SSH.BasePort+c.SSH.ProbeSpan > 65536 {
		return fmt.Errorf("ssh.probe_span %d does not fit above base port %d", c.SSH.ProbeSpan, c.SSH.BasePort)
	}
	if c.SSH.User == "" {
		return errors.New("ssh.user is required")
	}
	if c.SSH.BindAddress != "" && net.ParseIP(c.SSH.BindAddress) == nil {
		return fmt.Errorf("ssh.bind_address %q is not an IP address", c.SSH.BindAddress)
	}
	switch c.Firewall.Backend {
	case FirewallIPTables, FirewallDryRun:
	default:
		return fmt.Errorf("firewall.backend must be one of [%s, %s], got %q", FirewallIPTables, FirewallDryRun, c.Firewall.Backend)
	}
	if c.Firewall.FilterChain == "" || c.Firewall.NATChain == "" {
		return errors.New("firewall.filter_chain and firewall.nat_chain are required")
	}
	if c.DNS.Port < 1 || c.DNS.Port > 65535 || c.DNS.Port == 53 {
		return fmt.Errorf("dns.port must be a non-standard port, got %d", c.DNS.Port)
	}
	if net.ParseIP(c.DNS.Upstream) == nil {
		return fmt.Errorf("dns.upstream %q is not an IP address", c.DNS.Upstream)
	}
	if c.DNS.Container == "" {
		return errors.New("dns.container is required")
	}
	if _, err := model.ParseMode(c.Proxy.DefaultMode); err != nil {
		return fmt.Errorf("proxy.default_mode: %w", err)
	}
	return nil
}

func (c *Config) MemoryBytes() (int64, error) {
	return units.RAMInBytes(c.Memory)
}

func (c *Config) NanoCPUs() int64 {
	return int64(c.CPUs * 1e9)
}

func (c *Config) ProxyDefaultMode() model.NetworkMode {
	m, _ := model.ParseMode(c.Proxy.DefaultMode)
	return m
}

func (c *Config) KeyFile() string        { return filepath.Join(c.Home, "authorized_keys") }
func (c *Config) ModeDir() string        { return filepath.Join(c.Home, "modes") }
func (c *Config) AllowlistFile() string  { return filepath.Join(c.Home, "dns", "allowlist.txt") }
func (c *Config) ResolverConfig() string { return filepath.Join(c.Home, "dns", "dnsmasq.conf") }
func (c *Config) LockDir() string        { return filepath.Join(c.Home, "locks") }
func (c *Config) DBPath() string         { return filepath.Join(c.Home, "isolab.db") }
func (c *Config) SessionLogDir() string  { return filepath.Join(c.Home, "logs") }
func (c *Config) ProxyDir() string       { return filepath.Join(c.Home, "proxy") }
func (c *Config) ProxyHostKey() string   { return filepath.Join(c.ProxyDir(), "host_ed25519") }
func (c *Config) ProxyClientKey() string { return filepath.Join(c.ProxyDir(), "upstream_ed25519") }
func (c *Config) APITokenFile() string   { return filepath.Join(c.Home, "api_token") }

// ConfigSearchPaths lists where a config.yaml is looked up, in order.
func ConfigSearchPaths(home string) []string {
	paths := []string{}
	if home != "" {
		paths = append(paths, expandHome(home))
	}
	if userHome, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(userHome, ".config", "isolab"))
	}
	return paths
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
