package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/isolab/isolab/internal/config"
	"github.com/isolab/isolab/internal/container"
	"github.com/isolab/isolab/internal/dnsfilter"
	"github.com/isolab/isolab/internal/firewall"
	"github.com/isolab/isolab/internal/hostnet"
	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/netpolicy"
	"github.com/isolab/isolab/internal/service"
	"github.com/isolab/isolab/internal/store"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	locker  *lock.Locker
	keys    *keys.Store
	modes   *store.ModeStore
	runtime *container.Docker
	dns     *dnsfilter.Filter
	policy  *netpolicy.Manager
	svc     *service.SandboxService

	closers []func() error
}

type appOptions struct {
	service string
	daemon  bool
	// offline skips the container runtime and firewall, for commands that
	// only touch local state such as the key file.
	offline bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	closeLogger, err := initLogging(opts.service, opts.daemon)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		locker:  lock.New(cfg.LockDir()),
		keys:    keys.NewStore(cfg.KeyFile()),
		modes:   store.NewModeStore(cfg.ModeDir()),
		closers: []func() error{closeLogger},
	}

	if err := store.InitDB(cfg.DBPath()); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.CloseDB)

	deps := service.Dependencies{
		Keys:     a.keys,
		Modes:    a.modes,
		Events:   store.NewEventStore(),
		Sessions: store.NewSessionStore(),
		Locker:   a.locker,
	}

	if !opts.offline {
		rt, err := container.NewDocker(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.runtime = rt
		a.closers = append(a.closers, rt.Close)

		backend, err := newFirewallBackend(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dns = dnsfilter.New(rt, a.locker, dnsfilter.Settings{
			ContainerName: cfg.DNS.Container,
			Image:         cfg.DNS.Image,
			Network:       cfg.Network.Bridge,
			Port:          cfg.DNS.Port,
			Upstream:      cfg.DNS.Upstream,
			AllowlistPath: cfg.AllowlistFile(),
			ConfigPath:    cfg.ResolverConfig(),
		})
		a.policy = netpolicy.NewManager(backend, a.locker, netpolicy.Options{
			Chains:     netpolicy.Chains{Filter: cfg.Firewall.FilterChain, NAT: cfg.Firewall.NATChain},
			FailClosed: cfg.Firewall.FailClosed,
			DNSTarget:  a.dns.Target,
		})
		deps.Runtime = rt
		deps.Policy = a.policy
		deps.DNS = a.dns
	}

	memory, _ := cfg.MemoryBytes()
	a.svc = service.NewSandboxService(deps, service.Options{
		Image:        cfg.Image,
		Runtime:      cfg.Runtime,
		MemoryBytes:  memory,
		NanoCPUs:     cfg.NanoCPUs(),
		Network:      cfg.Network.Bridge,
		User:         cfg.SSH.User,
		DefaultMode:  model.ModeNone,
		BindOverride: cfg.SSH.BindAddress,
		Overlay:      hostnet.TailscaleIPv4,
		Ports:        hostnet.Allocator{Base: cfg.SSH.BasePort, Span: cfg.SSH.ProbeSpan},
		ExtraKeys:    a.proxyKeys,
	})
	return a, nil
}

// proxyKeys lets the ingress proxy reach sandbox sshd once it is installed.
func (a *app) proxyKeys() []string {
	line, err := keys.ReadPublicLine(a.cfg.ProxyClientKey())
	if err != nil {
		slog.Warn("failed to read proxy upstream key", "component", "cli", "error", err)
		return nil
	}
	if line == "" {
		return nil
	}
	return []string{line}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("cleanup failed", "component", "cli", "error", err)
		}
	}
	a.closers = nil
}

func newFirewallBackend(cfg *config.Config) (firewall.Backend, error) {
	switch cfg.Firewall.Backend {
	case config.FirewallDryRun:
		m := firewall.NewMemory()
		m.Out = os.Stderr
		return m, nil
	case config.FirewallIPTables:
		return firewall.NewIPTables()
	default:
		return nil, fmt.Errorf("unsupported firewall backend %q", cfg.Firewall.Backend)
	}
}
