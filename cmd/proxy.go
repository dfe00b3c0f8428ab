package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isolab/isolab/internal/ingress"
	"github.com/isolab/isolab/internal/lifecycle"
	"github.com/isolab/isolab/internal/output"
	"github.com/isolab/isolab/internal/store"
)

var (
	noStartFlag      bool
	proxyUserFlag    string
	drainTimeoutFlag time.Duration
	readyTimeoutFlag time.Duration
)

var installProxyCmd = &cobra.Command{
	Use:   "install-proxy",
	Short: "Install the SSH ingress proxy as a systemd service",
	Long: `Generate the proxy's host key and its upstream key, write a systemd unit
that runs 'isolab proxy serve' and enable it.

The upstream key is added to the authorized keys of every sandbox created
afterwards; run 'isolab keys sync' for sandboxes that already exist.`,
	Args: cobra.NoArgs,
	RunE: runInstallProxy,
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "SSH ingress proxy",
}

var proxyServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept SSH connections and route them to sandboxes, creating them on demand",
	Long: `Accept SSH connections from authorized keys and route each session to a
sandbox. The sandbox is named by the first word of the remote command
(ssh -p 2222 host alpha) or derived from the client key, and is created or
started when needed.`,
	Args: cobra.NoArgs,
	RunE: runProxyServe,
}

func init() {
	installProxyCmd.Flags().BoolVar(&noStartFlag, "no-start", false, "Write the unit without enabling or starting it")
	installProxyCmd.Flags().StringVar(&proxyUserFlag, "user", "", "Run the service as this user (default root)")
	proxyServeCmd.Flags().DurationVar(&drainTimeoutFlag, "drain-timeout", 30*time.Second, "How long open sessions may run after a shutdown signal")
	proxyServeCmd.Flags().DurationVar(&readyTimeoutFlag, "ready-timeout", 30*time.Second, "How long to wait for a sandbox's sshd to accept connections")

	proxyCmd.AddCommand(proxyServeCmd)
	rootCmd.AddCommand(installProxyCmd, proxyCmd)
}

func runInstallProxy(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab", offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate isolab binary: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(binary); err == nil {
		binary = resolved
	}
	configPath := viper.ConfigFileUsed()
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}

	installer := ingress.Installer{
		HostKeyPath:   a.cfg.ProxyHostKey(),
		ClientKeyPath: a.cfg.ProxyClientKey(),
		UnitPath:      a.cfg.Proxy.UnitPath,
		Unit: ingress.UnitOptions{
			Binary: binary,
			Home:   a.cfg.Home,
			Config: configPath,
			User:   proxyUserFlag,
		},
	}
	res, err := installer.Install(ctx, !noStartFlag)
	if err != nil {
		return err
	}

	p := printer(cmd.OutOrStdout())
	if p.Format != output.FormatTable {
		return p.Print(res, nil)
	}
	p.Message("Wrote %s", res.UnitPath)
	p.Message("Host key fingerprint: %s", res.HostFingerprint)
	if res.Started {
		p.Message("Proxy enabled and listening on %s", a.cfg.Proxy.Listen)
	} else {
		p.Message("Start it with: systemctl enable --now %s", filepath.Base(res.UnitPath))
	}
	p.Message("Existing sandboxes accept the proxy after: isolab keys sync")
	return nil
}

func runProxyServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{service: "isolab-proxy", daemon: true})
	if err != nil {
		return err
	}
	defer a.Close()

	host, upstream, created, err := ingress.LoadKeys(a.cfg.ProxyHostKey(), a.cfg.ProxyClientKey())
	if err != nil {
		return err
	}
	if created {
		slog.Warn("generated new proxy keys; run 'isolab keys sync' so existing sandboxes accept them", "component", "ingress")
	}

	ln, err := net.Listen("tcp", a.cfg.Proxy.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Proxy.Listen, err)
	}

	drainState := lifecycle.NewDrainManager()
	proxy := ingress.NewProxy(ingress.Config{
		HostSigner:     host,
		UpstreamSigner: upstream,
		UpstreamUser:   a.cfg.SSH.User,
		DefaultMode:    a.cfg.ProxyDefaultMode(),
		LogDir:         a.cfg.SessionLogDir(),
		ReadyTimeout:   readyTimeoutFlag,
	}, a.keys, a.svc, store.NewSessionStore(), drainState)

	if err := proxy.Serve(ctx, ln); err != nil {
		return err
	}
	slog.Info("shutting down ssh ingress", "component", "ingress", "active_sessions", drainState.Active())

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeoutFlag)
	defer cancel()
	if err := proxy.Drain(drainCtx); err != nil {
		slog.Warn("ssh ingress drained with timeout", "component", "ingress", "error", err)
	}
	slog.Info("ssh ingress stopped", "component", "ingress")
	return nil
}
