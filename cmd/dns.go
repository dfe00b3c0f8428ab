package cmd

import (
	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/output"
)

var setupDNSCmd = &cobra.Command{
	Use:   "setup-dns",
	Short: "Start the allowlisting DNS filter used by the packages mode",
	Long: `Seed the domain allowlist if it does not exist yet, generate the resolver
configuration from it and run the DNS filter container. Running the
command again regenerates the configuration and restarts the filter.`,
	Args: cobra.NoArgs,
	RunE: runSetupDNS,
}

var dnsReloadCmd = &cobra.Command{
	Use:   "dns-reload",
	Short: "Regenerate the resolver configuration from the allowlist and restart the filter",
	Args:  cobra.NoArgs,
	RunE:  runDNSReload,
}

func init() {
	rootCmd.AddCommand(setupDNSCmd, dnsReloadCmd)
}

type dnsStatus struct {
	Domains   int    `json:"domains" yaml:"domains"`
	Target    string `json:"target" yaml:"target"`
	Allowlist string `json:"allowlist" yaml:"allowlist"`
}

func runSetupDNS(cmd *cobra.Command, args []string) error {
	return runDNS(cmd, false)
}

func runDNSReload(cmd *cobra.Command, args []string) error {
	return runDNS(cmd, true)
}

func runDNS(cmd *cobra.Command, reload bool) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	op := a.dns.Setup
	if reload {
		op = a.dns.Reload
	}
	n, err := op(ctx)
	if err != nil {
		return err
	}
	target, err := a.dns.Target(ctx)
	if err != nil {
		return err
	}
	status := dnsStatus{Domains: n, Target: target, Allowlist: a.cfg.AllowlistFile()}
	p := printer(cmd.OutOrStdout())
	if p.Format != output.FormatTable {
		return p.Print(status, nil)
	}
	p.Message("DNS filter serving %d allowed domains on %s", status.Domains, status.Target)
	p.Message("Edit %s and run 'isolab dns-reload' to change the allowlist", status.Allowlist)
	return nil
}
