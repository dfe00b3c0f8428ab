package cmd

import (
	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/output"
	"github.com/isolab/isolab/internal/service"
)

var reconcileDryRunFlag bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare firewall rules with declared network modes and repair drift",
	Long: `List every isolab-tagged firewall rule and compare it with the sandboxes
that exist. Rules of removed or stopped sandboxes and rules carrying the
legacy tag are removed; running sandboxes whose rules do not match their
declared mode get them re-applied.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Show host resources, sandbox counts and DNS filter state",
	Args:  cobra.NoArgs,
	RunE:  runHost,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRunFlag, "dry-run", false, "Report drift without changing any rule")
	rootCmd.AddCommand(reconcileCmd, hostCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.svc.Reconcile(ctx, !reconcileDryRunFlag)
	if err != nil {
		return err
	}
	p := printer(cmd.OutOrStdout())
	if err := p.Print(report, func() output.Table { return output.ReconcileTable(report) }); err != nil {
		return err
	}
	if len(report.Items) > 0 {
		p.Message("\n%d of %d drift items fixed", report.Fixed, len(report.Items))
	}
	return nil
}

func runHost(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	if apiURLFlag != "" {
		c, err := apiClient()
		if err != nil {
			return err
		}
		remote, err := c.Host(ctx)
		if err != nil {
			return err
		}
		stats := fromRemoteHost(remote)
		return printer(cmd.OutOrStdout()).Print(stats, func() output.Table { return output.HostTable(stats) })
	}
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.svc.HostStats(ctx, service.SystemProbe)
	if err != nil {
		return err
	}
	return printer(cmd.OutOrStdout()).Print(stats, func() output.Table { return output.HostTable(stats) })
}
