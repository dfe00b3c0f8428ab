package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/output"
)

var (
	createNetFlag    string
	forceFlag        bool
	purgeHistoryFlag bool
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create and start a sandbox",
	Long: `Create a sandbox container, publish its SSH port on the host's private
address and apply the firewall rules of the chosen network mode.

Names are lowercase DNS labels: letters, digits and '-'.`,
	Example: `  # Fully isolated sandbox
  isolab create alpha

  # Allow package registries only (requires isolab setup-dns)
  isolab create alpha --net=packages`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sandboxes",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var showCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var sshCmd = &cobra.Command{
	Use:   "ssh <name> [-- command...]",
	Short: "Open an SSH session to a sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSSH,
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a stopped sandbox and re-apply its network mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a sandbox and clear its firewall rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Restart a sandbox and re-apply its network mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a sandbox, its rules and its mode record",
	Args:  cobra.ExactArgs(1),
	Example: `  # Remove with confirmation
  isolab rm alpha

  # Remove without confirmation
  isolab rm alpha --force`,
	RunE: runRemove,
}

var nukeCmd = &cobra.Command{
	Use:   "nuke",
	Short: "Remove every sandbox and every isolab firewall rule",
	Long: `Remove every sandbox and every isolab firewall rule, including rules
whose sandbox no longer exists. Keys and the DNS allowlist are kept.
The event history is kept unless --purge-history is given.`,
	Args: cobra.NoArgs,
	RunE: runNuke,
}

var setNetCmd = &cobra.Command{
	Use:   "set-net <name> <none|packages|web|open|full>",
	Short: "Change the network mode of a running sandbox",
	Args:  cobra.ExactArgs(2),
	RunE:  runSetNet,
}

func init() {
	createCmd.Flags().StringVar(&createNetFlag, "net", "none", "Network mode (none, packages, web, open, full)")
	rmCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Skip confirmation")
	nukeCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Skip confirmation")
	nukeCmd.Flags().BoolVar(&purgeHistoryFlag, "purge-history", false, "Also delete the event history")

	rootCmd.AddCommand(createCmd, listCmd, showCmd, sshCmd, startCmd, stopCmd, restartCmd, rmCmd, nukeCmd, setNetCmd)
}

// warnUnenforced tells the operator when the firewall did not take the
// requested mode.
func warnUnenforced(w io.Writer, res *model.ApplyResult) {
	if res != nil && !res.Enforced && res.Warning != "" {
		fmt.Fprintf(w, "Warning: %s\n", res.Warning)
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	sb, err := a.svc.Create(ctx, &model.CreateSandboxRequest{Name: args[0], Network: createNetFlag}, "")
	if err != nil {
		return err
	}
	warnUnenforced(cmd.ErrOrStderr(), sb.Policy)
	p := printer(cmd.OutOrStdout())
	if err := p.Print(sb, func() output.Table { return output.SandboxDetail(sb, time.Now()) }); err != nil {
		return err
	}
	p.Message("\nConnect with: isolab ssh %s  (or ssh -p %d %s@%s)", sb.Name, sb.SSHPort, a.cfg.SSH.User, sb.BindAddress)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	if apiURLFlag != "" {
		c, err := apiClient()
		if err != nil {
			return err
		}
		remote, err := c.List(ctx)
		if err != nil {
			return err
		}
		items := make([]model.Sandbox, 0, len(remote))
		for _, sb := range remote {
			items = append(items, fromRemoteSandbox(sb))
		}
		return printer(cmd.OutOrStdout()).Print(items, func() output.Table { return output.SandboxTable(items, time.Now()) })
	}
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.svc.List(ctx)
	if err != nil {
		return err
	}
	return printer(cmd.OutOrStdout()).Print(list.Items, func() output.Table {
		return output.SandboxTable(list.Items, time.Now())
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	sb, err := a.svc.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printer(cmd.OutOrStdout()).Print(sb, func() output.Table { return output.SandboxDetail(sb, time.Now()) })
}

func runSSH(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	sb, err := a.svc.Get(ctx, args[0])
	user := a.cfg.SSH.User
	a.Close()
	if err != nil {
		return err
	}
	if sb.Status != model.SandboxStatusRunning {
		return fmt.Errorf("sandbox %s is not running; start it with: isolab start %s", sb.Name, sb.Name)
	}

	sshArgs := []string{"-p", strconv.Itoa(sb.SSHPort), "-o", "StrictHostKeyChecking=accept-new", user + "@" + sb.BindAddress}
	sshArgs = append(sshArgs, args[1:]...)
	c := exec.CommandContext(ctx, "ssh", sshArgs...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run ssh: %w", err)
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	return runBoot(cmd, args[0], false)
}

func runRestart(cmd *cobra.Command, args []string) error {
	return runBoot(cmd, args[0], true)
}

func runBoot(cmd *cobra.Command, name string, restart bool) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	boot := a.svc.Start
	if restart {
		boot = a.svc.Restart
	}
	sb, err := boot(ctx, name)
	if err != nil {
		return err
	}
	warnUnenforced(cmd.ErrOrStderr(), sb.Policy)
	return printer(cmd.OutOrStdout()).Print(sb, func() output.Table { return output.SandboxDetail(sb, time.Now()) })
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Stop(ctx, args[0]); err != nil {
		return err
	}
	printer(cmd.OutOrStdout()).Message("Sandbox %s stopped", args[0])
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !forceFlag {
		ok, err := confirm(os.Stdin, cmd.ErrOrStderr(), fmt.Sprintf("Remove sandbox %s and everything inside it?", name))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled")
			return nil
		}
	}

	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Remove(ctx, name); err != nil {
		return err
	}
	printer(cmd.OutOrStdout()).Message("Sandbox %s removed", name)
	return nil
}

func runNuke(cmd *cobra.Command, args []string) error {
	if !forceFlag {
		ok, err := confirm(os.Stdin, cmd.ErrOrStderr(), "Remove ALL sandboxes and isolab firewall rules?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled")
			return nil
		}
	}

	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.svc.Nuke(ctx, purgeHistoryFlag)
	if err != nil {
		return err
	}
	p := printer(cmd.OutOrStdout())
	if p.Format != output.FormatTable {
		return p.Print(report, nil)
	}
	p.Message("Removed %d sandboxes, cleared %d firewall rules", len(report.Sandboxes), report.RulesCleared)
	if purgeHistoryFlag {
		p.Message("Purged %d history entries", report.HistoryPurged)
	}
	return nil
}

func runSetNet(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.SetNetwork(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	warnUnenforced(cmd.ErrOrStderr(), res)
	p := printer(cmd.OutOrStdout())
	if p.Format != output.FormatTable {
		return p.Print(res, nil)
	}
	p.Message("Sandbox %s is now %s (%s)", args[0], res.Mode.DisplayName(), output.PolicyCell(res))
	return nil
}
