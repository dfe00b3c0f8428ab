package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/output"
	"github.com/isolab/isolab/internal/store"
)

var (
	logsContainerFlag bool
	logsTailFlag      int
	logsLimitFlag     int
	historyLimitFlag  int
)

var logsCmd = &cobra.Command{
	Use:   "logs <name> [session-id]",
	Short: "Show proxied sessions, a session transcript or container output",
	Example: `  # Sessions recorded by the SSH ingress proxy
  isolab logs alpha

  # Transcript of one session
  isolab logs alpha 3f2c9a1e-...

  # The container's own output
  isolab logs alpha --container --tail 200`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runLogs,
}

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show the lifecycle and network mode history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	logsCmd.Flags().BoolVar(&logsContainerFlag, "container", false, "Show the container's log stream")
	logsCmd.Flags().IntVar(&logsTailFlag, "tail", 100, "Number of container log lines (0 for all)")
	logsCmd.Flags().IntVar(&logsLimitFlag, "limit", 50, "Number of sessions to list")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 50, "Number of events to show")

	rootCmd.AddCommand(logsCmd, historyCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	name := args[0]
	a, err := newApp(ctx, appOptions{service: "isolab", offline: !logsContainerFlag})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	switch {
	case logsContainerFlag:
		tail := "all"
		if logsTailFlag > 0 {
			tail = strconv.Itoa(logsTailFlag)
		}
		return a.svc.ContainerLogs(ctx, name, tail, out)
	case len(args) == 2:
		rc, err := a.svc.OpenTranscript(ctx, name, args[1])
		if err != nil {
			return err
		}
		defer rc.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		return nil
	default:
		sessions, err := a.svc.Sessions(ctx, name, logsLimitFlag)
		if err != nil {
			return err
		}
		return printer(out).Print(sessions, func() output.Table { return output.SessionTable(sessions, time.Now()) })
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	name := ""
	if len(args) == 1 {
		name = args[0]
	}

	var events []store.EventRecord
	if apiURLFlag != "" {
		c, err := apiClient()
		if err != nil {
			return err
		}
		remote, err := c.History(ctx, name, historyLimitFlag)
		if err != nil {
			return err
		}
		events = make([]store.EventRecord, 0, len(remote))
		for _, ev := range remote {
			events = append(events, fromRemoteEvent(ev))
		}
	} else {
		a, err := newApp(ctx, appOptions{service: "isolab", offline: true})
		if err != nil {
			return err
		}
		defer a.Close()
		events, err = a.svc.History(ctx, name, historyLimitFlag)
		if err != nil {
			return err
		}
	}
	return printer(cmd.OutOrStdout()).Print(events, func() output.Table { return output.EventTable(events, time.Now()) })
}
