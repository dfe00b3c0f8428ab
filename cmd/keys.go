package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/output"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the SSH public keys authorized in new sandboxes",
}

var keysAddCmd = &cobra.Command{
	Use:   "add <public-key-file | - | key>",
	Short: "Authorize one or more public keys",
	Example: `  isolab keys add ~/.ssh/id_ed25519.pub
  cat team.pub | isolab keys add -
  isolab keys add "ssh-ed25519 AAAAC3... laptop"`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysAdd,
}

var keysListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List authorized keys",
	Args:    cobra.NoArgs,
	RunE:    runKeysList,
}

var keysRmCmd = &cobra.Command{
	Use:   "rm <index>",
	Short: "Remove a key by its index in 'isolab keys list'",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRm,
}

var keysSyncCmd = &cobra.Command{
	Use:   "sync [name]",
	Short: "Push the current keys into one or every running sandbox",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeysSync,
}

func init() {
	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysRmCmd, keysSyncCmd)
	rootCmd.AddCommand(keysCmd)
}

// readKeyArg returns the candidate key lines named by arg: a file, "-"
// for stdin, or the key itself.
func readKeyArg(arg string, stdin io.Reader) ([]string, error) {
	var r io.Reader
	switch {
	case arg == "-":
		r = stdin
	case strings.HasPrefix(arg, "ssh-") || strings.HasPrefix(arg, "ecdsa-") || strings.HasPrefix(arg, "sk-"):
		return []string{arg}, nil
	default:
		f, err := os.Open(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no key found in %s", keys.ErrInvalidKeyFormat, arg)
	}
	return lines, nil
}

func runKeysAdd(cmd *cobra.Command, args []string) error {
	lines, err := readKeyArg(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab", offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	p := printer(cmd.OutOrStdout())
	added := []keys.Entry{}
	for _, line := range lines {
		entry, ok, err := a.svc.AddKey(ctx, line)
		if err != nil {
			return err
		}
		if !ok {
			p.Message("Already authorized: %s %s", entry.Fingerprint, entry.Comment)
			continue
		}
		added = append(added, entry)
		p.Message("Added %s %s", entry.Fingerprint, entry.Comment)
	}
	if p.Format != output.FormatTable {
		return p.Print(added, nil)
	}
	if len(added) > 0 {
		p.Message("Running sandboxes keep their old keys until: isolab keys sync")
	}
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab", offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.svc.ListKeys()
	if err != nil {
		return err
	}
	return printer(cmd.OutOrStdout()).Print(entries, func() output.Table { return output.KeyTable(entries) })
}

func runKeysRm(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", keys.ErrIndexOutOfRange, args[0])
	}
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab", offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.svc.RemoveKey(ctx, index)
	if err != nil {
		return err
	}
	printer(cmd.OutOrStdout()).Message("Removed %s %s", entry.Fingerprint, entry.Comment)
	return nil
}

func runKeysSync(cmd *cobra.Command, args []string) error {
	ctx := opContext(cmd)
	a, err := newApp(ctx, appOptions{service: "isolab"})
	if err != nil {
		return err
	}
	defer a.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	synced, err := a.svc.SyncKeys(ctx, target)
	if err != nil {
		return err
	}
	p := printer(cmd.OutOrStdout())
	if p.Format != output.FormatTable {
		return p.Print(synced, nil)
	}
	if len(synced) == 0 {
		p.Message("No running sandboxes to sync")
		return nil
	}
	p.Message("Synced keys to: %s", strings.Join(synced, ", "))
	return nil
}
