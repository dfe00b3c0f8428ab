package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
)

// ModeCell shows the mode in upper case and marks modes that no record backs.
func ModeCell(mode model.NetworkMode, source model.ModeSource) string {
	cell := mode.DisplayName()
	if source != "" && source != model.ModeSourceRecord {
		cell += " (" + string(source) + ")"
	}
	return cell
}

func PolicyCell(res *model.ApplyResult) string {
	if res == nil {
		return "-"
	}
	if !res.Enforced {
		return "NOT ENFORCED"
	}
	return fmt.Sprintf("enforced, %d rules", res.Rules)
}

func SandboxTable(items []model.Sandbox, now time.Time) Table {
	t := Table{
		Header: []string{"NAME", "STATUS", "MODE", "SSH", "ADDRESS", "UPTIME", "CREATED"},
		Empty:  "No sandboxes. Create one with: isolab create <name>",
	}
	for _, sb := range items {
		t.Rows = append(t.Rows, []string{
			sb.Name,
			string(sb.Status),
			ModeCell(sb.Mode, sb.ModeSource),
			fmt.Sprintf("%s:%d", sb.BindAddress, sb.SSHPort),
			orDash(sb.Address),
			Duration(sb.Uptime(now)),
			Ago(sb.CreatedAt, now),
		})
	}
	return t
}

// SandboxDetail renders one sandbox as key/value rows.
func SandboxDetail(sb *model.Sandbox, now time.Time) Table {
	t := Table{Header: []string{"FIELD", "VALUE"}}
	add := func(k, v string) { t.Rows = append(t.Rows, []string{k, v}) }
	add("name", sb.Name)
	add("status", string(sb.Status))
	add("mode", ModeCell(sb.Mode, sb.ModeSource))
	add("ssh", fmt.Sprintf("%s:%d", sb.BindAddress, sb.SSHPort))
	add("address", orDash(sb.Address))
	add("owner", orDash(sb.Owner))
	add("uptime", Duration(sb.Uptime(now)))
	add("created", Ago(sb.CreatedAt, now))
	if sb.Policy != nil {
		add("policy", PolicyCell(sb.Policy))
		if sb.Policy.Warning != "" {
			add("warning", sb.Policy.Warning)
		}
	}
	return t
}

func EventTable(events []store.EventRecord, now time.Time) Table {
	t := Table{
		Header: []string{"WHEN", "SANDBOX", "ACTION", "FROM", "TO", "ENFORCED", "DETAIL"},
		Empty:  "No history recorded",
	}
	for _, ev := range events {
		t.Rows = append(t.Rows, []string{
			Ago(ev.CreatedAt, now),
			ev.Sandbox,
			ev.Action,
			orDash(ev.FromMode),
			orDash(ev.ToMode),
			strconv.FormatBool(ev.Enforced),
			orDash(ev.Detail),
		})
	}
	return t
}

func SessionTable(sessions []store.SessionRecord, now time.Time) Table {
	t := Table{
		Header: []string{"ID", "STARTED", "DURATION", "COMMAND", "EXIT", "BYTES", "KEY"},
		Empty:  "No proxied sessions recorded",
	}
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = Duration(s.EndedAt.Sub(s.StartedAt))
		}
		exit := "-"
		if s.ExitStatus != nil {
			exit = strconv.Itoa(*s.ExitStatus)
		}
		t.Rows = append(t.Rows, []string{
			s.ID,
			Ago(s.StartedAt, now),
			duration,
			orDash(s.Command),
			exit,
			strconv.FormatInt(s.BytesOut, 10),
			s.Fingerprint,
		})
	}
	return t
}

func ReconcileTable(report *model.ReconcileReport) Table {
	t := Table{
		Header: []string{"SANDBOX", "DRIFT", "ACTION", "DETAIL"},
		Empty:  "Firewall matches declared modes",
	}
	for _, item := range report.Items {
		t.Rows = append(t.Rows, []string{item.Sandbox, item.DriftType, item.Action, orDash(item.Detail)})
	}
	return t
}

func HostTable(stats *model.HostStats) Table {
	t := Table{Header: []string{"RESOURCE", "VALUE"}}
	add := func(k, v string) { t.Rows = append(t.Rows, []string{k, v}) }
	add("memory", fmt.Sprintf("%.1f / %.1f GB (%.0f%%)", stats.MemUsedGB, stats.MemTotalGB, stats.MemPercent))
	add("disk", fmt.Sprintf("%.1f / %.1f GB (%.0f%%)", stats.DiskUsedGB, stats.DiskTotalGB, stats.DiskPercent))
	add("load", fmt.Sprintf("%.2f %.2f %.2f", stats.Load[0], stats.Load[1], stats.Load[2]))
	add("sandboxes", fmt.Sprintf("%d (%d running)", stats.Sandboxes, stats.RunningCount))
	dns := "stopped"
	if stats.DNSFilterLive {
		dns = "running"
	}
	add("dns filter", dns)
	return t
}

func KeyTable(entries []keys.Entry) Table {
	t := Table{
		Header: []string{"#", "TYPE", "FINGERPRINT", "COMMENT"},
		Empty:  "No keys. Add one with: isolab keys add <public-key-file>",
	}
	for _, e := range entries {
		comment := orDash(e.Comment)
		if e.Invalid != "" {
			comment = "INVALID: " + e.Invalid
		}
		t.Rows = append(t.Rows, []string{strconv.Itoa(e.Index), e.Algorithm, orDash(e.Fingerprint), comment})
	}
	return t
}
