package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
	"github.com/isolab/isolab/pkg/client"
)

const envAPIToken = "ISOLAB_API_TOKEN"

// apiURLFlag points read-only commands at a remote `isolab serve`.
var (
	apiURLFlag   string
	apiTokenFlag string
)

func addAPIFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().StringVar(&apiURLFlag, "api", "", "Query a remote status API (isolab serve) instead of the local host")
		c.Flags().StringVar(&apiTokenFlag, "api-token", "", "Bearer token of the remote API (default $"+envAPIToken+")")
	}
}

func init() {
	addAPIFlag(listCmd, hostCmd, historyCmd)
}

func apiClient() (*client.Client, error) {
	token := apiTokenFlag
	if token == "" {
		token = os.Getenv(envAPIToken)
	}
	return client.New(apiURLFlag, client.WithToken(token))
}

func fromRemoteSandbox(sb client.Sandbox) model.Sandbox {
	mode, _ := model.ParseMode(sb.Mode)
	out := model.Sandbox{
		Name:        sb.Name,
		ContainerID: sb.ContainerID,
		Status:      model.SandboxStatus(sb.Status),
		SSHPort:     sb.SSHPort,
		BindAddress: sb.BindAddress,
		Address:     sb.Address,
		Mode:        mode,
		ModeSource:  model.ModeSource(sb.ModeSource),
		Owner:       sb.Owner,
		CreatedAt:   sb.CreatedAt,
		StartedAt:   sb.StartedAt,
		Labels:      sb.Labels,
	}
	if sb.Policy != nil {
		pm, _ := model.ParseMode(sb.Policy.Mode)
		out.Policy = &model.ApplyResult{Mode: pm, Enforced: sb.Policy.Enforced, Rules: sb.Policy.Rules, Warning: sb.Policy.Warning}
	}
	return out
}

func fromRemoteEvent(ev client.Event) store.EventRecord {
	return store.EventRecord{
		ID:        ev.ID,
		Sandbox:   ev.Sandbox,
		Action:    ev.Action,
		FromMode:  ev.FromMode,
		ToMode:    ev.ToMode,
		Enforced:  ev.Enforced,
		Detail:    ev.Detail,
		OpID:      ev.OpID,
		CreatedAt: ev.CreatedAt,
	}
}

func fromRemoteHost(s *client.HostStats) *model.HostStats {
	return &model.HostStats{
		DiskTotalGB:   s.DiskTotalGB,
		DiskUsedGB:    s.DiskUsedGB,
		DiskPercent:   s.DiskPercent,
		MemTotalGB:    s.MemTotalGB,
		MemUsedGB:     s.MemUsedGB,
		MemPercent:    s.MemPercent,
		Load:          s.Load,
		Sandboxes:     s.Sandboxes,
		RunningCount:  s.RunningCount,
		DNSFilterLive: s.DNSFilterLive,
	}
}
