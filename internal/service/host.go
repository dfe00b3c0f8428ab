package service

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/isolab/isolab/internal/model"
)

const gib = 1024 * 1024 * 1024

// HostProbe fills the resource part of the host panel.
type HostProbe func(ctx context.Context, stats *model.HostStats) error

// SystemProbe reads memory, load average and usage of the root filesystem.
func SystemProbe(ctx context.Context, stats *model.HostStats) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read memory stats: %w", err)
	}
	stats.MemTotalGB = round1(float64(vm.Total) / gib)
	stats.MemUsedGB = round1(float64(vm.Total-vm.Available) / gib)
	stats.MemPercent = round1(percent(vm.Total-vm.Available, vm.Total))

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return fmt.Errorf("failed to read disk stats: %w", err)
	}
	stats.DiskTotalGB = round1(float64(du.Total) / gib)
	stats.DiskUsedGB = round1(float64(du.Used) / gib)
	stats.DiskPercent = round1(du.UsedPercent)

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read load average: %w", err)
	}
	stats.Load = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	return nil
}

// HostStats reports host resources plus sandbox and DNS filter state.
func (s *SandboxService) HostStats(ctx context.Context, probe HostProbe) (*model.HostStats, error) {
	stats := &model.HostStats{}
	if probe != nil {
		if err := probe(ctx, stats); err != nil {
			return nil, err
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	stats.Sandboxes = len(list.Items)
	for _, sb := range list.Items {
		if sb.Status == model.SandboxStatusRunning {
			stats.RunningCount++
		}
	}
	if s.dns != nil {
		running, err := s.dns.Running(ctx)
		if err != nil {
			s.logger(ctx).Warn("failed to check DNS filter", "error", err)
		}
		stats.DNSFilterLive = running
	}
	return stats, nil
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
