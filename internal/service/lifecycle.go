package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/isolab/isolab/internal/container"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
)

// Start boots a stopped sandbox and re-applies the rules of its
// authoritative mode against the address it came up with.
func (s *SandboxService) Start(ctx context.Context, name string) (*model.Sandbox, error) {
	return s.boot(ctx, name, store.ActionStart, func(cname string) error {
		return s.rt.Start(ctx, cname)
	})
}

// Restart clears the sandbox's rules, restarts it and re-applies them.
func (s *SandboxService) Restart(ctx context.Context, name string) (*model.Sandbox, error) {
	return s.boot(ctx, name, store.ActionRestart, func(cname string) error {
		if _, err := s.policy.Clear(ctx, name); err != nil {
			return err
		}
		return s.rt.Restart(ctx, cname, stopTimeout)
	})
}

func (s *SandboxService) boot(ctx context.Context, name, action string, run func(cname string) error) (*model.Sandbox, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	unlock, err := s.lockSandbox(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := s.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	cname := model.ContainerName(name)
	if err := run(cname); err != nil {
		return nil, s.restoreRules(ctx, name, fmt.Errorf("failed to %s %s: %w", action, name, err))
	}
	info, err = s.rt.Inspect(ctx, cname)
	if err != nil {
		return nil, err
	}

	log := s.logger(ctx).With("sandbox", name)
	mode, _ := s.ResolveMode(ctx, name, info.Labels)
	if mode == model.ModePackages {
		if err := s.requireDNSFilter(ctx); err != nil {
			log.Warn("DNS filter is down; name resolution will fail until it is set up", "error", err)
		}
	}
	result, err := s.policy.Apply(ctx, name, info.IPAddress, mode)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   action,
		FromMode: mode.String(),
		ToMode:   mode.String(),
		Enforced: result.Enforced,
		Detail:   "address " + info.IPAddress,
	})
	log.Info("sandbox "+action, "mode", mode.String(), "address", info.IPAddress)

	sb := s.toSandbox(ctx, info)
	sb.Policy = &result
	return sb, nil
}

// Stop clears the sandbox's rules before stopping it, since the address
// may be handed to another container while it is down.
func (s *SandboxService) Stop(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	unlock, err := s.lockSandbox(name)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := s.inspect(ctx, name)
	if err != nil {
		return err
	}
	removed, err := s.policy.Clear(ctx, name)
	if err != nil {
		return err
	}
	if err := s.rt.Stop(ctx, model.ContainerName(name), stopTimeout); err != nil {
		return s.restoreRules(ctx, name, fmt.Errorf("failed to stop %s: %w", name, err))
	}
	mode, _ := s.ResolveMode(ctx, name, info.Labels)
	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   store.ActionStop,
		FromMode: mode.String(),
		ToMode:   mode.String(),
		Detail:   fmt.Sprintf("%d rules cleared", removed),
	})
	s.logger(ctx).Info("sandbox stopped", "sandbox", name, "rules_cleared", removed)
	return nil
}

// restoreRules runs after a runtime call failed with the sandbox's rules
// already cleared. A container that is still running gets the rules of its
// authoritative mode back; cause is returned joined with any apply error.
func (s *SandboxService) restoreRules(ctx context.Context, name string, cause error) error {
	info, err := s.rt.Inspect(ctx, model.ContainerName(name))
	if err != nil {
		if errors.Is(err, container.ErrNotFound) {
			return cause
		}
		return errors.Join(cause, err)
	}
	if !info.Running {
		return cause
	}
	mode, _ := s.ResolveMode(ctx, name, info.Labels)
	if _, err := s.policy.Apply(ctx, name, info.IPAddress, mode); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to restore rules for %s: %w", name, err))
	}
	s.logger(ctx).Warn("runtime call failed; rules restored on running sandbox", "sandbox", name, "mode", mode.String(), "error", cause)
	return cause
}

// Remove clears rules, destroys the container and deletes the mode
// record, in that order. A leftover record without a container is still
// cleaned up.
func (s *SandboxService) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	unlock, err := s.lockSandbox(name)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := s.inspect(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, hasRecord, _ := s.modes.Get(name)
	if info == nil && !hasRecord {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var from model.NetworkMode
	if info != nil {
		from, _ = s.ResolveMode(ctx, name, info.Labels)
	} else {
		from, _ = s.ResolveMode(ctx, name, nil)
	}
	removed, err := s.policy.Clear(ctx, name)
	if err != nil {
		return err
	}
	if info != nil {
		if err := s.rt.Remove(ctx, model.ContainerName(name)); err != nil && !errors.Is(err, container.ErrNotFound) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if err := s.modes.Delete(name); err != nil {
		return err
	}
	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   store.ActionRemove,
		FromMode: from.String(),
		Detail:   fmt.Sprintf("%d rules cleared", removed),
	})
	s.logger(ctx).Info("sandbox removed", "sandbox", name, "rules_cleared", removed)
	return nil
}

type NukeReport struct {
	Sandboxes      []string `json:"sandboxes" yaml:"sandboxes"`
	RulesCleared   int      `json:"rules_cleared" yaml:"rules_cleared"`
	HistoryPurged  int64    `json:"history_purged" yaml:"history_purged"`
	RecordsRemoved bool     `json:"records_removed" yaml:"records_removed"`
}

// Nuke destroys every sandbox. Keys and the allowlist survive; the event
// history survives unless purgeHistory is set. Creates wait until it is done.
func (s *SandboxService) Nuke(ctx context.Context, purgeHistory bool) (*NukeReport, error) {
	reg, err := s.locker.Lock(lock.RegistryKey)
	if err != nil {
		return nil, err
	}
	defer reg.Unlock()

	infos, err := s.rt.List(ctx, map[string]string{model.LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	names := make([]string, 0, len(infos))
	for i := range infos {
		names = append(names, sandboxName(&infos[i]))
	}
	sort.Strings(names)

	handles := make([]*lock.Handle, 0, len(names))
	defer func() {
		for _, h := range handles {
			_ = h.Unlock()
		}
	}()
	for _, n := range names {
		h, err := s.locker.Lock(lock.SandboxKey(n))
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}

	report := &NukeReport{Sandboxes: names}
	report.RulesCleared, err = s.policy.ClearAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if err := s.rt.Remove(ctx, model.ContainerName(n)); err != nil && !errors.Is(err, container.ErrNotFound) {
			return report, fmt.Errorf("failed to remove %s: %w", n, err)
		}
	}
	if err := s.modes.Purge(); err != nil {
		return report, err
	}
	report.RecordsRemoved = true

	for _, n := range names {
		s.recordEvent(ctx, &store.EventRecord{Sandbox: n, Action: store.ActionNuke})
	}
	if purgeHistory && s.events != nil {
		report.HistoryPurged, err = s.events.Purge(ctx)
		if err != nil {
			return report, err
		}
	}
	s.logger(ctx).Info("all sandboxes destroyed", "count", len(names), "rules_cleared", report.RulesCleared)
	return report, nil
}

// SetNetwork moves a running sandbox to mode: clear, apply, then persist.
// A failed apply leaves the previous record in place; a failed persist puts
// the previous rules back.
func (s *SandboxService) SetNetwork(ctx context.Context, name, modeName string) (*model.ApplyResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	mode, err := model.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockSandbox(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := s.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.Running {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	if mode == model.ModePackages {
		if err := s.requireDNSFilter(ctx); err != nil {
			return nil, err
		}
	}

	from, _ := s.ResolveMode(ctx, name, info.Labels)
	result, err := s.policy.Apply(ctx, name, info.IPAddress, mode)
	if err != nil {
		return nil, err
	}
	if err := s.modes.Save(name, mode); err != nil {
		if _, rerr := s.policy.Apply(ctx, name, info.IPAddress, from); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore %s rules for %s: %w", from, name, rerr))
		}
		return nil, err
	}

	log := s.logger(ctx).With("sandbox", name)
	content := []byte(mode.DisplayName() + "\n")
	if err := s.rt.CopyFile(ctx, model.ContainerName(name), netModeDir, netModeFile, content, 0o644); err != nil {
		log.Warn("failed to refresh in-container mode marker", "error", err)
	}
	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   store.ActionSetNet,
		FromMode: from.String(),
		ToMode:   mode.String(),
		Enforced: result.Enforced,
		Detail:   result.Warning,
	})
	log.Info("network mode changed", "from", from.String(), "to", mode.String(), "enforced", result.Enforced)
	return &result, nil
}
