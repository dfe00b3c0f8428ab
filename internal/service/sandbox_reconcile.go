package service

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/netpolicy"
	"github.com/isolab/isolab/internal/store"
)

const (
	reconcileActionNone    = "none"
	reconcileActionCleared = "cleared"
	reconcileActionApplied = "reapplied"
	reconcileActionBusy    = "skipped_busy"
	reconcileActionFailed  = "failed"
)

// Reconcile compares the isolab rules on the chains with what each
// sandbox's authoritative mode synthesizes. With fix set, orphaned rules
// are cleared and drifted sandboxes re-applied. Sandboxes locked by a
// concurrent operation are skipped.
func (s *SandboxService) Reconcile(ctx context.Context, fix bool) (*model.ReconcileReport, error) {
	inventory, err := s.policy.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sandboxes := map[string]model.Sandbox{}
	for _, sb := range list.Items {
		sandboxes[sb.Name] = sb
	}

	report := &model.ReconcileReport{Items: []model.ReconcileItem{}}
	add := func(item model.ReconcileItem) { report.Items = append(report.Items, item) }
	log := s.logger(ctx).With("fix", fix)

	tagged := make([]string, 0, len(inventory))
	for name := range inventory {
		tagged = append(tagged, name)
	}
	sort.Strings(tagged)
	for _, name := range tagged {
		rules := inventory[name]
		sb, exists := sandboxes[name]
		switch {
		case !exists:
			add(s.reconcileItem(ctx, fix, name, model.DriftOrphanRules,
				fmt.Sprintf("%d rules for a sandbox that no longer exists", len(rules.Current)+len(rules.Legacy)),
				func() error { _, err := s.policy.Clear(ctx, name); return err }))
		case sb.Status != model.SandboxStatusRunning:
			add(s.reconcileItem(ctx, fix, name, model.DriftOrphanRules,
				"rules left behind by a stopped sandbox",
				func() error { _, err := s.policy.Clear(ctx, name); return err }))
		case len(rules.Legacy) > 0:
			add(s.reconcileItem(ctx, fix, name, model.DriftLegacyRules,
				fmt.Sprintf("%d rules use the legacy tag", len(rules.Legacy)),
				func() error { return s.reapply(ctx, sb) }))
		}
	}

	names := make([]string, 0, len(sandboxes))
	for name := range sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb := sandboxes[name]
		if sb.Status != model.SandboxStatusRunning {
			continue
		}
		rules := inventory[name]
		if rules != nil && len(rules.Legacy) > 0 {
			continue
		}
		if detail := ruleDrift(sb, rules); detail != "" {
			add(s.reconcileItem(ctx, fix, name, model.DriftMissingRules, detail,
				func() error { return s.reapply(ctx, sb) }))
		}
	}

	for _, item := range report.Items {
		if item.Action == reconcileActionCleared || item.Action == reconcileActionApplied {
			report.Fixed++
		}
	}
	log.Info("reconcile completed", "drift", len(report.Items), "fixed", report.Fixed)
	return report, nil
}

// ruleDrift describes how the installed rules differ from the synthesis
// for the sandbox's mode, or returns "" when they agree.
func ruleDrift(sb model.Sandbox, rules *netpolicy.TaggedRules) string {
	want := netpolicy.ExpectedRuleCount(sb.Mode)
	have := 0
	if rules != nil {
		have = len(rules.Current)
	}
	if have != want {
		return fmt.Sprintf("%s mode expects %d rules, found %d", sb.Mode, want, have)
	}
	if rules == nil {
		return ""
	}
	source := sb.Address + "/32"
	for _, e := range rules.Current {
		if !slices.Contains(e.Spec, source) {
			return fmt.Sprintf("rules target a stale address, sandbox is at %s", sb.Address)
		}
	}
	return ""
}

func (s *SandboxService) reapply(ctx context.Context, sb model.Sandbox) error {
	_, err := s.policy.Apply(ctx, sb.Name, sb.Address, sb.Mode)
	return err
}

func (s *SandboxService) reconcileItem(ctx context.Context, fix bool, name, drift, detail string, repair func() error) model.ReconcileItem {
	item := model.ReconcileItem{Sandbox: name, DriftType: drift, Action: reconcileActionNone, Detail: detail}
	if !fix {
		return item
	}
	h, ok, err := s.locker.TryLock(lock.SandboxKey(name))
	if err != nil || !ok {
		item.Action = reconcileActionBusy
		return item
	}
	defer h.Unlock()

	if err := repair(); err != nil {
		item.Action = reconcileActionFailed
		item.Detail = detail + ": " + err.Error()
		return item
	}
	item.Action = reconcileActionApplied
	if drift == model.DriftOrphanRules {
		item.Action = reconcileActionCleared
	}
	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   store.ActionRepair,
		Enforced: true,
		Detail:   drift + ": " + detail,
	})
	return item
}
