package netpolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/isolab/isolab/internal/firewall"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/logx"
	"github.com/isolab/isolab/internal/model"
)

// DNSTargetFunc returns the host:port the packages mode redirects DNS to.
type DNSTargetFunc func(ctx context.Context) (string, error)

type Options struct {
	Chains Chains
	// FailClosed turns privilege failures into errors instead of warnings.
	FailClosed bool
	DNSTarget  DNSTargetFunc
}

// Manager owns every isolab rule on the shared chains. All mutations go
// through Apply, Clear and ClearAll, each holding the chain lock.
type Manager struct {
	backend firewall.Backend
	locker  *lock.Locker
	opts    Options
	mu      sync.Mutex
}

func NewManager(backend firewall.Backend, locker *lock.Locker, opts Options) *Manager {
	opts.Chains = opts.Chains.withDefaults()
	return &Manager{backend: backend, locker: locker, opts: opts}
}

func (m *Manager) logger(ctx context.Context) *slog.Logger {
	return logx.LoggerFromContext(ctx).With("component", "netpolicy")
}

func (m *Manager) withChainLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locker != nil {
		h, err := m.locker.Lock(lock.ChainKey)
		if err != nil {
			return err
		}
		defer h.Unlock()
	}
	return fn()
}

// Apply replaces the sandbox's rules with the ones for mode. Existing
// rules for the sandbox, including legacy-tagged ones, are always removed
// first. A privilege failure yields an unenforced result and a warning
// unless the manager fails closed.
func (m *Manager) Apply(ctx context.Context, name, addr string, mode model.NetworkMode) (model.ApplyResult, error) {
	result := model.ApplyResult{Mode: mode}
	if !mode.Valid() {
		return result, fmt.Errorf("%w: %d", model.ErrUnknownMode, int(mode))
	}
	if addr == "" && mode != model.ModeOpen {
		return result, fmt.Errorf("sandbox %s has no network address", name)
	}

	var dnsTarget string
	if mode == model.ModePackages {
		if m.opts.DNSTarget == nil {
			return result, errors.New("packages mode requires a DNS filter target")
		}
		target, err := m.opts.DNSTarget(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to resolve DNS filter address: %w", err)
		}
		dnsTarget = target
	}

	rules := Synthesize(m.opts.Chains, name, addr, mode, dnsTarget)
	log := m.logger(ctx).With("sandbox", name, "mode", mode.String(), "address", addr)

	err := m.withChainLock(func() error {
		if _, err := m.clearLocked(name); err != nil {
			return err
		}
		if err := m.insertAll(rules); err != nil {
			if !errors.Is(err, firewall.ErrPermission) {
				if _, cerr := m.clearLocked(name); cerr != nil {
					log.Error("failed to roll back partially applied rules", "error", cerr)
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, firewall.ErrPermission) && !m.opts.FailClosed {
			result.Warning = unenforcedWarning(name, err)
			log.Warn(result.Warning)
			return result, nil
		}
		return result, fmt.Errorf("failed to apply %s rules for %s: %w", mode, name, err)
	}

	result.Enforced = true
	result.Rules = len(rules)
	log.Info("network policy applied", "rules", len(rules))
	return result, nil
}

// insertAll head-inserts each chain's rules from last to first so the
// final order matches evaluation order.
func (m *Manager) insertAll(rules []firewall.Rule) error {
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if err := m.backend.Insert(r.Table, r.Chain, 1, r.Spec()...); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every rule tagged for the sandbox and returns how many
// were deleted.
func (m *Manager) Clear(ctx context.Context, name string) (int, error) {
	var removed int
	err := m.withChainLock(func() error {
		n, err := m.clearLocked(name)
		removed = n
		return err
	})
	if err != nil {
		if errors.Is(err, firewall.ErrPermission) && !m.opts.FailClosed {
			m.logger(ctx).Warn(fmt.Sprintf("could not remove firewall rules for %s: %v", name, err), "sandbox", name)
			return removed, nil
		}
		return removed, fmt.Errorf("failed to clear rules for %s: %w", name, err)
	}
	if removed > 0 {
		m.logger(ctx).Info("network policy cleared", "sandbox", name, "rules", removed)
	}
	return removed, nil
}

// ClearAll removes every isolab-owned rule regardless of sandbox.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	var removed int
	err := m.withChainLock(func() error {
		n, err := m.deleteMatching(func(tag string) bool {
			_, _, ok := firewall.ParseTag(tag)
			return ok
		})
		removed = n
		return err
	})
	if err != nil {
		if errors.Is(err, firewall.ErrPermission) && !m.opts.FailClosed {
			m.logger(ctx).Warn(fmt.Sprintf("could not sweep firewall rules: %v", err))
			return removed, nil
		}
		return removed, fmt.Errorf("failed to sweep rules: %w", err)
	}
	return removed, nil
}

func (m *Manager) clearLocked(name string) (int, error) {
	current, legacy := firewall.Tag(name), firewall.LegacyTag(name)
	return m.deleteMatching(func(tag string) bool {
		return tag == current || tag == legacy
	})
}

// deleteMatching lists each chain once and deletes every matching entry
// exactly once. Identical duplicates are listed, and deleted, separately.
func (m *Manager) deleteMatching(match func(tag string) bool) (int, error) {
	removed := 0
	for _, tc := range m.tableChains() {
		entries, err := m.backend.List(tc[0], tc[1])
		if errors.Is(err, firewall.ErrNoChain) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if !match(e.Tag()) {
				continue
			}
			if err := m.backend.Delete(e.Table, e.Chain, e.Spec...); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) tableChains() [][2]string {
	return [][2]string{
		{firewall.TableFilter, m.opts.Chains.Filter},
		{firewall.TableNAT, m.opts.Chains.NAT},
	}
}

// TaggedRules groups the isolab rules currently installed by sandbox.
type TaggedRules struct {
	Current []firewall.Entry
	Legacy  []firewall.Entry
}

// Inventory lists isolab rules per sandbox name.
func (m *Manager) Inventory(ctx context.Context) (map[string]*TaggedRules, error) {
	out := map[string]*TaggedRules{}
	err := m.withChainLock(func() error {
		for _, tc := range m.tableChains() {
			entries, err := m.backend.List(tc[0], tc[1])
			if errors.Is(err, firewall.ErrNoChain) {
				continue
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				name, legacy, ok := firewall.ParseTag(e.Tag())
				if !ok {
					continue
				}
				tr := out[name]
				if tr == nil {
					tr = &TaggedRules{}
					out[name] = tr
				}
				if legacy {
					tr.Legacy = append(tr.Legacy, e)
				} else {
					tr.Current = append(tr.Current, e)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list firewall rules: %w", err)
	}
	return out, nil
}

// ExpectedRuleCount is the number of rules Apply installs for mode.
func ExpectedRuleCount(mode model.NetworkMode) int {
	return len(Synthesize(Chains{}, "x", "0.0.0.0", mode, "0.0.0.0:0"))
}

func unenforcedWarning(name string, err error) string {
	return fmt.Sprintf("firewall rules for %s were not applied (%v): network isolation is NOT enforced; re-run with sufficient privilege", name, err)
}
