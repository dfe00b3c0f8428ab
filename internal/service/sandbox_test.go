package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/isolab/isolab/internal/container"
	"github.com/isolab/isolab/internal/container/containertest"
	"github.com/isolab/isolab/internal/firewall"
	"github.com/isolab/isolab/internal/hostnet"
	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/netpolicy"
	"github.com/isolab/isolab/internal/store"
)

type fakeDNS struct {
	running bool
	err     error
}

func (f *fakeDNS) Running(context.Context) (bool, error) { return f.running, f.err }

type testEnv struct {
	svc   *SandboxService
	rt    *containertest.Runtime
	fw    *firewall.Memory
	dns   *fakeDNS
	modes *store.ModeStore
	keys  *keys.Store
}

func newKeyLine(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey() error = %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

func newTestEnv(t *testing.T, withKey bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, withKey, nil)
}

// newTestEnvWith lets a test wrap the fake runtime the service talks to.
func newTestEnvWith(t *testing.T, withKey bool, wrap func(*containertest.Runtime) container.Runtime) *testEnv {
	t.Helper()
	home := t.TempDir()
	if err := store.InitDB(filepath.Join(home, "isolab.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() { _ = store.CloseDB() })

	locker := lock.New(filepath.Join(home, "locks"))
	fw := firewall.NewMemory()
	policy := netpolicy.NewManager(fw, locker, netpolicy.Options{
		DNSTarget: func(context.Context) (string, error) { return "172.17.0.1:5353", nil },
	})
	env := &testEnv{
		rt:    containertest.New(),
		fw:    fw,
		dns:   &fakeDNS{running: true},
		modes: store.NewModeStore(filepath.Join(home, "modes")),
		keys:  keys.NewStore(filepath.Join(home, "authorized_keys")),
	}
	if withKey {
		if _, _, err := env.keys.Add(newKeyLine(t, "op@laptop")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	var rt container.Runtime = env.rt
	if wrap != nil {
		rt = wrap(env.rt)
	}
	env.svc = NewSandboxService(Dependencies{
		Runtime:  rt,
		Policy:   policy,
		DNS:      env.dns,
		Keys:     env.keys,
		Modes:    env.modes,
		Events:   store.NewEventStore(),
		Sessions: store.NewSessionStore(),
		Locker:   locker,
	}, Options{
		Image:        "isolab:latest",
		Runtime:      "runsc",
		Network:      "bridge",
		User:         "sandbox",
		BindOverride: "127.0.0.1",
		Ports: hostnet.Allocator{
			Base:  2200,
			Span:  10,
			Probe: func(string, int) bool { return true },
		},
	})
	return env
}

func (e *testEnv) rules(t *testing.T, tag string) int {
	t.Helper()
	n := 0
	for _, tc := range [][2]string{{firewall.TableFilter, "DOCKER-USER"}, {firewall.TableNAT, "PREROUTING"}} {
		entries, err := e.fw.List(tc[0], tc[1])
		if err != nil {
			continue
		}
		for _, en := range entries {
			if en.Tag() == tag {
				n++
			}
		}
	}
	return n
}

func (e *testEnv) create(t *testing.T, name, network string) *model.Sandbox {
	t.Helper()
	sb, err := e.svc.Create(context.Background(), &model.CreateSandboxRequest{Name: name, Network: network}, "")
	if err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
	return sb
}

func TestCreateProvisionsSandbox(t *testing.T) {
	env := newTestEnv(t, true)
	sb := env.create(t, "alpha", "web")

	if sb.SSHPort != 2200 || sb.BindAddress != "127.0.0.1" || sb.Status != model.SandboxStatusRunning {
		t.Fatalf("unexpected sandbox %+v", sb)
	}
	if sb.Policy == nil || !sb.Policy.Enforced || sb.Policy.Rules != netpolicy.ExpectedRuleCount(model.ModeWeb) {
		t.Fatalf("unexpected policy %+v", sb.Policy)
	}
	spec, ok := env.rt.Spec("iso-alpha")
	if !ok {
		t.Fatalf("container not created")
	}
	if spec.Labels[model.LabelNet] != "web" || spec.Labels[model.LabelNetSchema] != model.NetLabelSchema {
		t.Fatalf("unexpected labels %v", spec.Labels)
	}
	var sawKey, sawMode bool
	for _, kv := range spec.Env {
		sawKey = sawKey || strings.HasPrefix(kv, "SSH_PUBLIC_KEY=ssh-ed25519 ")
		sawMode = sawMode || kv == "ISOLAB_NET_MODE=WEB"
	}
	if !sawKey || !sawMode {
		t.Fatalf("unexpected env %v", spec.Env)
	}
	if mode, ok, _ := env.modes.Get("alpha"); !ok || mode != model.ModeWeb {
		t.Fatalf("expected web record, got %v %v", mode, ok)
	}
	if n := env.rules(t, firewall.Tag("alpha")); n != netpolicy.ExpectedRuleCount(model.ModeWeb) {
		t.Fatalf("expected web rules installed, got %d", n)
	}

	second := env.create(t, "beta", "")
	if second.SSHPort != 2201 || second.Mode != model.ModeNone {
		t.Fatalf("expected next port and default mode, got %d %v", second.SSHPort, second.Mode)
	}

	events, err := env.svc.History(context.Background(), "alpha", 10)
	if err != nil || len(events) != 1 || events[0].Action != store.ActionCreate || events[0].ToMode != "web" {
		t.Fatalf("unexpected history %+v err=%v", events, err)
	}
}

func TestCreateRejectsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, false)
	if _, err := env.svc.Create(ctx, &model.CreateSandboxRequest{Name: "alpha"}, ""); !errors.Is(err, ErrNoKeysConfigured) {
		t.Fatalf("expected ErrNoKeysConfigured, got %v", err)
	}
	if _, ok := env.rt.Spec("iso-alpha"); ok {
		t.Fatalf("container created despite missing keys")
	}

	env = newTestEnv(t, true)
	env.dns.running = false
	if _, err := env.svc.Create(ctx, &model.CreateSandboxRequest{Name: "alpha", Network: "packages"}, ""); !errors.Is(err, ErrDNSFilterNotRunning) {
		t.Fatalf("expected ErrDNSFilterNotRunning, got %v", err)
	}
	if _, ok := env.rt.Spec("iso-alpha"); ok {
		t.Fatalf("container created despite DNS precondition")
	}

	if _, err := env.svc.Create(ctx, &model.CreateSandboxRequest{Name: "alpha", Network: "bogus"}, ""); !errors.Is(err, model.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if _, err := env.svc.Create(ctx, &model.CreateSandboxRequest{Name: "Not_Valid"}, ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	env.create(t, "alpha", "none")
	before := env.rules(t, firewall.Tag("alpha"))
	if _, err := env.svc.Create(ctx, &model.CreateSandboxRequest{Name: "alpha", Network: "open"}, ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if mode, _, _ := env.modes.Get("alpha"); mode != model.ModeNone {
		t.Fatalf("duplicate create changed the record to %v", mode)
	}
	if after := env.rules(t, firewall.Tag("alpha")); after != before {
		t.Fatalf("duplicate create changed rules: %d -> %d", before, after)
	}
}

func TestCreateRollsBackWhenRulesFail(t *testing.T) {
	env := newTestEnv(t, true)
	env.fw.Err = errors.New("iptables exploded")

	if _, err := env.svc.Create(context.Background(), &model.CreateSandboxRequest{Name: "alpha"}, ""); err == nil {
		t.Fatalf("expected create to fail")
	}
	if _, ok := env.rt.Spec("iso-alpha"); ok {
		t.Fatalf("container left behind after failed apply")
	}
	if _, ok, _ := env.modes.Get("alpha"); ok {
		t.Fatalf("mode record written after failed apply")
	}
}

func TestStopClearsAndStartReappliesAtNewAddress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	first := env.create(t, "alpha", "none")

	if err := env.svc.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := env.rules(t, firewall.Tag("alpha")); n != 0 {
		t.Fatalf("expected rules cleared on stop, got %d", n)
	}

	started, err := env.svc.Start(ctx, "alpha")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Address == first.Address {
		t.Fatalf("expected a new address after restart, still %s", started.Address)
	}
	if n := env.rules(t, firewall.Tag("alpha")); n != netpolicy.ExpectedRuleCount(model.ModeNone) {
		t.Fatalf("expected none rules re-applied, got %d", n)
	}
	entries, _ := env.fw.List(firewall.TableFilter, "DOCKER-USER")
	for _, e := range entries {
		if e.Tag() == firewall.Tag("alpha") && !strings.Contains(strings.Join(e.Spec, " "), started.Address+"/32") {
			t.Fatalf("rule still targets the old address: %v", e.Spec)
		}
	}

	restarted, err := env.svc.Restart(ctx, "alpha")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if n := env.rules(t, firewall.Tag("alpha")); n != netpolicy.ExpectedRuleCount(model.ModeNone) || restarted.Address == started.Address {
		t.Fatalf("restart did not re-apply at the new address")
	}

	if _, err := env.svc.Start(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetNetworkTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.create(t, "alpha", "none")

	for _, tc := range []struct {
		input string
		want  model.NetworkMode
	}{
		{"packages", model.ModePackages},
		{"web", model.ModeWeb},
		{"full", model.ModeOpen},
		{"none", model.ModeNone},
	} {
		res, err := env.svc.SetNetwork(ctx, "alpha", tc.input)
		if err != nil {
			t.Fatalf("SetNetwork(%s) error = %v", tc.input, err)
		}
		if res.Mode != tc.want || !res.Enforced {
			t.Fatalf("unexpected result %+v", res)
		}
		if mode, _, _ := env.modes.Get("alpha"); mode != tc.want {
			t.Fatalf("record = %v, want %v", mode, tc.want)
		}
		if n := env.rules(t, firewall.Tag("alpha")); n != netpolicy.ExpectedRuleCount(tc.want) {
			t.Fatalf("%s: expected %d rules, got %d", tc.input, netpolicy.ExpectedRuleCount(tc.want), n)
		}
		marker := env.rt.Files["iso-alpha"]["/etc/isolab_net_mode"]
		if string(marker) != tc.want.DisplayName()+"\n" {
			t.Fatalf("marker = %q", marker)
		}
	}

	if _, err := env.svc.SetNetwork(ctx, "alpha", "sideways"); !errors.Is(err, model.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}

	env.dns.running = false
	if _, err := env.svc.SetNetwork(ctx, "alpha", "packages"); !errors.Is(err, ErrDNSFilterNotRunning) {
		t.Fatalf("expected ErrDNSFilterNotRunning, got %v", err)
	}
	if mode, _, _ := env.modes.Get("alpha"); mode != model.ModeNone {
		t.Fatalf("failed precondition changed the record to %v", mode)
	}

	if err := env.svc.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := env.svc.SetNetwork(ctx, "alpha", "web"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSetNetworkWithoutPrivilegeStillTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.create(t, "alpha", "none")

	env.fw.Err = firewall.ErrPermission
	res, err := env.svc.SetNetwork(ctx, "alpha", "web")
	if err != nil {
		t.Fatalf("SetNetwork() error = %v", err)
	}
	if res.Enforced || res.Warning == "" {
		t.Fatalf("expected unenforced result with warning, got %+v", res)
	}
	if mode, _, _ := env.modes.Get("alpha"); mode != model.ModeWeb {
		t.Fatalf("record = %v, want web", mode)
	}
}

func TestResolveModePrefersRecordOverLegacyLabel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.rt.Seed("iso-old", map[string]string{
		model.LabelManaged: "true",
		model.LabelName:    "old",
		model.LabelNet:     "--net=packages",
	}, true)

	sb, err := env.svc.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sb.Mode != model.ModeWeb || sb.ModeSource != model.ModeSourceLabel {
		t.Fatalf("legacy packages label should read as web, got %v from %s", sb.Mode, sb.ModeSource)
	}

	if err := env.modes.Save("old", model.ModeNone); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sb, _ = env.svc.Get(ctx, "old")
	if sb.Mode != model.ModeNone || sb.ModeSource != model.ModeSourceRecord {
		t.Fatalf("record must win over label, got %v from %s", sb.Mode, sb.ModeSource)
	}

	env.rt.Seed("iso-bare", map[string]string{model.LabelManaged: "true", model.LabelName: "bare"}, false)
	sb, _ = env.svc.Get(ctx, "bare")
	if sb.Mode != model.ModeNone || sb.ModeSource != model.ModeSourceDefault {
		t.Fatalf("expected default none, got %v from %s", sb.Mode, sb.ModeSource)
	}
}

func TestRemoveLeavesOtherRulesAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	if err := env.fw.Append(firewall.TableFilter, "DOCKER-USER", "-s", "10.9.9.9/32", "-j", "DROP"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	env.create(t, "alpha", "web")
	env.create(t, "beta", "none")

	if err := env.svc.Remove(ctx, "alpha"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if n := env.rules(t, firewall.Tag("alpha")); n != 0 {
		t.Fatalf("expected alpha rules gone, got %d", n)
	}
	if n := env.rules(t, firewall.Tag("beta")); n != netpolicy.ExpectedRuleCount(model.ModeNone) {
		t.Fatalf("beta rules disturbed: %d", n)
	}
	if n := env.rules(t, ""); n != 1 {
		t.Fatalf("operator rule disturbed: %d", n)
	}
	if _, ok := env.rt.Spec("iso-alpha"); ok {
		t.Fatalf("container still present")
	}
	if _, ok, _ := env.modes.Get("alpha"); ok {
		t.Fatalf("mode record still present")
	}
	if err := env.svc.Remove(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestNukeKeepsKeysAndOptionallyHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.create(t, "alpha", "web")
	env.create(t, "beta", "packages")
	env.create(t, "gamma", "none")

	report, err := env.svc.Nuke(ctx, false)
	if err != nil {
		t.Fatalf("Nuke() error = %v", err)
	}
	if len(report.Sandboxes) != 3 || !report.RecordsRemoved {
		t.Fatalf("unexpected report %+v", report)
	}
	wantCleared := netpolicy.ExpectedRuleCount(model.ModeWeb) + netpolicy.ExpectedRuleCount(model.ModePackages) + netpolicy.ExpectedRuleCount(model.ModeNone)
	if report.RulesCleared != wantCleared {
		t.Fatalf("RulesCleared = %d, want %d", report.RulesCleared, wantCleared)
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if n := env.rules(t, firewall.Tag(name)); n != 0 {
			t.Fatalf("expected no rules tagged for %s, got %d", name, n)
		}
		if _, ok := env.rt.Spec(model.ContainerName(name)); ok {
			t.Fatalf("container for %s survived nuke", name)
		}
	}
	if _, err := os.Stat(env.modes.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected mode record directory removed, stat err = %v", err)
	}
	list, _ := env.svc.List(ctx)
	if len(list.Items) != 0 {
		t.Fatalf("expected no sandboxes, got %d", len(list.Items))
	}
	if names, _ := env.modes.List(); len(names) != 0 {
		t.Fatalf("expected no mode records, got %v", names)
	}
	if entries, _ := env.keys.List(); len(entries) != 1 {
		t.Fatalf("keys must survive nuke")
	}
	if events, _ := env.svc.History(ctx, "", 100); len(events) == 0 {
		t.Fatalf("history must survive nuke without purge")
	}

	report, err = env.svc.Nuke(ctx, true)
	if err != nil || report.HistoryPurged == 0 {
		t.Fatalf("expected purge, got %+v err=%v", report, err)
	}
	if events, _ := env.svc.History(ctx, "", 100); len(events) != 0 {
		t.Fatalf("expected empty history, got %d", len(events))
	}
}

func TestSyncKeys(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	synced, err := env.svc.SyncKeys(ctx, "")
	if err != nil || len(synced) != 0 {
		t.Fatalf("sync with no sandboxes should be a no-op, got %v %v", synced, err)
	}

	env.create(t, "alpha", "none")
	env.create(t, "beta", "none")
	if err := env.svc.Stop(ctx, "beta"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	added := newKeyLine(t, "second@host")
	if _, _, err := env.svc.AddKey(ctx, added); err != nil {
		t.Fatalf("AddKey() error = %v", err)
	}

	synced, err = env.svc.SyncKeys(ctx, "")
	if err != nil || len(synced) != 1 || synced[0] != "alpha" {
		t.Fatalf("SyncKeys() = %v, %v", synced, err)
	}
	content := string(env.rt.Files["iso-alpha"]["/home/sandbox/.ssh/authorized_keys"])
	if strings.Count(content, "\n") != 2 || !strings.Contains(content, "second@host") {
		t.Fatalf("unexpected authorized_keys:\n%s", content)
	}
	if execs := env.rt.Execs["iso-alpha"]; len(execs) != 1 || execs[0][0] != "chown" {
		t.Fatalf("expected chown exec, got %v", execs)
	}

	if _, err := env.svc.SyncKeys(ctx, "beta"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := env.svc.RemoveKey(ctx, 7); !errors.Is(err, keys.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestReconcileClearsOrphansAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.create(t, "alpha", "web")
	env.create(t, "beta", "none")

	// Orphan: tagged rules for a sandbox with no container.
	ghost := netpolicy.Synthesize(netpolicy.Chains{}, "ghost", "172.17.0.99", model.ModeNone, "")
	for _, r := range ghost {
		if err := env.fw.Append(r.Table, r.Chain, r.Spec()...); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Drift: one of beta's rules disappeared.
	entries, _ := env.fw.List(firewall.TableFilter, "DOCKER-USER")
	for _, e := range entries {
		if e.Tag() == firewall.Tag("beta") {
			if err := env.fw.Delete(e.Table, e.Chain, e.Spec...); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			break
		}
	}

	report, err := env.svc.Reconcile(ctx, false)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Items) != 2 || report.Fixed != 0 {
		t.Fatalf("unexpected dry report %+v", report)
	}
	if env.rules(t, firewall.Tag("ghost")) == 0 {
		t.Fatalf("report-only reconcile must not change rules")
	}

	report, err = env.svc.Reconcile(ctx, true)
	if err != nil || report.Fixed != 2 {
		t.Fatalf("unexpected fix report %+v err=%v", report, err)
	}
	if n := env.rules(t, firewall.Tag("ghost")); n != 0 {
		t.Fatalf("orphan rules remain: %d", n)
	}
	if n := env.rules(t, firewall.Tag("beta")); n != netpolicy.ExpectedRuleCount(model.ModeNone) {
		t.Fatalf("beta not repaired: %d", n)
	}

	report, _ = env.svc.Reconcile(ctx, false)
	if len(report.Items) != 0 {
		t.Fatalf("expected clean state, got %+v", report.Items)
	}
}

func TestHostStatsCountsSandboxes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.create(t, "alpha", "none")
	env.create(t, "beta", "none")
	if err := env.svc.Stop(ctx, "beta"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats, err := env.svc.HostStats(ctx, func(_ context.Context, s *model.HostStats) error {
		s.MemTotalGB = 16
		return nil
	})
	if err != nil {
		t.Fatalf("HostStats() error = %v", err)
	}
	if stats.Sandboxes != 2 || stats.RunningCount != 1 || !stats.DNSFilterLive || stats.MemTotalGB != 16 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
