package dnsfilter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/isolab/isolab/internal/container/containertest"
	"github.com/isolab/isolab/internal/lock"
)

func TestParseAllowlist(t *testing.T) {
	in := "# comment\n\npypi.org\nFiles.PythonHosted.org.\n  pypi.org  \n# trailing\n"
	domains, err := ParseAllowlist(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseAllowlist() error = %v", err)
	}
	if len(domains) != 3 || domains[0] != "pypi.org" || domains[1] != "files.pythonhosted.org" || domains[2] != "pypi.org" {
		t.Fatalf("unexpected domains %v", domains)
	}

	if _, err := ParseAllowlist(strings.NewReader("ok.example\nbad_domain!\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestRenderedOverridesMatchAllowlistLines(t *testing.T) {
	in := "# mirrors\npypi.org\n\nregistry.npmjs.org\npypi.org\n   \nproxy.golang.org\n"
	domains, err := ParseAllowlist(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseAllowlist() error = %v", err)
	}
	conf := Render(domains, RenderOptions{ListenAddress: "172.17.0.1", Port: 5353, Upstream: "1.1.1.1"})
	if got := strings.Count(conf, "server=/"); got != 4 {
		t.Fatalf("expected 4 overrides for 4 allowlist lines, got %d:\n%s", got, conf)
	}
	if got := strings.Count(conf, "address=/#/"); got != 1 {
		t.Fatalf("expected one catch-all, got %d", got)
	}
}

func TestRenderHasOneOverridePerDomainAndCatchAll(t *testing.T) {
	domains := []string{"pypi.org", "registry.npmjs.org", "proxy.golang.org"}
	conf := Render(domains, RenderOptions{ListenAddress: "172.17.0.1", Port: 5353, Upstream: "1.1.1.1", Source: "allowlist.txt"})

	lines := strings.Split(conf, "\n")
	servers, catchAll, catchAllIdx, lastServerIdx := 0, 0, -1, -1
	for i, l := range lines {
		if strings.HasPrefix(l, "server=/") {
			servers++
			lastServerIdx = i
		}
		if l == "address=/#/" {
			catchAll++
			catchAllIdx = i
		}
	}
	if servers != len(domains) || catchAll != 1 {
		t.Fatalf("expected %d overrides and 1 catch-all, got %d and %d", len(domains), servers, catchAll)
	}
	if catchAllIdx < lastServerIdx {
		t.Fatalf("overrides must precede the catch-all")
	}
	if !strings.Contains(conf, "server=/pypi.org/1.1.1.1\n") || !strings.Contains(conf, "port=5353\n") || !strings.Contains(conf, "listen-address=172.17.0.1\n") {
		t.Fatalf("unexpected config:\n%s", conf)
	}

	empty := Render(nil, RenderOptions{Port: 5353, Upstream: "1.1.1.1"})
	if strings.Contains(empty, "server=/") || !strings.Contains(empty, "address=/#/") {
		t.Fatalf("empty allowlist should block everything:\n%s", empty)
	}
}

func newTestFilter(t *testing.T) (*Filter, *containertest.Runtime, Settings) {
	t.Helper()
	dir := t.TempDir()
	rt := containertest.New()
	s := Settings{
		ContainerName: "isolab-dns",
		Image:         "4km3/dnsmasq:2.90-r3",
		Network:       "bridge",
		Port:          5353,
		Upstream:      "1.1.1.1",
		AllowlistPath: filepath.Join(dir, "dns", "allowlist.txt"),
		ConfigPath:    filepath.Join(dir, "dns", "dnsmasq.conf"),
	}
	return New(rt, lock.New(filepath.Join(dir, "locks")), s), rt, s
}

func TestSetupSeedsAndStartsResolver(t *testing.T) {
	ctx := context.Background()
	f, rt, s := newTestFilter(t)

	if running, _ := f.Running(ctx); running {
		t.Fatalf("expected filter down before setup")
	}
	n, err := f.Setup(ctx)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if n != len(DefaultAllowlist) {
		t.Fatalf("expected %d domains, got %d", len(DefaultAllowlist), n)
	}
	if running, err := f.Running(ctx); err != nil || !running {
		t.Fatalf("expected filter running, got %v %v", running, err)
	}
	spec, ok := rt.Spec("isolab-dns")
	if !ok || spec.NetworkMode != "host" || len(spec.Binds) != 1 {
		t.Fatalf("unexpected resolver spec %+v", spec)
	}
	if len(rt.Images) != 1 || rt.Images[0] != s.Image {
		t.Fatalf("expected resolver image ensured, got %v", rt.Images)
	}

	target, err := f.Target(ctx)
	if err != nil || target != "172.17.0.1:5353" {
		t.Fatalf("Target() = %q, %v", target, err)
	}

	// Setup again restarts rather than recreating.
	if _, err := f.Setup(ctx); err != nil {
		t.Fatalf("second Setup() error = %v", err)
	}
}

func TestReloadPicksUpAllowlistEdits(t *testing.T) {
	ctx := context.Background()
	f, _, s := newTestFilter(t)

	if _, err := f.Reload(ctx); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned before setup, got %v", err)
	}
	if _, err := f.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := os.WriteFile(s.AllowlistPath, []byte("example.com\n"), 0o644); err != nil {
		t.Fatalf("write allowlist: %v", err)
	}

	before, _ := os.ReadFile(s.ConfigPath)
	if strings.Contains(string(before), "example.com") {
		t.Fatalf("config must not change before reload")
	}

	n, err := f.Reload(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reload() = %d, %v", n, err)
	}
	after, _ := os.ReadFile(s.ConfigPath)
	if !strings.Contains(string(after), "server=/example.com/1.1.1.1") || strings.Contains(string(after), "pypi.org") {
		t.Fatalf("unexpected config after reload:\n%s", after)
	}
}

func TestSeedAllowlistKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	if err := os.WriteFile(path, []byte("mine.example\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	seeded, err := SeedAllowlist(path)
	if err != nil || seeded {
		t.Fatalf("SeedAllowlist() = %v, %v", seeded, err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "mine.example\n" {
		t.Fatalf("existing allowlist overwritten: %q", b)
	}
}
