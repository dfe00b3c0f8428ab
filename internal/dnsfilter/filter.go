package dnsfilter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/isolab/isolab/internal/container"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/logx"
	"github.com/isolab/isolab/internal/model"
)

var ErrNotProvisioned = errors.New("dns filter is not set up; run `isolab setup-dns`")

const containerConfDir = "/etc/isolab-dns"

type Settings struct {
	ContainerName string
	Image         string
	Network       string
	Port          int
	Upstream      string
	AllowlistPath string
	ConfigPath    string
}

// Filter manages the resolver container and its generated configuration.
type Filter struct {
	rt       container.Runtime
	locker   *lock.Locker
	settings Settings
}

func New(rt container.Runtime, locker *lock.Locker, s Settings) *Filter {
	return &Filter{rt: rt, locker: locker, settings: s}
}

func (f *Filter) logger(ctx context.Context) *slog.Logger {
	return logx.LoggerFromContext(ctx).With("component", "dnsfilter")
}

// Running reports whether the resolver container is up.
func (f *Filter) Running(ctx context.Context) (bool, error) {
	info, err := f.rt.Inspect(ctx, f.settings.ContainerName)
	if errors.Is(err, container.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect dns filter: %w", err)
	}
	return info.Running, nil
}

// Target is the address sandbox DNS is redirected to.
func (f *Filter) Target(ctx context.Context) (string, error) {
	gw, err := f.rt.Gateway(ctx, f.settings.Network)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(gw, strconv.Itoa(f.settings.Port)), nil
}

// Regenerate rewrites the resolver config from the allowlist file and
// returns the number of allowlisted domains.
func (f *Filter) Regenerate(ctx context.Context) (int, error) {
	domains, err := ReadAllowlist(f.settings.AllowlistPath)
	if err != nil {
		return 0, err
	}
	gw, err := f.rt.Gateway(ctx, f.settings.Network)
	if err != nil {
		return 0, err
	}
	conf := Render(domains, RenderOptions{
		ListenAddress: gw,
		Port:          f.settings.Port,
		Upstream:      f.settings.Upstream,
		Source:        f.settings.AllowlistPath,
	})
	if err := writeFile(f.settings.ConfigPath, []byte(conf)); err != nil {
		return 0, err
	}
	return len(domains), nil
}

// Setup seeds the allowlist, writes the config and makes sure the resolver
// container exists and runs with it.
func (f *Filter) Setup(ctx context.Context) (int, error) {
	h, err := f.locker.Lock(lock.DNSKey)
	if err != nil {
		return 0, err
	}
	defer h.Unlock()

	log := f.logger(ctx)
	seeded, err := SeedAllowlist(f.settings.AllowlistPath)
	if err != nil {
		return 0, fmt.Errorf("failed to seed allowlist: %w", err)
	}
	if seeded {
		log.Info("seeded default allowlist", "path", f.settings.AllowlistPath)
	}
	n, err := f.Regenerate(ctx)
	if err != nil {
		return 0, err
	}

	info, err := f.rt.Inspect(ctx, f.settings.ContainerName)
	switch {
	case errors.Is(err, container.ErrNotFound):
		if err := f.rt.EnsureImage(ctx, f.settings.Image); err != nil {
			return 0, err
		}
		if _, err := f.rt.Create(ctx, f.containerSpec()); err != nil {
			return 0, err
		}
		if err := f.rt.Start(ctx, f.settings.ContainerName); err != nil {
			return 0, err
		}
		log.Info("dns filter created", "container", f.settings.ContainerName, "domains", n)
	case err != nil:
		return 0, fmt.Errorf("failed to inspect dns filter: %w", err)
	case info.Running:
		if err := f.rt.Restart(ctx, f.settings.ContainerName, 5*time.Second); err != nil {
			return 0, err
		}
		log.Info("dns filter restarted", "domains", n)
	default:
		if err := f.rt.Start(ctx, f.settings.ContainerName); err != nil {
			return 0, err
		}
		log.Info("dns filter started", "domains", n)
	}
	return n, nil
}

// Reload regenerates the config and restarts the resolver. Allowlist
// edits have no effect until this runs.
func (f *Filter) Reload(ctx context.Context) (int, error) {
	h, err := f.locker.Lock(lock.DNSKey)
	if err != nil {
		return 0, err
	}
	defer h.Unlock()

	if _, err := f.rt.Inspect(ctx, f.settings.ContainerName); errors.Is(err, container.ErrNotFound) {
		return 0, ErrNotProvisioned
	} else if err != nil {
		return 0, fmt.Errorf("failed to inspect dns filter: %w", err)
	}
	n, err := f.Regenerate(ctx)
	if err != nil {
		return 0, err
	}
	if err := f.rt.Restart(ctx, f.settings.ContainerName, 5*time.Second); err != nil {
		return 0, err
	}
	f.logger(ctx).Info("dns filter reloaded", "domains", n)
	return n, nil
}

func (f *Filter) containerSpec() container.Spec {
	dir := filepath.Dir(f.settings.ConfigPath)
	return container.Spec{
		Name:        f.settings.ContainerName,
		Image:       f.settings.Image,
		NetworkMode: "host",
		Labels:      map[string]string{model.LabelRole: "dns"},
		Binds:       []string{dir + ":" + containerConfDir + ":ro"},
		Entrypoint:  []string{"dnsmasq"},
		Cmd: []string{
			"--keep-in-foreground",
			"--conf-file=" + containerConfDir + "/" + filepath.Base(f.settings.ConfigPath),
		},
		CapDrop:              []string{"ALL"},
		CapAdd:               []string{"NET_BIND_SERVICE", "SETUID", "SETGID"},
		RestartUnlessStopped: true,
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
