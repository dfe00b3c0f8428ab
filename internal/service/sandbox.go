package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/isolab/isolab/internal/container"
	"github.com/isolab/isolab/internal/hostnet"
	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/logx"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/netpolicy"
	"github.com/isolab/isolab/internal/store"
)

const (
	stopTimeout  = 10 * time.Second
	netModeDir   = "/etc"
	netModeFile  = "isolab_net_mode"
	envPublicKey = "SSH_PUBLIC_KEY"
	envNetMode   = "ISOLAB_NET_MODE"
)

// DNSLiveness reports whether the DNS allowlist filter is serving.
type DNSLiveness interface {
	Running(ctx context.Context) (bool, error)
}

type Dependencies struct {
	Runtime  container.Runtime
	Policy   *netpolicy.Manager
	DNS      DNSLiveness
	Keys     *keys.Store
	Modes    *store.ModeStore
	Events   *store.EventStore
	Sessions *store.SessionStore
	Locker   *lock.Locker
}

type Options struct {
	Image       string
	Runtime     string
	MemoryBytes int64
	NanoCPUs    int64
	Network     string
	User        string
	DefaultMode model.NetworkMode
	// BindOverride skips overlay detection when set.
	BindOverride string
	Overlay      hostnet.OverlayFunc
	Ports        hostnet.Allocator
	// ExtraKeys returns authorized_keys lines appended to the operator's
	// keys, e.g. the ingress proxy's upstream key.
	ExtraKeys func() []string
	Now       func() time.Time
}

// SandboxService is the sandbox registry. Every mutating operation holds
// the sandbox's advisory lock for its whole duration.
type SandboxService struct {
	rt       container.Runtime
	policy   *netpolicy.Manager
	dns      DNSLiveness
	keys     *keys.Store
	modes    *store.ModeStore
	events   *store.EventStore
	sessions *store.SessionStore
	locker   *lock.Locker
	opts     Options
}

func NewSandboxService(deps Dependencies, opts Options) *SandboxService {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.User == "" {
		opts.User = "sandbox"
	}
	return &SandboxService{
		rt:       deps.Runtime,
		policy:   deps.Policy,
		dns:      deps.DNS,
		keys:     deps.Keys,
		modes:    deps.Modes,
		events:   deps.Events,
		sessions: deps.Sessions,
		locker:   deps.Locker,
		opts:     opts,
	}
}

func (s *SandboxService) logger(ctx context.Context) *slog.Logger {
	return logx.LoggerFromContext(ctx).With("component", "sandbox_service")
}

func (s *SandboxService) lockSandbox(name string) (func(), error) {
	h, err := s.locker.Lock(lock.SandboxKey(name))
	if err != nil {
		return nil, err
	}
	return func() { _ = h.Unlock() }, nil
}

func (s *SandboxService) Create(ctx context.Context, req *model.CreateSandboxRequest, owner string) (*model.Sandbox, error) {
	name := strings.TrimSpace(req.Name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	mode := s.opts.DefaultMode
	if strings.TrimSpace(req.Network) != "" {
		m, err := model.ParseMode(req.Network)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	reg, err := s.locker.RLock(lock.RegistryKey)
	if err != nil {
		return nil, err
	}
	defer reg.Unlock()
	unlock, err := s.lockSandbox(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cname := model.ContainerName(name)
	if _, err := s.rt.Inspect(ctx, cname); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	} else if !errors.Is(err, container.ErrNotFound) {
		return nil, err
	}
	authorized, err := s.authorizedKeys()
	if err != nil {
		return nil, err
	}
	if mode == model.ModePackages {
		if err := s.requireDNSFilter(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.rt.EnsureImage(ctx, s.opts.Image); err != nil {
		return nil, err
	}

	log := s.logger(ctx).With("sandbox", name)
	bind := hostnet.BindAddress(ctx, s.opts.BindOverride, s.opts.Overlay)
	now := s.opts.Now()
	port, err := s.createAndStart(ctx, container.Spec{
		Name:     cname,
		Image:    s.opts.Image,
		Hostname: name,
		Env: []string{
			envPublicKey + "=" + authorized,
			envNetMode + "=" + mode.DisplayName(),
		},
		Labels:      model.SandboxLabels(name, mode, owner, now),
		Runtime:     s.opts.Runtime,
		MemoryBytes: s.opts.MemoryBytes,
		NanoCPUs:    s.opts.NanoCPUs,
		NetworkMode: s.opts.Network,
	}, bind)
	if err != nil {
		return nil, err
	}

	info, err := s.rt.Inspect(ctx, cname)
	if err != nil {
		s.discard(ctx, name)
		return nil, fmt.Errorf("failed to inspect new container: %w", err)
	}
	result, err := s.policy.Apply(ctx, name, info.IPAddress, mode)
	if err != nil {
		s.discard(ctx, name)
		return nil, err
	}
	if err := s.modes.Save(name, mode); err != nil {
		s.discard(ctx, name)
		return nil, err
	}

	s.recordEvent(ctx, &store.EventRecord{
		Sandbox:  name,
		Action:   store.ActionCreate,
		ToMode:   mode.String(),
		Enforced: result.Enforced,
		Detail:   fmt.Sprintf("ssh %s:%d", bind, port),
	})
	log.Info("sandbox created", "mode", mode.String(), "ssh_port", port, "bind", bind, "enforced", result.Enforced)

	sb := s.toSandbox(ctx, info)
	sb.Policy = &result
	return sb, nil
}

// createAndStart holds the port allocation lock from probing until the
// container has bound the chosen port.
func (s *SandboxService) createAndStart(ctx context.Context, spec container.Spec, bind string) (int, error) {
	h, err := s.locker.Lock(lock.PortsKey)
	if err != nil {
		return 0, err
	}
	defer h.Unlock()

	reserved, err := s.reservedPorts(ctx)
	if err != nil {
		return 0, err
	}
	port, err := s.opts.Ports.Allocate(bind, reserved)
	if err != nil {
		return 0, err
	}
	spec.Ports = []container.PortBinding{{
		HostIP:        bind,
		HostPort:      port,
		ContainerPort: container.SSHContainerPort,
		Protocol:      "tcp",
	}}
	if _, err := s.rt.Create(ctx, spec); err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}
	if err := s.rt.Start(ctx, spec.Name); err != nil {
		if rerr := s.rt.Remove(ctx, spec.Name); rerr != nil {
			s.logger(ctx).Error("failed to remove container after failed start", "container", spec.Name, "error", rerr)
		}
		return 0, fmt.Errorf("failed to start container: %w", err)
	}
	return port, nil
}

// reservedPorts are host ports published by any sandbox, running or not.
func (s *SandboxService) reservedPorts(ctx context.Context) (map[int]bool, error) {
	infos, err := s.rt.List(ctx, map[string]string{model.LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	reserved := map[int]bool{}
	for i := range infos {
		if _, port, ok := infos[i].HostPort(container.SSHContainerPort); ok {
			reserved[port] = true
		}
	}
	return reserved, nil
}

// discard rolls back a half-created sandbox.
func (s *SandboxService) discard(ctx context.Context, name string) {
	log := s.logger(ctx).With("sandbox", name)
	if _, err := s.policy.Clear(ctx, name); err != nil {
		log.Error("rollback: failed to clear firewall rules", "error", err)
	}
	if err := s.rt.Remove(ctx, model.ContainerName(name)); err != nil && !errors.Is(err, container.ErrNotFound) {
		log.Error("rollback: failed to remove container", "error", err)
	}
}

func (s *SandboxService) authorizedKeys() (string, error) {
	entries, err := s.keys.List()
	if err != nil {
		return "", err
	}
	usable := 0
	for _, e := range entries {
		if e.Usable() {
			usable++
		}
	}
	if usable == 0 {
		return "", ErrNoKeysConfigured
	}
	var extra []string
	if s.opts.ExtraKeys != nil {
		extra = s.opts.ExtraKeys()
	}
	return s.keys.Authorized(extra...)
}

func (s *SandboxService) requireDNSFilter(ctx context.Context) error {
	if s.dns == nil {
		return ErrDNSFilterNotRunning
	}
	running, err := s.dns.Running(ctx)
	if err != nil {
		return fmt.Errorf("failed to check DNS filter: %w", err)
	}
	if !running {
		return ErrDNSFilterNotRunning
	}
	return nil
}

// Get returns one sandbox with its effective mode.
func (s *SandboxService) Get(ctx context.Context, name string) (*model.Sandbox, error) {
	info, err := s.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.toSandbox(ctx, info), nil
}

func (s *SandboxService) inspect(ctx context.Context, name string) (*container.Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	info, err := s.rt.Inspect(ctx, model.ContainerName(name))
	if errors.Is(err, container.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	if info.Labels[model.LabelManaged] != "true" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

func (s *SandboxService) List(ctx context.Context) (*model.SandboxListResponse, error) {
	infos, err := s.rt.List(ctx, map[string]string{model.LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	items := make([]model.Sandbox, 0, len(infos))
	for i := range infos {
		items = append(items, *s.toSandbox(ctx, &infos[i]))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return &model.SandboxListResponse{Items: items}, nil
}

// ResolveMode returns the authoritative mode: the mode record when one
// exists, else the container label, else none.
func (s *SandboxService) ResolveMode(ctx context.Context, name string, labels map[string]string) (model.NetworkMode, model.ModeSource) {
	log := s.logger(ctx).With("sandbox", name)
	mode, ok, err := s.modes.Get(name)
	if err != nil {
		log.Warn("ignoring unreadable mode record", "error", err)
	} else if ok {
		return mode, model.ModeSourceRecord
	}
	mode, ok, err = model.ModeFromLabels(labels)
	if err != nil {
		log.Warn("ignoring unrecognised mode label", "error", err)
		return model.ModeNone, model.ModeSourceDefault
	}
	if ok {
		return mode, model.ModeSourceLabel
	}
	return model.ModeNone, model.ModeSourceDefault
}

func (s *SandboxService) toSandbox(ctx context.Context, info *container.Info) *model.Sandbox {
	name := sandboxName(info)
	mode, source := s.ResolveMode(ctx, name, info.Labels)
	sb := &model.Sandbox{
		Name:        name,
		ContainerID: info.ID,
		Status:      model.SandboxStatusStopped,
		Address:     info.IPAddress,
		Mode:        mode,
		ModeSource:  source,
		Owner:       info.Labels[model.LabelOwner],
		CreatedAt:   info.Created,
		Labels:      info.Labels,
	}
	if info.Running {
		sb.Status = model.SandboxStatusRunning
		if !info.StartedAt.IsZero() {
			started := info.StartedAt
			sb.StartedAt = &started
		}
	}
	if ip, port, ok := info.HostPort(container.SSHContainerPort); ok {
		sb.BindAddress = ip
		sb.SSHPort = port
	}
	if created, err := time.Parse(time.RFC3339, info.Labels[model.LabelCreated]); err == nil {
		sb.CreatedAt = created
	}
	return sb
}

func sandboxName(info *container.Info) string {
	if n := info.Labels[model.LabelName]; n != "" {
		return n
	}
	return strings.TrimPrefix(strings.TrimPrefix(info.Name, "/"), model.ContainerPrefix)
}

func (s *SandboxService) recordEvent(ctx context.Context, rec *store.EventRecord) {
	if s.events == nil {
		return
	}
	if rec.OpID == "" {
		rec.OpID = logx.OpIDFromContext(ctx)
	}
	if err := s.events.Append(ctx, rec); err != nil {
		s.logger(ctx).Warn("failed to record sandbox event", "sandbox", rec.Sandbox, "action", rec.Action, "error", err)
	}
}
