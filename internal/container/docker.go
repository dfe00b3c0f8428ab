package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Docker implements Runtime against the local Docker engine.
type Docker struct {
	cli *client.Client
}

// NewDocker connects using the DOCKER_* environment and verifies the
// daemon is reachable.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func wrapNotFound(err error, name string) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port %d/%s: %w", p.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = spec.Entrypoint
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}

	hostCfg := &container.HostConfig{
		Runtime:      spec.Runtime,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		PortBindings: bindings,
		Binds:        spec.Binds,
		CapAdd:       spec.CapAdd,
		CapDrop:      spec.CapDrop,
		SecurityOpt:  []string{"no-new-privileges"},
	}
	hostCfg.Resources.Memory = spec.MemoryBytes
	hostCfg.Resources.NanoCPUs = spec.NanoCPUs
	if spec.RestartUnlessStopped {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("docker create failed: %w", err)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker start failed: %w", wrapNotFound(err, name))
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker stop failed: %w", wrapNotFound(err, name))
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker restart failed: %w", wrapNotFound(err, name))
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("docker remove failed: %w", wrapNotFound(err, name))
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (*Info, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, wrapNotFound(err, name)
	}

	info := &Info{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.Running = resp.State.Running
		info.Status = resp.State.Status
		info.StartedAt = parseDockerTime(resp.State.StartedAt)
	}
	info.Created = parseDockerTime(resp.Created)

	if ns := resp.NetworkSettings; ns != nil {
		info.IPAddress = ns.IPAddress
		if info.IPAddress == "" {
			names := make([]string, 0, len(ns.Networks))
			for n := range ns.Networks {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				if ep := ns.Networks[n]; ep != nil && ep.IPAddress != "" {
					info.IPAddress = ep.IPAddress
					break
				}
			}
		}
		info.Ports = portsFromMap(ns.Ports)
	}
	if len(info.Ports) == 0 && resp.HostConfig != nil {
		// Stopped containers only carry the requested bindings.
		info.Ports = portsFromMap(resp.HostConfig.PortBindings)
	}
	return info, nil
}

func portsFromMap(m nat.PortMap) []PortBinding {
	var out []PortBinding
	for port, bindings := range m {
		for _, b := range bindings {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, PortBinding{
				HostIP:        b.HostIP,
				HostPort:      hostPort,
				ContainerPort: port.Int(),
				Protocol:      port.Proto(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}

func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]Info, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker list failed: %w", err)
	}

	out := make([]Info, 0, len(summaries))
	for _, s := range summaries {
		info, err := d.Inspect(ctx, s.ID)
		if err != nil {
			// Removed between list and inspect.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Docker) Exec(ctx context.Context, name, user string, cmd []string) (*ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		User:         user,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker exec create failed: %w", wrapNotFound(err, name))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker exec attach failed: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("docker exec output read failed: %w", err)
	}

	ins, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("docker exec inspect failed: %w", err)
	}
	return &ExecResult{ExitCode: ins.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *Docker) CopyFile(ctx context.Context, name, dir, file string, content []byte, mode int64) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    file,
		Mode:    mode,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header failed: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar write failed: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close failed: %w", err)
	}
	if err := d.cli.CopyToContainer(ctx, name, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker copy failed: %w", wrapNotFound(err, name))
	}
	return nil
}

func (d *Docker) Logs(ctx context.Context, name string, tail string, w io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       tail,
	})
	if err != nil {
		return fmt.Errorf("docker logs failed: %w", wrapNotFound(err, name))
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && err != io.EOF {
		return fmt.Errorf("docker logs read failed: %w", err)
	}
	return nil
}

// Gateway returns the IPv4 gateway of a docker network, i.e. the host's
// address on that bridge.
func (d *Docker) Gateway(ctx context.Context, networkName string) (string, error) {
	res, err := d.cli.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("docker network inspect failed: %w", wrapNotFound(err, networkName))
	}
	for _, c := range res.IPAM.Config {
		if ip := net.ParseIP(c.Gateway); ip != nil && ip.To4() != nil {
			return c.Gateway, nil
		}
	}
	return "", fmt.Errorf("network %s has no IPv4 gateway", networkName)
}

func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker image inspect failed: %w", err)
	}
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker pull %s failed: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("docker pull %s failed: %w", ref, err)
	}
	return nil
}
