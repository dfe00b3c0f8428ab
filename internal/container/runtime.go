// Package container abstracts the container engine that hosts sandboxes.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("container not found")

const SSHContainerPort = 22

// Spec describes a container to create.
type Spec struct {
	Name        string
	Image       string
	Hostname    string
	Env         []string
	Labels      map[string]string
	Runtime     string
	MemoryBytes int64
	NanoCPUs    int64
	// NetworkMode is "bridge", "host" or a named network.
	NetworkMode string
	Ports       []PortBinding
	Binds       []string
	Entrypoint  []string
	Cmd         []string
	CapAdd      []string
	CapDrop     []string
	// RestartUnlessStopped keeps infrastructure containers up across reboots.
	RestartUnlessStopped bool
}

type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// Info is the engine-neutral view of a container.
type Info struct {
	ID        string
	Name      string
	Running   bool
	Status    string
	Labels    map[string]string
	IPAddress string
	Ports     []PortBinding
	Created   time.Time
	StartedAt time.Time
}

// HostPort returns the host side of the binding for containerPort/tcp.
func (i *Info) HostPort(containerPort int) (string, int, bool) {
	for _, p := range i.Ports {
		if p.ContainerPort == containerPort && (p.Protocol == "" || p.Protocol == "tcp") && p.HostPort > 0 {
			return p.HostIP, p.HostPort, true
		}
	}
	return "", 0, false
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the subset of container engine operations isolab needs.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Restart(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (*Info, error)
	List(ctx context.Context, labels map[string]string) ([]Info, error)
	Exec(ctx context.Context, name, user string, cmd []string) (*ExecResult, error)
	CopyFile(ctx context.Context, name, dir, file string, content []byte, mode int64) error
	Logs(ctx context.Context, name string, tail string, w io.Writer) error
	Gateway(ctx context.Context, network string) (string, error)
	EnsureImage(ctx context.Context, ref string) error
}
