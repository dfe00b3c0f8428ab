// Package containertest provides an in-memory container.Runtime.
package containertest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/isolab/isolab/internal/container"
)

type entry struct {
	info container.Info
	spec container.Spec
}

// Runtime is a fake engine. Started containers get a fresh address on
// every start, like a real bridge network would hand out.
type Runtime struct {
	mu        sync.Mutex
	items     map[string]*entry
	nextIP    int
	nextID    int
	Files     map[string]map[string][]byte
	Execs     map[string][][]string
	Images    []string
	GatewayIP string

	// Fail maps an operation name ("create", "start", "stop", "remove",
	// "exec", "copy", "gateway") to the error it should return.
	Fail map[string]error
	// ExecFunc, when set, produces exec results.
	ExecFunc func(name string, cmd []string) *container.ExecResult
}

func New() *Runtime {
	return &Runtime{
		items:     map[string]*entry{},
		nextIP:    2,
		Files:     map[string]map[string][]byte{},
		Execs:     map[string][][]string{},
		GatewayIP: "172.17.0.1",
		Fail:      map[string]error{},
	}
}

func (r *Runtime) fail(op string) error {
	return r.Fail[op]
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", container.ErrNotFound, name)
}

func (r *Runtime) Create(_ context.Context, spec container.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create"); err != nil {
		return "", err
	}
	if _, ok := r.items[spec.Name]; ok {
		return "", fmt.Errorf("conflict: container name %s already in use", spec.Name)
	}
	r.nextID++
	id := fmt.Sprintf("c%06d", r.nextID)
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	r.items[spec.Name] = &entry{
		spec: spec,
		info: container.Info{
			ID:      id,
			Name:    spec.Name,
			Status:  "created",
			Labels:  labels,
			Ports:   append([]container.PortBinding(nil), spec.Ports...),
			Created: time.Now().UTC(),
		},
	}
	return id, nil
}

func (r *Runtime) Start(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("start"); err != nil {
		return err
	}
	e, ok := r.items[name]
	if !ok {
		return notFound(name)
	}
	if e.info.Running {
		return nil
	}
	e.info.Running = true
	e.info.Status = "running"
	e.info.StartedAt = time.Now().UTC()
	if e.spec.NetworkMode != "host" {
		e.info.IPAddress = fmt.Sprintf("172.17.0.%d", r.nextIP)
		r.nextIP++
	}
	return nil
}

func (r *Runtime) Stop(_ context.Context, name string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("stop"); err != nil {
		return err
	}
	e, ok := r.items[name]
	if !ok {
		return notFound(name)
	}
	e.info.Running = false
	e.info.Status = "exited"
	e.info.IPAddress = ""
	return nil
}

func (r *Runtime) Restart(ctx context.Context, name string, timeout time.Duration) error {
	if err := r.Stop(ctx, name, timeout); err != nil {
		return err
	}
	return r.Start(ctx, name)
}

func (r *Runtime) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("remove"); err != nil {
		return err
	}
	if _, ok := r.items[name]; !ok {
		return notFound(name)
	}
	delete(r.items, name)
	delete(r.Files, name)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, name string) (*container.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[name]
	if !ok {
		return nil, notFound(name)
	}
	info := e.info
	return &info, nil
}

func (r *Runtime) List(_ context.Context, labels map[string]string) ([]container.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []container.Info{}
	for _, e := range r.items {
		match := true
		for k, v := range labels {
			if e.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) Exec(_ context.Context, name, _ string, cmd []string) (*container.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("exec"); err != nil {
		return nil, err
	}
	e, ok := r.items[name]
	if !ok {
		return nil, notFound(name)
	}
	if !e.info.Running {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	r.Execs[name] = append(r.Execs[name], cmd)
	if r.ExecFunc != nil {
		return r.ExecFunc(name, cmd), nil
	}
	return &container.ExecResult{}, nil
}

func (r *Runtime) CopyFile(_ context.Context, name, dir, file string, content []byte, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("copy"); err != nil {
		return err
	}
	if _, ok := r.items[name]; !ok {
		return notFound(name)
	}
	if r.Files[name] == nil {
		r.Files[name] = map[string][]byte{}
	}
	r.Files[name][path.Join(dir, file)] = append([]byte(nil), content...)
	return nil
}

func (r *Runtime) Logs(_ context.Context, name string, _ string, w io.Writer) error {
	r.mu.Lock()
	_, ok := r.items[name]
	r.mu.Unlock()
	if !ok {
		return notFound(name)
	}
	_, err := fmt.Fprintf(w, "logs for %s\n", name)
	return err
}

func (r *Runtime) Gateway(_ context.Context, _ string) (string, error) {
	if err := r.fail("gateway"); err != nil {
		return "", err
	}
	return r.GatewayIP, nil
}

func (r *Runtime) EnsureImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("image"); err != nil {
		return err
	}
	r.Images = append(r.Images, ref)
	return nil
}

// Spec returns the spec a container was created from.
func (r *Runtime) Spec(name string) (container.Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[name]
	if !ok {
		return container.Spec{}, false
	}
	return e.spec, true
}

// Seed inserts a container directly, e.g. one created by an older release.
func (r *Runtime) Seed(name string, labels map[string]string, running bool, ports ...container.PortBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &entry{
		spec: container.Spec{Name: name, Labels: labels, Ports: ports},
		info: container.Info{
			ID:      fmt.Sprintf("c%06d", r.nextID),
			Name:    name,
			Status:  "exited",
			Labels:  labels,
			Ports:   ports,
			Created: time.Now().UTC(),
		},
	}
	if running {
		e.info.Running = true
		e.info.Status = "running"
		e.info.StartedAt = time.Now().UTC()
		e.info.IPAddress = fmt.Sprintf("172.17.0.%d", r.nextIP)
		r.nextIP++
	}
	r.items[name] = e
}
