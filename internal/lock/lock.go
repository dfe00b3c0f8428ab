// Package lock provides advisory, host-wide exclusive locks backed by
// flock(2) on files under a lock directory.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// ChainKey guards every mutation of the shared firewall chain.
	ChainKey = "chain"
	// PortsKey is held from port probing until the container is started.
	PortsKey = "ports"
	// DNSKey guards regeneration and restart of the DNS filter.
	DNSKey = "dns"
	// KeysKey guards the authorized key file.
	KeysKey = "keys"
	// RegistryKey is held shared by create and exclusively by nuke, so
	// no sandbox can appear while every sandbox is being destroyed.
	RegistryKey = "registry"
)

// SandboxKey is the per-name lock key.
func SandboxKey(name string) string {
	return "sandbox-" + name
}

type Locker struct {
	dir string
}

func New(dir string) *Locker {
	return &Locker{dir: dir}
}

// Handle is a held lock.
type Handle struct {
	f *os.File
}

// Lock blocks until the exclusive lock for key is held. Locks are
// released when the handle is unlocked or the process exits.
func (l *Locker) Lock(key string) (*Handle, error) {
	return l.lock(key, unix.LOCK_EX)
}

// RLock blocks until a shared lock for key is held. Shared holders
// exclude exclusive ones but not each other.
func (l *Locker) RLock(key string) (*Handle, error) {
	return l.lock(key, unix.LOCK_SH)
}

func (l *Locker) lock(key string, how int) (*Handle, error) {
	f, err := l.open(key)
	if err != nil {
		return nil, err
	}
	if err := flock(f, how); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return &Handle{f: f}, nil
}

// TryLock returns ok=false without blocking when another holder exists.
func (l *Locker) TryLock(key string) (*Handle, bool, error) {
	f, err := l.open(key)
	if err != nil {
		return nil, false, err
	}
	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return &Handle{f: f}, true, nil
}

func (l *Locker) open(key string) (*os.File, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return nil, fmt.Errorf("invalid lock key %q", key)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, key+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}

// Unlock is safe to call on a nil or already released handle.
func (h *Handle) Unlock() error {
	if h == nil || h.f == nil {
		return nil
	}
	f := h.f
	h.f = nil
	if err := flock(f, unix.LOCK_UN); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
