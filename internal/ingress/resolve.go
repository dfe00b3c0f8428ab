// Package ingress is the SSH front door: it maps a connecting key to a
// sandbox, provisions the sandbox on first use and bridges the session
// to the sandbox's own sshd.
package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/service"
)

var ErrOwnerMismatch = errors.New("sandbox belongs to a different key")

// Registry is the part of the sandbox registry the proxy needs.
type Registry interface {
	Get(ctx context.Context, name string) (*model.Sandbox, error)
	Create(ctx context.Context, req *model.CreateSandboxRequest, owner string) (*model.Sandbox, error)
	Start(ctx context.Context, name string) (*model.Sandbox, error)
}

// KeyName derives a stable sandbox name from a public key.
func KeyName(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return "k-" + hex.EncodeToString(sum[:5])
}

// ResolveTarget splits an exec command into the sandbox name and the
// command to run inside it. The first word names the sandbox when it is a
// valid sandbox name; otherwise the whole command runs in fallback.
func ResolveTarget(command, fallback string) (name, rest string) {
	command = strings.TrimSpace(command)
	fields := strings.Fields(command)
	if len(fields) > 0 && service.ValidateName(fields[0]) == nil {
		return fields[0], strings.TrimSpace(strings.TrimPrefix(command, fields[0]))
	}
	return fallback, command
}

// EnsureSandbox returns the named sandbox, creating it for owner when it
// does not exist and starting it when stopped. A sandbox created for a
// different key is refused without being touched.
func EnsureSandbox(ctx context.Context, reg Registry, name, owner string, mode model.NetworkMode) (*model.Sandbox, bool, error) {
	sb, err := reg.Get(ctx, name)
	if errors.Is(err, service.ErrNotFound) {
		sb, err = reg.Create(ctx, &model.CreateSandboxRequest{Name: name, Network: mode.String()}, owner)
		if err == nil {
			return sb, true, nil
		}
		if !errors.Is(err, service.ErrAlreadyExists) {
			return nil, false, err
		}
		// Lost a race with another session; use the winner's sandbox.
		sb, err = reg.Get(ctx, name)
	}
	if err != nil {
		return nil, false, err
	}
	if sb.Owner != "" && sb.Owner != owner {
		return nil, false, fmt.Errorf("%w: %s", ErrOwnerMismatch, name)
	}
	if sb.Status != model.SandboxStatusRunning {
		sb, err = reg.Start(ctx, name)
		if err != nil {
			return nil, false, err
		}
	}
	return sb, false, nil
}
