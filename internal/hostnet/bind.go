// Package hostnet picks host-side addresses and ports for sandbox SSH.
package hostnet

import (
	"bufio"
	"context"
	"net"
	"os/exec"
	"strings"
	"time"
)

const (
	Loopback            = "127.0.0.1"
	overlayProbeTimeout = 2 * time.Second
)

// OverlayFunc returns the output of the overlay network's address query.
type OverlayFunc func(ctx context.Context) (string, error)

// TailscaleIPv4 runs `tailscale ip -4`.
func TailscaleIPv4(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	return string(out), err
}

// BindAddress returns override when set, otherwise the host's private
// overlay address, otherwise loopback.
func BindAddress(ctx context.Context, override string, overlay OverlayFunc) string {
	if override != "" {
		return override
	}
	if overlay == nil {
		return Loopback
	}
	ctx, cancel := context.WithTimeout(ctx, overlayProbeTimeout)
	defer cancel()
	out, err := overlay(ctx)
	if err != nil {
		return Loopback
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		ip := net.ParseIP(strings.TrimSpace(sc.Text()))
		if ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	return Loopback
}
