package hostnet

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestBindAddress(t *testing.T) {
	ctx := context.Background()
	if got := BindAddress(ctx, "10.1.2.3", nil); got != "10.1.2.3" {
		t.Fatalf("expected override, got %q", got)
	}
	if got := BindAddress(ctx, "", nil); got != Loopback {
		t.Fatalf("expected loopback without overlay, got %q", got)
	}
	overlay := func(context.Context) (string, error) { return "100.64.1.7\n", nil }
	if got := BindAddress(ctx, "", overlay); got != "100.64.1.7" {
		t.Fatalf("expected overlay address, got %q", got)
	}
	failing := func(context.Context) (string, error) { return "", errors.New("not installed") }
	if got := BindAddress(ctx, "", failing); got != Loopback {
		t.Fatalf("expected loopback on overlay failure, got %q", got)
	}
	garbage := func(context.Context) (string, error) { return "Tailscale is stopped.\n", nil }
	if got := BindAddress(ctx, "", garbage); got != Loopback {
		t.Fatalf("expected loopback on unparsable output, got %q", got)
	}
}

func TestAllocatorSkipsReservedAndBusy(t *testing.T) {
	busy := map[int]bool{2201: true}
	a := Allocator{
		Base: 2200,
		Span: 10,
		Probe: func(_ string, port int) bool {
			return !busy[port]
		},
	}
	port, err := a.Allocate(Loopback, map[int]bool{2200: true})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if port != 2202 {
		t.Fatalf("expected 2202, got %d", port)
	}

	full := Allocator{Base: 2200, Span: 2, Probe: func(string, int) bool { return false }}
	if _, err := full.Allocate(Loopback, nil); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
}

func TestListenProbeDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	if ListenProbe(Loopback, port) {
		t.Fatalf("expected bound port %d to probe busy", port)
	}
}
