package hostnet

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrNoFreePort = errors.New("no free port available")

// ProbeFunc reports whether host:port can be bound right now.
type ProbeFunc func(host string, port int) bool

// ListenProbe binds and immediately releases a TCP listener.
func ListenProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocator finds the first free port at or above Base. Callers serialize
// allocation across processes (see lock.PortsKey) until the chosen port
// is actually bound by the container.
type Allocator struct {
	Base  int
	Span  int
	Probe ProbeFunc
}

// Allocate skips ports in reserved (published by existing sandboxes,
// running or not) and ports that fail the bind probe.
func (a Allocator) Allocate(host string, reserved map[int]bool) (int, error) {
	probe := a.Probe
	if probe == nil {
		probe = ListenProbe
	}
	span := a.Span
	if span <= 0 {
		span = 1
	}
	for port := a.Base; port < a.Base+span && port <= 65535; port++ {
		if reserved[port] {
			continue
		}
		if probe(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d on %s", ErrNoFreePort, a.Base, a.Base+span-1, host)
}
