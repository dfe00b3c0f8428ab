package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrDrainTimeout is returned by Wait when holders are still open at the deadline.
var ErrDrainTimeout = errors.New("timeout waiting for sessions to drain")

// DrainManager gates new work once a daemon starts shutting down and counts
// the work still in flight, keyed by holder (a remote address, a route).
type DrainManager struct {
	draining atomic.Bool

	mu      sync.Mutex
	holders map[string]int
	total   int
	idle    chan struct{}
}

func NewDrainManager() *DrainManager {
	return &DrainManager{holders: make(map[string]int)}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

// Active reports the number of open sessions.
func (m *DrainManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Holders lists the distinct holders with open sessions, sorted.
func (m *DrainManager) Holders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.holders))
	for h := range m.holders {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Track registers one session for holder. The returned release func may be
// called more than once.
func (m *DrainManager) Track(holder string) func() {
	m.mu.Lock()
	m.holders[holder]++
	m.total++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.release(holder) })
	}
}

func (m *DrainManager) release(holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[holder] <= 1 {
		delete(m.holders, holder)
	} else {
		m.holders[holder]--
	}
	m.total--
	if m.total == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// Wait blocks until no sessions are open or ctx ends. On timeout the error
// names the holders that are still open.
func (m *DrainManager) Wait(ctx context.Context) error {
	m.mu.Lock()
	if m.total == 0 {
		m.mu.Unlock()
		return nil
	}
	if m.idle == nil {
		m.idle = make(chan struct{})
	}
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrDrainTimeout, strings.Join(m.Holders(), ", "))
	}
}
