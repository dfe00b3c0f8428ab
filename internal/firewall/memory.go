package firewall

import (
	"fmt"
	"io"
	"slices"
	"sync"
)

// Memory is an in-process chain set. It backs dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	chains map[string][][]string

	// Out, when set, receives the iptables command each mutation stands for.
	Out io.Writer
	// Err, when set, is returned by every call.
	Err error
}

func NewMemory() *Memory {
	return &Memory{chains: map[string][][]string{}}
}

func chainKey(table, chain string) string {
	return table + "/" + chain
}

func (m *Memory) Insert(table, chain string, pos int, spec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := chainKey(table, chain)
	rules := m.chains[key]
	if pos < 1 || pos > len(rules)+1 {
		return fmt.Errorf("index of insertion too big: %d", pos)
	}
	m.chains[key] = slices.Insert(rules, pos-1, slices.Clone(spec))
	m.echo("-t %s -I %s %d %s", table, chain, pos, Join(spec))
	return nil
}

func (m *Memory) Append(table, chain string, spec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := chainKey(table, chain)
	m.chains[key] = append(m.chains[key], slices.Clone(spec))
	m.echo("-t %s -A %s %s", table, chain, Join(spec))
	return nil
}

func (m *Memory) Delete(table, chain string, spec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := chainKey(table, chain)
	rules := m.chains[key]
	for i, r := range rules {
		if slices.Equal(r, spec) {
			m.chains[key] = slices.Delete(rules, i, i+1)
			m.echo("-t %s -D %s %s", table, chain, Join(spec))
			return nil
		}
	}
	return fmt.Errorf("bad rule (does a matching rule exist in that chain?): %s", Join(spec))
}

func (m *Memory) List(table, chain string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	rules := m.chains[chainKey(table, chain)]
	entries := make([]Entry, len(rules))
	for i, r := range rules {
		entries[i] = Entry{Table: table, Chain: chain, Spec: slices.Clone(r)}
	}
	return entries, nil
}

func (m *Memory) echo(format string, args ...any) {
	if m.Out != nil {
		fmt.Fprintf(m.Out, "iptables "+format+"\n", args...)
	}
}
