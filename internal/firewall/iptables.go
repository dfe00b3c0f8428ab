package firewall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// IPTables drives the host's iptables binary.
type IPTables struct {
	ipt *iptables.IPTables
}

func NewIPTables() (*IPTables, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &IPTables{ipt: ipt}, nil
}

func (b *IPTables) Insert(table, chain string, pos int, spec ...string) error {
	return wrapErr(b.ipt.Insert(table, chain, pos, spec...))
}

func (b *IPTables) Append(table, chain string, spec ...string) error {
	return wrapErr(b.ipt.Append(table, chain, spec...))
}

func (b *IPTables) Delete(table, chain string, spec ...string) error {
	return wrapErr(b.ipt.Delete(table, chain, spec...))
}

func (b *IPTables) List(table, chain string) ([]Entry, error) {
	lines, err := b.ipt.List(table, chain)
	if err != nil {
		return nil, wrapErr(err)
	}
	return parseListing(table, chain, lines)
}

func parseListing(table, chain string, lines []string) ([]Entry, error) {
	prefix := "-A " + chain + " "
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		spec, err := Split(strings.TrimPrefix(line, prefix))
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Table: table, Chain: chain, Spec: spec})
	}
	return entries, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var ipErr *iptables.Error
	if errors.As(err, &ipErr) {
		if ipErr.IsNotExist() && strings.Contains(ipErr.Error(), "No chain/target/match") {
			return fmt.Errorf("%w: %v", ErrNoChain, err)
		}
		if ipErr.ExitStatus() == 4 || isPermissionText(ipErr.Error()) {
			return fmt.Errorf("%w: %v", ErrPermission, err)
		}
		return err
	}
	if isPermissionText(err.Error()) {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}

func isPermissionText(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "must be root") ||
		strings.Contains(msg, "operation not permitted")
}
