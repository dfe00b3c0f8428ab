package firewall

import "errors"

var (
	// ErrPermission marks failures caused by missing privilege to change
	// the host firewall.
	ErrPermission = errors.New("insufficient privilege to modify firewall")
	// ErrNoChain is returned when the target chain does not exist.
	ErrNoChain = errors.New("firewall chain does not exist")
)

// Backend is the primitive rule store. Only head insertion and tail
// append are available for adding rules.
type Backend interface {
	Insert(table, chain string, pos int, spec ...string) error
	Append(table, chain string, spec ...string) error
	Delete(table, chain string, spec ...string) error
	List(table, chain string) ([]Entry, error)
}
