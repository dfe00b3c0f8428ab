package service

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

var (
	ErrInvalidName         = errors.New("invalid sandbox name")
	ErrAlreadyExists       = errors.New("sandbox already exists")
	ErrNotFound            = errors.New("sandbox not found")
	ErrNotRunning          = errors.New("sandbox is not running")
	ErrNoKeysConfigured    = errors.New("no SSH keys configured; add one with `isolab keys add`")
	ErrDNSFilterNotRunning = errors.New("DNS filter is not running; run `isolab setup-dns` first")
)

// ValidateName accepts DNS-1123 labels, which are also valid container
// names, hostnames and file names.
func ValidateName(name string) error {
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidName, name, strings.Join(errs, "; "))
	}
	return nil
}
