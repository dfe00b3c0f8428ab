package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownMode = errors.New("unknown network mode")

// NetworkMode is the declared egress policy of a sandbox.
type NetworkMode int

const (
	ModeNone NetworkMode = iota
	ModePackages
	ModeWeb
	ModeOpen
)

// AllModes lists every mode in order of increasing exposure.
var AllModes = []NetworkMode{ModeNone, ModePackages, ModeWeb, ModeOpen}

func (m NetworkMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePackages:
		return "packages"
	case ModeWeb:
		return "web"
	case ModeOpen:
		return "open"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// DisplayName is the value exposed to the container as ISOLAB_NET_MODE.
func (m NetworkMode) DisplayName() string {
	switch m {
	case ModeNone:
		return "ISOLATED"
	case ModePackages:
		return "PACKAGES"
	case ModeWeb:
		return "WEB"
	case ModeOpen:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

func (m NetworkMode) Valid() bool {
	return m >= ModeNone && m <= ModeOpen
}

// ParseMode accepts the canonical mode names and "full" as an alias of open.
func ParseMode(s string) (NetworkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ModeNone, nil
	case "packages":
		return ModePackages, nil
	case "web":
		return ModeWeb, nil
	case "open", "full":
		return ModeOpen, nil
	default:
		return ModeNone, fmt.Errorf("%w %q (want none, packages, web, open or full)", ErrUnknownMode, s)
	}
}

func (m NetworkMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	return []byte(m.String()), nil
}

func (m *NetworkMode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
