// Package firewall models host packet-filter rules as typed records and
// applies them through a pluggable backend.
package firewall

import (
	"strconv"
	"strings"
)

const (
	TableFilter = "filter"
	TableNAT    = "nat"

	TargetAccept = "ACCEPT"
	TargetDrop   = "DROP"
	TargetDNAT   = "DNAT"

	StateEstablished = "ESTABLISHED,RELATED"

	tagPrefix       = "isolab:"
	legacyTagPrefix = "isolab-"
)

// Tag is the comment attached to every rule owned by a sandbox.
func Tag(name string) string {
	return tagPrefix + name
}

// LegacyTag is the comment used by earlier releases.
func LegacyTag(name string) string {
	return legacyTagPrefix + name
}

// ParseTag extracts the sandbox name from a rule comment. ok is false for
// comments not written by isolab.
func ParseTag(tag string) (name string, legacy bool, ok bool) {
	switch {
	case strings.HasPrefix(tag, tagPrefix) && len(tag) > len(tagPrefix):
		return tag[len(tagPrefix):], false, true
	case strings.HasPrefix(tag, legacyTagPrefix) && len(tag) > len(legacyTagPrefix):
		return tag[len(legacyTagPrefix):], true, true
	default:
		return "", false, false
	}
}

// Rule is one packet-filter or NAT rule for a single sandbox source address.
type Rule struct {
	Table         string
	Chain         string
	Source        string
	Protocol      string
	DstPort       int
	ConnState     string
	Target        string
	ToDestination string
	Tag           string
}

// Spec renders the rule in iptables rulespec form, usable for both
// insertion and deletion.
func (r Rule) Spec() []string {
	var spec []string
	if r.Source != "" {
		src := r.Source
		if !strings.Contains(src, "/") {
			src += "/32"
		}
		spec = append(spec, "-s", src)
	}
	if r.Protocol != "" {
		spec = append(spec, "-p", r.Protocol)
		if r.DstPort > 0 {
			spec = append(spec, "-m", r.Protocol, "--dport", strconv.Itoa(r.DstPort))
		}
	}
	if r.ConnState != "" {
		spec = append(spec, "-m", "conntrack", "--ctstate", r.ConnState)
	}
	if r.Tag != "" {
		spec = append(spec, "-m", "comment", "--comment", r.Tag)
	}
	spec = append(spec, "-j", r.Target)
	if r.ToDestination != "" {
		spec = append(spec, "--to-destination", r.ToDestination)
	}
	return spec
}

func (r Rule) String() string {
	return "-t " + r.Table + " " + r.Chain + " " + Join(r.Spec())
}

// Entry is a rule as listed back from a chain.
type Entry struct {
	Table string
	Chain string
	Spec  []string
}

// Tag returns the rule comment, or "" when the rule has none.
func (e Entry) Tag() string {
	for i := 0; i+1 < len(e.Spec); i++ {
		if e.Spec[i] == "--comment" {
			return e.Spec[i+1]
		}
	}
	return ""
}

func (e Entry) String() string {
	return "-t " + e.Table + " " + e.Chain + " " + Join(e.Spec)
}
