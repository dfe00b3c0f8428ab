// Package netpolicy turns a sandbox's declared network mode into tagged
// host firewall rules and keeps the shared chain consistent with it.
package netpolicy

import (
	"github.com/isolab/isolab/internal/firewall"
	"github.com/isolab/isolab/internal/model"
)

const (
	DefaultFilterChain = "DOCKER-USER"
	DefaultNATChain    = "PREROUTING"
)

// Chains names where sandbox rules live.
type Chains struct {
	Filter string
	NAT    string
}

func (c Chains) withDefaults() Chains {
	if c.Filter == "" {
		c.Filter = DefaultFilterChain
	}
	if c.NAT == "" {
		c.NAT = DefaultNATChain
	}
	return c
}

// Synthesize returns the rules for a sandbox in evaluation order: the
// first rule of each chain must end up on top. dnsTarget (host:port) is
// only used by the packages mode.
func Synthesize(chains Chains, name, addr string, mode model.NetworkMode, dnsTarget string) []firewall.Rule {
	chains = chains.withDefaults()
	tag := firewall.Tag(name)
	b := ruleBuilder{chains: chains, addr: addr, tag: tag}

	switch mode {
	case model.ModeNone:
		return []firewall.Rule{
			b.established(),
			b.deny(),
		}
	case model.ModePackages:
		return []firewall.Rule{
			b.redirectDNS("udp", dnsTarget),
			b.redirectDNS("tcp", dnsTarget),
			b.established(),
			b.allowPort("tcp", 80),
			b.allowPort("tcp", 443),
			b.deny(),
		}
	case model.ModeWeb:
		return []firewall.Rule{
			b.established(),
			b.allowPort("tcp", 80),
			b.allowPort("tcp", 443),
			b.allowPort("udp", 53),
			b.allowPort("tcp", 53),
			b.deny(),
		}
	default:
		return nil
	}
}

type ruleBuilder struct {
	chains Chains
	addr   string
	tag    string
}

func (b ruleBuilder) established() firewall.Rule {
	return firewall.Rule{
		Table:     firewall.TableFilter,
		Chain:     b.chains.Filter,
		Source:    b.addr,
		ConnState: firewall.StateEstablished,
		Target:    firewall.TargetAccept,
		Tag:       b.tag,
	}
}

func (b ruleBuilder) allowPort(proto string, port int) firewall.Rule {
	return firewall.Rule{
		Table:    firewall.TableFilter,
		Chain:    b.chains.Filter,
		Source:   b.addr,
		Protocol: proto,
		DstPort:  port,
		Target:   firewall.TargetAccept,
		Tag:      b.tag,
	}
}

func (b ruleBuilder) deny() firewall.Rule {
	return firewall.Rule{
		Table:  firewall.TableFilter,
		Chain:  b.chains.Filter,
		Source: b.addr,
		Target: firewall.TargetDrop,
		Tag:    b.tag,
	}
}

func (b ruleBuilder) redirectDNS(proto, target string) firewall.Rule {
	return firewall.Rule{
		Table:         firewall.TableNAT,
		Chain:         b.chains.NAT,
		Source:        b.addr,
		Protocol:      proto,
		DstPort:       53,
		Target:        firewall.TargetDNAT,
		ToDestination: target,
		Tag:           b.tag,
	}
}
