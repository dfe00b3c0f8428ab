package dnsfilter

import (
	"fmt"
	"strings"
)

type RenderOptions struct {
	ListenAddress string
	Port          int
	Upstream      string
	Source        string
}

// Render produces a dnsmasq configuration that answers NXDOMAIN for every
// name except the allowlisted domains, which are forwarded upstream.
func Render(domains []string, o RenderOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by isolab from %s. Run `isolab dns-reload` after editing the allowlist.\n", o.Source)
	fmt.Fprintf(&b, "port=%d\n", o.Port)
	if o.ListenAddress != "" {
		fmt.Fprintf(&b, "listen-address=%s\n", o.ListenAddress)
		b.WriteString("bind-interfaces\n")
	}
	b.WriteString("no-resolv\n")
	b.WriteString("no-hosts\n")
	b.WriteString("no-poll\n")
	b.WriteString("cache-size=1000\n")
	b.WriteString("log-facility=-\n")
	for _, d := range domains {
		fmt.Fprintf(&b, "server=/%s/%s\n", d, o.Upstream)
	}
	b.WriteString("address=/#/\n")
	return b.String()
}
