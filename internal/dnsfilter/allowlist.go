// Package dnsfilter maintains the allowlisting resolver used by the
// packages network mode.
package dnsfilter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// DefaultAllowlist seeds a fresh install with the common package indexes.
var DefaultAllowlist = []string{
	"pypi.org",
	"files.pythonhosted.org",
	"registry.npmjs.org",
	"registry.yarnpkg.com",
	"proxy.golang.org",
	"sum.golang.org",
	"index.crates.io",
	"static.crates.io",
	"rubygems.org",
	"repo.maven.apache.org",
	"deb.debian.org",
	"security.debian.org",
	"archive.ubuntu.com",
	"security.ubuntu.com",
	"dl-cdn.alpinelinux.org",
	"github.com",
	"codeload.github.com",
	"objects.githubusercontent.com",
}

// ParseAllowlist reads one domain per line. Blank lines and lines starting
// with '#' are ignored. Every other line yields one entry, repeats included,
// so the rendered config has one override per allowlist line.
func ParseAllowlist(r io.Reader) ([]string, error) {
	var domains []string
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domain := strings.TrimSuffix(strings.ToLower(line), ".")
		if errs := validation.IsDNS1123Subdomain(domain); len(errs) > 0 {
			return nil, fmt.Errorf("allowlist line %d: invalid domain %q: %s", lineNo, line, strings.Join(errs, "; "))
		}
		domains = append(domains, domain)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	return domains, nil
}

func ReadAllowlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open allowlist: %w", err)
	}
	defer f.Close()
	return ParseAllowlist(f)
}

// SeedAllowlist writes the default allowlist when path does not exist.
// It reports whether a file was written.
func SeedAllowlist(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	var b strings.Builder
	b.WriteString("# One domain per line. Sandboxes in packages mode can only resolve these.\n")
	b.WriteString("# Apply changes with `isolab dns-reload`.\n")
	for _, d := range DefaultAllowlist {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	if err := writeFile(path, []byte(b.String())); err != nil {
		return false, err
	}
	return true, nil
}
