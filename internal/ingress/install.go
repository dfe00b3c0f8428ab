package ingress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"

	"github.com/isolab/isolab/internal/keys"
)

const (
	hostKeyComment     = "isolab-proxy-host"
	upstreamKeyComment = "isolab-proxy"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=isolab SSH ingress proxy
After=network-online.target docker.service
Wants=network-online.target
Requires=docker.service

[Service]
Type=simple
Environment=ISOLAB_HOME={{.Home}}
ExecStart={{.Binary}} proxy serve{{if .Config}} --config {{.Config}}{{end}}
Restart=on-failure
RestartSec=2
{{- if .User}}
User={{.User}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

type UnitOptions struct {
	Binary string
	Home   string
	Config string
	User   string
}

func RenderUnit(o UnitOptions) (string, error) {
	var b bytes.Buffer
	if err := unitTemplate.Execute(&b, o); err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return b.String(), nil
}

// CommandRunner runs a host command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Installer struct {
	HostKeyPath   string
	ClientKeyPath string
	UnitPath      string
	Unit          UnitOptions
	Run           CommandRunner
}

type InstallResult struct {
	HostFingerprint string `json:"host_fingerprint" yaml:"host_fingerprint"`
	UpstreamKey     string `json:"upstream_key" yaml:"upstream_key"`
	UnitPath        string `json:"unit_path" yaml:"unit_path"`
	KeysCreated     bool   `json:"keys_created" yaml:"keys_created"`
	Started         bool   `json:"started" yaml:"started"`
}

// LoadKeys returns the proxy's host key and the key it uses towards
// sandbox sshd, generating either when missing.
func LoadKeys(hostPath, clientPath string) (host, upstream ssh.Signer, created bool, err error) {
	host, hostCreated, err := keys.LoadOrCreateSigner(hostPath, hostKeyComment)
	if err != nil {
		return nil, nil, false, err
	}
	upstream, upCreated, err := keys.LoadOrCreateSigner(clientPath, upstreamKeyComment)
	if err != nil {
		return nil, nil, false, err
	}
	return host, upstream, hostCreated || upCreated, nil
}

// Install creates the proxy's host and upstream keys if missing, writes
// the systemd unit and, when start is set, enables and starts it.
func (i Installer) Install(ctx context.Context, start bool) (*InstallResult, error) {
	host, upstream, created, err := LoadKeys(i.HostKeyPath, i.ClientKeyPath)
	if err != nil {
		return nil, err
	}
	unit, err := RenderUnit(i.Unit)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(i.UnitPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := os.WriteFile(i.UnitPath, []byte(unit), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write unit: %w", err)
	}

	res := &InstallResult{
		HostFingerprint: ssh.FingerprintSHA256(host.PublicKey()),
		UpstreamKey:     keys.AuthorizedLine(upstream.PublicKey(), upstreamKeyComment),
		UnitPath:        i.UnitPath,
		KeysCreated:     created,
	}
	if !start {
		return res, nil
	}
	run := i.Run
	if run == nil {
		run = ExecRunner
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", "--now", filepath.Base(i.UnitPath)},
	} {
		if out, err := run(ctx, "systemctl", args...); err != nil {
			return res, fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}
	res.Started = true
	return res, nil
}
