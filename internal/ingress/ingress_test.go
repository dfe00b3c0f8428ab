package ingress

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/service"
	"github.com/isolab/isolab/internal/store"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	return signer
}

type fakeRegistry struct {
	mu        sync.Mutex
	sandboxes map[string]*model.Sandbox
	addr      string
	port      int
	creates   int
	starts    int
	createErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sandboxes: map[string]*model.Sandbox{}, addr: "127.0.0.1"}
}

func (r *fakeRegistry) Get(_ context.Context, name string) (*model.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrNotFound, name)
	}
	cp := *sb
	return &cp, nil
}

func (r *fakeRegistry) Create(_ context.Context, req *model.CreateSandboxRequest, owner string) (*model.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	if _, ok := r.sandboxes[req.Name]; ok {
		return nil, fmt.Errorf("%w: %s", service.ErrAlreadyExists, req.Name)
	}
	mode, err := model.ParseMode(req.Network)
	if err != nil {
		return nil, err
	}
	r.creates++
	sb := &model.Sandbox{
		Name:        req.Name,
		Status:      model.SandboxStatusRunning,
		Owner:       owner,
		Mode:        mode,
		BindAddress: r.addr,
		SSHPort:     r.port,
	}
	r.sandboxes[req.Name] = sb
	cp := *sb
	return &cp, nil
}

func (r *fakeRegistry) Start(_ context.Context, name string) (*model.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrNotFound, name)
	}
	r.starts++
	sb.Status = model.SandboxStatusRunning
	cp := *sb
	return &cp, nil
}

func TestResolveTarget(t *testing.T) {
	cases := []struct {
		command, wantName, wantRest string
	}{
		{"", "k-fallback", ""},
		{"alpha", "alpha", ""},
		{"alpha uname -a", "alpha", "uname -a"},
		{"  beta   ls  ", "beta", "ls"},
		{"/bin/ls -l", "k-fallback", "/bin/ls -l"},
		{"Bad_Name x", "k-fallback", "Bad_Name x"},
	}
	for _, tc := range cases {
		name, rest := ResolveTarget(tc.command, "k-fallback")
		if name != tc.wantName || rest != tc.wantRest {
			t.Fatalf("ResolveTarget(%q) = %q, %q; want %q, %q", tc.command, name, rest, tc.wantName, tc.wantRest)
		}
	}
}

func TestKeyNameIsStableAndValid(t *testing.T) {
	pub := newSigner(t).PublicKey()
	a, b := KeyName(pub), KeyName(pub)
	if a != b {
		t.Fatalf("KeyName not deterministic: %s %s", a, b)
	}
	if err := service.ValidateName(a); err != nil {
		t.Fatalf("KeyName produced invalid sandbox name %q: %v", a, err)
	}
	if KeyName(newSigner(t).PublicKey()) == a {
		t.Fatalf("different keys must map to different names")
	}
}

func TestEnsureSandbox(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()

	sb, created, err := EnsureSandbox(ctx, reg, "alpha", "SHA256:owner", model.ModeNone)
	if err != nil || !created || sb.Owner != "SHA256:owner" {
		t.Fatalf("EnsureSandbox() = %+v, %v, %v", sb, created, err)
	}
	_, created, err = EnsureSandbox(ctx, reg, "alpha", "SHA256:owner", model.ModeNone)
	if err != nil || created || reg.creates != 1 {
		t.Fatalf("second ensure should reuse, got created=%v err=%v creates=%d", created, err, reg.creates)
	}

	_, _, err = EnsureSandbox(ctx, reg, "alpha", "SHA256:intruder", model.ModeNone)
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
	if reg.sandboxes["alpha"].Owner != "SHA256:owner" {
		t.Fatalf("mismatch must not modify the sandbox")
	}

	reg.sandboxes["alpha"].Status = model.SandboxStatusStopped
	sb, _, err = EnsureSandbox(ctx, reg, "alpha", "SHA256:owner", model.ModeNone)
	if err != nil || sb.Status != model.SandboxStatusRunning || reg.starts != 1 {
		t.Fatalf("expected stopped sandbox started, got %+v err=%v", sb, err)
	}

	// Operator-created sandboxes carry no owner and accept any known key.
	reg.sandboxes["shared"] = &model.Sandbox{Name: "shared", Status: model.SandboxStatusRunning}
	if _, _, err := EnsureSandbox(ctx, reg, "shared", "SHA256:anyone", model.ModeNone); err != nil {
		t.Fatalf("unowned sandbox refused: %v", err)
	}

	reg.createErr = errors.New("docker down")
	if _, _, err := EnsureSandbox(ctx, reg, "gamma", "SHA256:owner", model.ModeNone); err == nil {
		t.Fatalf("expected create failure to propagate")
	}
}

func TestRenderUnit(t *testing.T) {
	unit, err := RenderUnit(UnitOptions{Binary: "/usr/local/bin/isolab", Home: "/root/.isolab"})
	if err != nil {
		t.Fatalf("RenderUnit() error = %v", err)
	}
	for _, want := range []string{
		"ExecStart=/usr/local/bin/isolab proxy serve\n",
		"Environment=ISOLAB_HOME=/root/.isolab\n",
		"RestartSec=2\n\n[Install]",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}
	if strings.Contains(unit, "User=") {
		t.Fatalf("unexpected User= line:\n%s", unit)
	}
}

func TestInstallerWritesKeysAndUnit(t *testing.T) {
	dir := t.TempDir()
	var calls []string
	inst := Installer{
		HostKeyPath:   filepath.Join(dir, "proxy", "host_ed25519"),
		ClientKeyPath: filepath.Join(dir, "proxy", "upstream_ed25519"),
		UnitPath:      filepath.Join(dir, "systemd", "isolab-proxy.service"),
		Unit:          UnitOptions{Binary: "/usr/local/bin/isolab", Home: dir},
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, name+" "+strings.Join(args, " "))
			return nil, nil
		},
	}

	res, err := inst.Install(context.Background(), false)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !res.KeysCreated || res.Started || len(calls) != 0 {
		t.Fatalf("unexpected result %+v calls=%v", res, calls)
	}
	if _, err := os.Stat(inst.UnitPath); err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	line, _ := keys.ReadPublicLine(inst.ClientKeyPath)
	if line != res.UpstreamKey {
		t.Fatalf("upstream key mismatch: %q vs %q", line, res.UpstreamKey)
	}

	res, err = inst.Install(context.Background(), true)
	if err != nil {
		t.Fatalf("Install(start) error = %v", err)
	}
	if res.KeysCreated || !res.Started {
		t.Fatalf("expected existing keys reused and service started, got %+v", res)
	}
	if len(calls) != 2 || calls[1] != "systemctl enable --now isolab-proxy.service" {
		t.Fatalf("unexpected systemctl calls %v", calls)
	}
}

// startFakeSandbox runs a minimal sshd that accepts upstream and answers
// exec requests.
func startFakeSandbox(t *testing.T, upstream ssh.PublicKey) int {
	t.Helper()
	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, k ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(k.Marshal(), upstream.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("denied")
		},
	}
	conf.AddHostKey(newSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, chans, reqs, err := ssh.NewServerConn(nc, conf)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for nch := range chans {
					ch, creqs, err := nch.Accept()
					if err != nil {
						continue
					}
					go func() {
						for req := range creqs {
							if req.Type != "exec" {
								req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
								continue
							}
							var p execPayload
							ssh.Unmarshal(req.Payload, &p)
							req.Reply(true, nil)
							fmt.Fprintf(ch, "ran: %s\n", p.Command)
							fmt.Fprintf(ch.Stderr(), "note\n")
							ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusPayload{Status: 0}))
							ch.Close()
							return
						}
					}()
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProxyBridgesSessionAndRecordsTranscript(t *testing.T) {
	dir := t.TempDir()
	if err := store.InitDB(filepath.Join(dir, "isolab.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() { _ = store.CloseDB() })

	clientSigner := newSigner(t)
	keyStore := keys.NewStore(filepath.Join(dir, "authorized_keys"))
	if _, _, err := keyStore.Add(keys.AuthorizedLine(clientSigner.PublicKey(), "op@laptop")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	hostSigner, upstreamSigner := newSigner(t), newSigner(t)
	reg := newFakeRegistry()
	reg.port = startFakeSandbox(t, upstreamSigner.PublicKey())
	sessions := store.NewSessionStore()

	proxy := NewProxy(Config{
		HostSigner:     hostSigner,
		UpstreamSigner: upstreamSigner,
		UpstreamUser:   "sandbox",
		DefaultMode:    model.ModeNone,
		LogDir:         filepath.Join(dir, "logs"),
		ReadyTimeout:   2 * time.Second,
	}, keyStore, reg, sessions, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- proxy.Serve(ctx, ln) }()

	client, err := ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "op",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientSigner)},
		HostKeyCallback: ssh.FixedHostKey(hostSigner.PublicKey()),
		Timeout:         2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	out, err := sess.Output("alpha echo hi")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "ran: echo hi\n" {
		t.Fatalf("unexpected output %q", out)
	}
	client.Close()

	sb, err := reg.Get(context.Background(), "alpha")
	if err != nil || sb.Owner != ssh.FingerprintSHA256(clientSigner.PublicKey()) {
		t.Fatalf("sandbox not provisioned for the key: %+v %v", sb, err)
	}

	var recs []store.SessionRecord
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ = sessions.ListBySandbox(context.Background(), "alpha", 10)
		if len(recs) == 1 && recs[0].EndedAt != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(recs) != 1 || recs[0].EndedAt == nil {
		t.Fatalf("expected one finished session record, got %+v", recs)
	}
	if recs[0].Command != "echo hi" || recs[0].ExitStatus == nil || *recs[0].ExitStatus != 0 {
		t.Fatalf("unexpected session record %+v", recs[0])
	}
	transcript, err := os.ReadFile(recs[0].LogPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(transcript), "ran: echo hi") || !strings.Contains(string(transcript), "note") {
		t.Fatalf("unexpected transcript %q", transcript)
	}

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestProxyRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	keyStore := keys.NewStore(filepath.Join(dir, "authorized_keys"))
	if _, _, err := keyStore.Add(keys.AuthorizedLine(newSigner(t).PublicKey(), "someone")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	hostSigner := newSigner(t)
	proxy := NewProxy(Config{HostSigner: hostSigner, UpstreamSigner: newSigner(t)}, keyStore, newFakeRegistry(), nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Serve(ctx, ln)

	_, err = ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "op",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(newSigner(t))},
		HostKeyCallback: ssh.FixedHostKey(hostSigner.PublicKey()),
		Timeout:         2 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}
