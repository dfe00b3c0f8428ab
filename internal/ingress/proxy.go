package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/lifecycle"
	"github.com/isolab/isolab/internal/logx"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
)

const (
	extFingerprint = "isolab-fingerprint"
	extKeyName     = "isolab-key-name"
	dialRetry      = 500 * time.Millisecond
)

type Config struct {
	HostSigner     ssh.Signer
	UpstreamSigner ssh.Signer
	UpstreamUser   string
	DefaultMode    model.NetworkMode
	LogDir         string
	// ReadyTimeout bounds how long a fresh sandbox's sshd may take to
	// accept connections.
	ReadyTimeout time.Duration
}

type Proxy struct {
	cfg      Config
	keys     *keys.Store
	reg      Registry
	sessions *store.SessionStore
	drain    *lifecycle.DrainManager
}

func NewProxy(cfg Config, keyStore *keys.Store, reg Registry, sessions *store.SessionStore, drain *lifecycle.DrainManager) *Proxy {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if drain == nil {
		drain = lifecycle.NewDrainManager()
	}
	return &Proxy{cfg: cfg, keys: keyStore, reg: reg, sessions: sessions, drain: drain}
}

func (p *Proxy) serverConfig() *ssh.ServerConfig {
	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, pub ssh.PublicKey) (*ssh.Permissions, error) {
			entry, ok, err := p.keys.Lookup(pub)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("unknown public key for %s", meta.User())
			}
			return &ssh.Permissions{Extensions: map[string]string{
				extFingerprint: entry.Fingerprint,
				extKeyName:     KeyName(pub),
			}}, nil
		},
	}
	conf.AddHostKey(p.cfg.HostSigner)
	return conf
}

// Serve accepts connections until ctx is done or the listener fails.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	conf := p.serverConfig()
	log := logx.LoggerFromContext(ctx).With("component", "ingress")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info("ssh ingress listening", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		if p.drain.IsDraining() {
			nc.Close()
			continue
		}
		release := p.drain.Track(nc.RemoteAddr().String())
		go func() {
			defer release()
			p.handleConn(logx.NewOperation(ctx), nc, conf)
		}()
	}
}

func (p *Proxy) handleConn(ctx context.Context, nc net.Conn, conf *ssh.ServerConfig) {
	log := logx.LoggerFromContext(ctx).With("component", "ingress", "remote", nc.RemoteAddr().String())
	conn, chans, reqs, err := ssh.NewServerConn(nc, conf)
	if err != nil {
		log.Warn("ssh handshake failed", "error", err)
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		go p.handleSession(ctx, conn, nch)
	}
}

type execPayload struct {
	Command string
}

type exitStatusPayload struct {
	Status uint32
}

func (p *Proxy) handleSession(ctx context.Context, conn *ssh.ServerConn, nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	fingerprint := conn.Permissions.Extensions[extFingerprint]
	log := logx.LoggerFromContext(ctx).With("component", "ingress", "fingerprint", fingerprint)

	// Terminal and environment setup arrive before exec/shell. They are
	// acknowledged now and replayed upstream once the target is known.
	var pending []*ssh.Request
	var start *ssh.Request
wait:
	for req := range reqs {
		switch req.Type {
		case "exec", "shell":
			start = req
			break wait
		case "pty-req", "env", "window-change":
			pending = append(pending, req)
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	if start == nil {
		return
	}

	var command string
	if start.Type == "exec" {
		var payload execPayload
		if err := ssh.Unmarshal(start.Payload, &payload); err != nil {
			start.Reply(false, nil)
			return
		}
		command = payload.Command
	}
	name, rest := ResolveTarget(command, conn.Permissions.Extensions[extKeyName])
	log = log.With("sandbox", name)

	fail := func(err error) {
		log.Warn("session refused", "error", err)
		start.Reply(true, nil)
		fmt.Fprintf(ch.Stderr(), "isolab: %v\r\n", err)
		ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusPayload{Status: 1}))
	}

	sb, created, err := EnsureSandbox(ctx, p.reg, name, fingerprint, p.cfg.DefaultMode)
	if err != nil {
		fail(err)
		return
	}
	if created {
		log.Info("sandbox provisioned for key", "mode", sb.Mode.String())
	}

	client, err := p.dialUpstream(ctx, sb)
	if err != nil {
		fail(err)
		return
	}
	defer client.Close()

	upCh, upReqs, err := client.OpenChannel("session", nil)
	if err != nil {
		fail(fmt.Errorf("failed to open session in %s: %w", name, err))
		return
	}
	defer upCh.Close()
	for _, req := range pending {
		upCh.SendRequest(req.Type, false, req.Payload)
	}
	var ok bool
	if rest == "" {
		ok, err = upCh.SendRequest("shell", true, nil)
	} else {
		ok, err = upCh.SendRequest("exec", true, ssh.Marshal(execPayload{Command: rest}))
	}
	if err != nil || !ok {
		start.Reply(false, nil)
		return
	}
	start.Reply(true, nil)

	rec := &store.SessionRecord{
		ID:          uuid.NewString(),
		Sandbox:     name,
		Fingerprint: fingerprint,
		RemoteAddr:  conn.RemoteAddr().String(),
		Command:     rest,
		StartedAt:   time.Now().UTC(),
	}
	transcript, err := p.openTranscript(rec)
	if err != nil {
		log.Warn("session transcript disabled", "error", err)
		transcript = nopWriteCloser{io.Discard}
	}
	defer transcript.Close()
	if p.sessions != nil {
		if err := p.sessions.Start(ctx, rec); err != nil {
			log.Warn("failed to record session", "error", err)
		}
	}

	exit, bytesOut := bridge(ch, reqs, upCh, upReqs, transcript)

	if p.sessions != nil {
		if err := p.sessions.Finish(ctx, rec.ID, bytesOut, exit, time.Now().UTC()); err != nil {
			log.Warn("failed to record session end", "error", err)
		}
	}
	log.Info("session closed", "session_id", rec.ID, "bytes_out", bytesOut)
}

// bridge shuttles data and requests between the client channel and the
// sandbox channel until the sandbox side closes. Output is copied to the
// transcript.
func bridge(ch ssh.Channel, reqs <-chan *ssh.Request, upCh ssh.Channel, upReqs <-chan *ssh.Request, transcript io.Writer) (*int, int64) {
	var counted atomic.Int64
	tw := &lockedWriter{w: transcript}

	var outputs sync.WaitGroup
	outputs.Add(2)
	go func() {
		defer outputs.Done()
		n, _ := io.Copy(io.MultiWriter(ch, tw), upCh)
		counted.Add(n)
	}()
	go func() {
		defer outputs.Done()
		n, _ := io.Copy(io.MultiWriter(ch.Stderr(), tw), upCh.Stderr())
		counted.Add(n)
	}()
	go func() {
		io.Copy(upCh, ch)
		upCh.CloseWrite()
	}()
	go func() {
		for req := range reqs {
			ok, _ := upCh.SendRequest(req.Type, req.WantReply, req.Payload)
			if req.WantReply {
				req.Reply(ok, nil)
			}
		}
		// Client went away.
		upCh.Close()
	}()

	var exit *int
	for req := range upReqs {
		if req.Type == "exit-status" {
			var payload exitStatusPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil {
				status := int(payload.Status)
				exit = &status
			}
		}
		ok, _ := ch.SendRequest(req.Type, req.WantReply, req.Payload)
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
	outputs.Wait()
	ch.CloseWrite()
	return exit, counted.Load()
}

func (p *Proxy) dialUpstream(ctx context.Context, sb *model.Sandbox) (*ssh.Client, error) {
	addr := net.JoinHostPort(sb.BindAddress, strconv.Itoa(sb.SSHPort))
	conf := &ssh.ClientConfig{
		User: p.cfg.UpstreamUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(p.cfg.UpstreamSigner)},
		// Sandbox host keys are generated per container and never pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	for {
		client, err := ssh.Dial("tcp", addr, conf)
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sandbox %s is not accepting ssh on %s: %w", sb.Name, addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetry):
		}
	}
}

func (p *Proxy) openTranscript(rec *store.SessionRecord) (io.WriteCloser, error) {
	if p.cfg.LogDir == "" {
		return nil, errors.New("no session log directory configured")
	}
	dir := filepath.Join(p.cfg.LogDir, rec.Sandbox)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	rec.LogPath = filepath.Join(dir, rec.ID+".log")
	return os.OpenFile(rec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// Drain stops accepting sessions and waits for open ones to finish.
func (p *Proxy) Drain(ctx context.Context) error {
	p.drain.StartDraining()
	if active := p.drain.Active(); active > 0 {
		slog.Default().With("component", "ingress").Info("waiting for sessions to finish", "active", active, "remotes", p.drain.Holders())
	}
	return p.drain.Wait(ctx)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
