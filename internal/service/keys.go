package service

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/lock"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
)

func (s *SandboxService) withKeysLock(fn func() error) error {
	h, err := s.locker.Lock(lock.KeysKey)
	if err != nil {
		return err
	}
	defer h.Unlock()
	return fn()
}

// AddKey validates and stores a public key line. added is false when the
// exact line was already present.
func (s *SandboxService) AddKey(ctx context.Context, line string) (entry keys.Entry, added bool, err error) {
	err = s.withKeysLock(func() error {
		entry, added, err = s.keys.Add(line)
		return err
	})
	if err == nil && added {
		s.logger(ctx).Info("key added", "fingerprint", entry.Fingerprint, "comment", entry.Comment)
	}
	return entry, added, err
}

func (s *SandboxService) ListKeys() ([]keys.Entry, error) {
	return s.keys.List()
}

// RemoveKey deletes the key at the 1-based listing index.
func (s *SandboxService) RemoveKey(ctx context.Context, index int) (entry keys.Entry, err error) {
	err = s.withKeysLock(func() error {
		entry, err = s.keys.Remove(index)
		return err
	})
	if err == nil {
		s.logger(ctx).Info("key removed", "fingerprint", entry.Fingerprint)
	}
	return entry, err
}

// SyncKeys overwrites authorized_keys in target, or in every running
// sandbox when target is empty, and returns the sandboxes synced.
func (s *SandboxService) SyncKeys(ctx context.Context, target string) ([]string, error) {
	var synced []string
	err := s.withKeysLock(func() error {
		var names []string
		if target != "" {
			info, err := s.inspect(ctx, target)
			if err != nil {
				return err
			}
			if !info.Running {
				return fmt.Errorf("%w: %s", ErrNotRunning, target)
			}
			names = []string{target}
		} else {
			list, err := s.List(ctx)
			if err != nil {
				return err
			}
			for _, sb := range list.Items {
				if sb.Status == model.SandboxStatusRunning {
					names = append(names, sb.Name)
				}
			}
		}
		if len(names) == 0 {
			return nil
		}

		content, err := s.authorizedKeys()
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := s.pushKeys(ctx, name, content); err != nil {
				return err
			}
			synced = append(synced, name)
			s.recordEvent(ctx, &store.EventRecord{
				Sandbox: name,
				Action:  store.ActionSync,
				Detail:  fmt.Sprintf("%d keys", strings.Count(content, "\n")),
			})
		}
		return nil
	})
	return synced, err
}

func (s *SandboxService) pushKeys(ctx context.Context, name, content string) error {
	cname := model.ContainerName(name)
	sshDir := path.Join("/home", s.opts.User, ".ssh")
	if err := s.rt.CopyFile(ctx, cname, sshDir, "authorized_keys", []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to copy keys into %s: %w", name, err)
	}
	owner := s.opts.User + ":" + s.opts.User
	res, err := s.rt.Exec(ctx, cname, "root", []string{"chown", owner, path.Join(sshDir, "authorized_keys")})
	if err != nil {
		return fmt.Errorf("failed to fix key ownership in %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to fix key ownership in %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	s.logger(ctx).Info("keys synced", "sandbox", name)
	return nil
}
