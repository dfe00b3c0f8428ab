package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/store"
)

var ErrSessionNotFound = errors.New("session not found")

// History lists ledger events, newest first. An empty name lists all.
func (s *SandboxService) History(ctx context.Context, name string, limit int) ([]store.EventRecord, error) {
	if s.events == nil {
		return []store.EventRecord{}, nil
	}
	if name != "" {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}
	return s.events.List(ctx, name, limit)
}

// Sessions lists proxied SSH sessions recorded for name.
func (s *SandboxService) Sessions(ctx context.Context, name string, limit int) ([]store.SessionRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if s.sessions == nil {
		return []store.SessionRecord{}, nil
	}
	return s.sessions.ListBySandbox(ctx, name, limit)
}

// OpenTranscript opens the captured output of one session.
func (s *SandboxService) OpenTranscript(ctx context.Context, name, sessionID string) (io.ReadCloser, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Sandbox != name {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	f, err := os.Open(rec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	return f, nil
}

// ContainerLogs streams the sandbox container's own output.
func (s *SandboxService) ContainerLogs(ctx context.Context, name, tail string, w io.Writer) error {
	if _, err := s.inspect(ctx, name); err != nil {
		return err
	}
	return s.rt.Logs(ctx, model.ContainerName(name), tail, w)
}
