package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/isolab/isolab/internal/model"
)

// ModeStore keeps the authoritative network mode of each sandbox as one
// plain-text file per sandbox.
type ModeStore struct {
	dir string
}

func NewModeStore(dir string) *ModeStore {
	return &ModeStore{dir: dir}
}

func (s *ModeStore) Dir() string {
	return s.dir
}

func (s *ModeStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Get returns the recorded mode. ok is false when no record exists.
func (s *ModeStore) Get(name string) (mode model.NetworkMode, ok bool, err error) {
	b, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return model.ModeNone, false, nil
	}
	if err != nil {
		return model.ModeNone, false, fmt.Errorf("failed to read mode record: %w", err)
	}
	mode, err = model.ParseMode(string(b))
	if err != nil {
		return model.ModeNone, true, fmt.Errorf("corrupt mode record for %s: %w", name, err)
	}
	return mode, true, nil
}

// Save replaces the record atomically.
func (s *ModeStore) Save(name string, mode model.NetworkMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", model.ErrUnknownMode, int(mode))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mode directory: %w", err)
	}
	return writeFileAtomic(s.path(name), []byte(mode.String()+"\n"), 0o644)
}

func (s *ModeStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete mode record: %w", err)
	}
	return nil
}

// List returns the names that have a record, sorted.
func (s *ModeStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list mode records: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Purge removes the whole record directory.
func (s *ModeStore) Purge() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove mode directory: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
