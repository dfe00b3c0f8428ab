// Package keys manages the authorized public key set that is pushed into
// every sandbox.
package keys

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidKeyFormat = errors.New("invalid public key")
	ErrIndexOutOfRange  = errors.New("key index out of range")
)

var allowedTypes = map[string]bool{
	ssh.KeyAlgoED25519:    true,
	ssh.KeyAlgoRSA:        true,
	ssh.KeyAlgoECDSA256:   true,
	ssh.KeyAlgoECDSA384:   true,
	ssh.KeyAlgoECDSA521:   true,
	ssh.KeyAlgoSKED25519:  true,
	ssh.KeyAlgoSKECDSA256: true,
}

// Entry is one authorized key. Index is 1-based and only meaningful for
// the listing it came from.
type Entry struct {
	Index       int    `json:"index" yaml:"index"`
	Algorithm   string `json:"algorithm" yaml:"algorithm"`
	Blob        string `json:"key" yaml:"key"`
	Comment     string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	// Invalid is set for hand-edited lines isolab would not accept.
	Invalid string `json:"invalid,omitempty" yaml:"invalid,omitempty"`
	Line    string `json:"-" yaml:"-"`

	pub ssh.PublicKey
}

func (e Entry) PublicKey() ssh.PublicKey {
	return e.pub
}

// Usable reports whether sshd can read the line, including option-bearing
// or legacy-type keys that Add would refuse.
func (e Entry) Usable() bool {
	return e.pub != nil
}

// Store is an authorized_keys file. Blank lines and comments are kept
// verbatim but never listed.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Parse validates a single authorized key line.
func Parse(line string) (Entry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Entry{}, fmt.Errorf("%w: empty input", ErrInvalidKeyFormat)
	}
	if strings.ContainsAny(line, "\r\n") {
		return Entry{}, fmt.Errorf("%w: expected a single line", ErrInvalidKeyFormat)
	}
	pub, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if len(options) > 0 {
		return Entry{}, fmt.Errorf("%w: key options are not supported", ErrInvalidKeyFormat)
	}
	if !allowedTypes[pub.Type()] {
		return Entry{}, fmt.Errorf("%w: unsupported key type %s", ErrInvalidKeyFormat, pub.Type())
	}
	fields := strings.Fields(line)
	return Entry{
		Algorithm:   pub.Type(),
		Blob:        fields[1],
		Comment:     comment,
		Fingerprint: ssh.FingerprintSHA256(pub),
		Line:        line,
		pub:         pub,
	}, nil
}

// Add appends a key unless the exact same line is already present.
// added is false for duplicates.
func (s *Store) Add(line string) (entry Entry, added bool, err error) {
	entry, err = Parse(line)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return Entry{}, false, err
	}
	for _, l := range lines {
		if strings.TrimSpace(l) == entry.Line {
			return entry, false, nil
		}
	}
	lines = append(lines, entry.Line)
	if err := s.writeLines(lines); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// List returns the keys in file order with fresh 1-based indices.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	entries, _ := listed(lines)
	return entries, nil
}

// Remove deletes the key at a 1-based index of the current listing.
func (s *Store) Remove(index int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return Entry{}, err
	}
	entries, positions := listed(lines)
	if index < 1 || index > len(entries) {
		return Entry{}, fmt.Errorf("%w: %d (have %d keys)", ErrIndexOutOfRange, index, len(entries))
	}
	pos := positions[index-1]
	lines = append(lines[:pos], lines[pos+1:]...)
	if err := s.writeLines(lines); err != nil {
		return Entry{}, err
	}
	return entries[index-1], nil
}

// Authorized renders the usable keys as authorized_keys content, with extra
// lines appended after the stored keys.
func (s *Store) Authorized(extra ...string) (string, error) {
	entries, err := s.List()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		if !e.Usable() {
			continue
		}
		b.WriteString(e.Line)
		b.WriteByte('\n')
	}
	for _, x := range extra {
		if x = strings.TrimSpace(x); x != "" {
			b.WriteString(x)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// Lookup finds the valid stored entry whose public key equals pub.
func (s *Store) Lookup(pub ssh.PublicKey) (Entry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return Entry{}, false, err
	}
	want := pub.Marshal()
	for _, e := range entries {
		if e.Invalid == "" && bytes.Equal(e.pub.Marshal(), want) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// listed returns every non-blank, non-comment line as an entry. Lines that
// fail Parse are kept and marked Invalid. positions maps listing order to
// line numbers.
func listed(lines []string) ([]Entry, []int) {
	var entries []Entry
	var positions []int
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		e, err := Parse(t)
		if err != nil {
			e = looseEntry(t, err)
		}
		e.Index = len(entries) + 1
		entries = append(entries, e)
		positions = append(positions, i)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, positions
}

// looseEntry describes a line Parse rejected, keeping whatever
// ssh.ParseAuthorizedKey can still read from it.
func looseEntry(line string, cause error) Entry {
	e := Entry{
		Line:    line,
		Invalid: strings.TrimPrefix(cause.Error(), ErrInvalidKeyFormat.Error()+": "),
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		e.Algorithm = strings.Fields(line)[0]
		return e
	}
	e.Algorithm = pub.Type()
	e.Blob = base64.StdEncoding.EncodeToString(pub.Marshal())
	e.Comment = comment
	e.Fingerprint = ssh.FingerprintSHA256(pub)
	e.pub = pub
	return e
}

func (s *Store) readLines() ([]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return lines, nil
}

func (s *Store) writeLines(lines []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".authorized_keys.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}
