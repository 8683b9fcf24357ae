package hostkeys

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is the IANA-assigned SSH port. Host labels for this port omit
// the port entirely.
const DefaultPort = 22

// HostLabel returns the label a host key is stored under: the bare hostname
// for the default SSH port, "[host]:port" otherwise.
func HostLabel(host string, port int) string {
	if port == DefaultPort {
		return host
	}
	return "[" + host + "]:" + strconv.Itoa(port)
}

// Store is an in-memory host-key database keyed by (host label, key type),
// optionally bound to a file for persistence.
//
// Load merges records from known_hosts-style files and may be called any
// number of times; later records overwrite earlier ones for the same
// (host, type) pair. Add mutates the store and, when a path is bound,
// rewrites the whole file atomically.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]map[string]ssh.PublicKey
}

func NewStore() *Store {
	return &Store{records: make(map[string]map[string]ssh.PublicKey)}
}

// Load reads host-key records from path and merges them into the store. The
// store remembers the most recent path as its persistence target.
func (s *Store) Load(path string) error {
	f, err := os.Open(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("hostkeys: open %s: %w", path, err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		_, hosts, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil {
			return fmt.Errorf("hostkeys: %s:%d: %w", path, lineno, err)
		}
		for _, h := range hosts {
			s.put(h, key.Type(), key)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("hostkeys: read %s: %w", path, err)
	}
	return nil
}

// Bind sets the persistence target without requiring the file to exist,
// merging any records it already holds. Use Load when a missing file should
// be an error.
func (s *Store) Bind(path string) error {
	if _, err := os.Stat(path); err == nil {
		return s.Load(path)
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

// Get returns the stored key for (hostLabel, keyType), if any.
func (s *Store) Get(hostLabel, keyType string) (ssh.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.records[hostLabel][keyType]
	return key, ok
}

// Add records a key for (hostLabel, key.Type()), replacing any previous one,
// and persists the store if it is bound to a file.
func (s *Store) Add(hostLabel string, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(hostLabel, key.Type(), key)
	if s.path == "" {
		return nil
	}
	return s.save()
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, byType := range s.records {
		n += len(byType)
	}
	return n
}

func (s *Store) put(hostLabel, keyType string, key ssh.PublicKey) {
	byType, ok := s.records[hostLabel]
	if !ok {
		byType = make(map[string]ssh.PublicKey)
		s.records[hostLabel] = byType
	}
	byType[keyType] = key
}

// save rewrites the bound file in full. The write goes to a temp file in the
// same directory followed by a rename, so readers never observe a partial
// file. Callers must hold s.mu.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hostkeys: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".hostkeys-*")
	if err != nil {
		return fmt.Errorf("hostkeys: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	labels := make([]string, 0, len(s.records))
	for label := range s.records {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	w := bufio.NewWriter(tmp)
	for _, label := range labels {
		byType := s.records[label]
		types := make([]string, 0, len(byType))
		for t := range byType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			line := knownhosts.Line([]string{label}, byType[t])
			if _, err := w.WriteString(line + "\n"); err != nil {
				_ = tmp.Close()
				return fmt.Errorf("hostkeys: write: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("hostkeys: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("hostkeys: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostkeys: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("hostkeys: rename: %w", err)
	}
	return nil
}
