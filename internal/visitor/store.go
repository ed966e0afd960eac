package visitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists the feature id of the enrolled walk-in visitor across runs,
// one id in a small UTF-8 file. An absent file means nobody is enrolled.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored feature id, or "" when none has been saved.
func (s *Store) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("visitor: load: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Save writes the feature id, replacing any previous one.
func (s *Store) Save(featureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("visitor: save: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(featureID+"\n"), 0o644); err != nil {
		return fmt.Errorf("visitor: save: %w", err)
	}
	return nil
}

// Clear forgets the stored id. Clearing an absent file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("visitor: clear: %w", err)
	}
	return nil
}
