// Package modstore persists small per-module key/value records.
//
// Each record is a single file named module_data_<module>_<key> under the
// store directory. Modules use this through the capability API to survive
// reloads and restarts with their settings intact.
package modstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
)

// keyPattern limits identifiers to names that are safe as file name parts.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Store reads and writes module records on an afero filesystem.
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("modstore: create %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// Save writes value under (module, key), replacing any previous record.
func (s *Store) Save(module, key string, value []byte) error {
	path, err := s.path(module, key)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, path, value, 0o644); err != nil {
		return fmt.Errorf("modstore: write %s: %w", path, err)
	}
	return nil
}

// Load returns the record stored under (module, key). A record that was
// never saved returns (nil, false, nil).
func (s *Store) Load(module, key string) ([]byte, bool, error) {
	path, err := s.path(module, key)
	if err != nil {
		return nil, false, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("modstore: read %s: %w", path, err)
	}
	return data, true, nil
}

// Delete removes the record under (module, key). Deleting a record that
// does not exist is not an error.
func (s *Store) Delete(module, key string) error {
	path, err := s.path(module, key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("modstore: remove %s: %w", path, err)
	}
	return nil
}

func (s *Store) path(module, key string) (string, error) {
	if !keyPattern.MatchString(module) || !keyPattern.MatchString(key) {
		return "", fmt.Errorf("modstore: invalid identifier %q/%q", module, key)
	}
	return filepath.Join(s.dir, "module_data_"+module+"_"+key), nil
}
