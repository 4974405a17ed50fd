// Package storage persists the authenticated session across restarts. It is a
// scoped key-value surface in the smallest sense: one JSON file under the
// user's config directory, read at startup, written on login, cleared on
// logout.
package storage

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"kindoo/internal/kindoo"
)

const fileName = "session.json"

// Session is the durable {credential, principal} pair.
type Session struct {
	Credential string           `json:"credential"`
	Principal  kindoo.Principal `json:"principal"`
}

type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created lazily on the
// first Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir resolves the per-user config location, e.g.
// ~/.config/kindoo on Linux.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kindoo"), nil
}

// Load reads the persisted session. A missing file is not an error; it
// returns (nil, nil).
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, fileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt file is treated like an absent one; the next login
		// rewrites it.
		return nil, nil
	}
	if sess.Credential == "" {
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, fileName), data, 0o600)
}

// Clear removes the persisted session. Idempotent.
func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
