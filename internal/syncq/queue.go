// Package syncq keeps the last snapshot a client failed to save, one file per user.
package syncq

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"crumbs/internal/wire"
)

type Pending struct {
	UserID  string           `json:"user_id"`
	SavedAt time.Time        `json:"saved_at"`
	Save    wire.SaveRequest `json:"save"`
	// ServerUpdated is the server's last_updated the stashed progress was built on. A zero
	// time means the server had no record; nil means the client never saw the record.
	ServerUpdated *time.Time `json:"server_updated,omitempty"`
}

// Supersedes reports whether the stash should replace a server record last written at
// updated. With a known base only server timestamps are compared; without one the client
// clock is the only signal.
func (p Pending) Supersedes(updated time.Time) bool {
	if p.ServerUpdated != nil {
		return !updated.After(*p.ServerUpdated)
	}
	return p.SavedAt.After(updated)
}

type Stash struct {
	dir string
}

func New(dir string) *Stash {
	return &Stash{dir: dir}
}

func (s *Stash) path(userID string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", err
	}
	name := "pending-" + base64.RawURLEncoding.EncodeToString([]byte(userID)) + ".json"
	return filepath.Join(s.dir, name), nil
}

// Put replaces any stashed snapshot for p.UserID.
func (s *Stash) Put(p Pending) error {
	path, err := s.path(p.UserID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reports false when nothing is stashed for userID.
func (s *Stash) Get(userID string) (Pending, bool, error) {
	path, err := s.path(userID)
	if err != nil {
		return Pending{}, false, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Pending{}, false, nil
		}
		return Pending{}, false, err
	}
	if len(raw) == 0 {
		return Pending{}, false, nil
	}
	var out Pending
	if err := json.Unmarshal(raw, &out); err != nil {
		return Pending{}, false, err
	}
	if out.UserID != userID {
		return Pending{}, false, nil
	}
	return out, true, nil
}

func (s *Stash) Clear(userID string) error {
	path, err := s.path(userID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
