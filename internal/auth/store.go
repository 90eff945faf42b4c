package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the session record across restarts. The record is
// all-or-nothing: a load that yields an incomplete record reports absence.
type Store interface {
	Load() (Session, bool, error)
	Save(Session) error
	Clear() error
}

// FileStore keeps the session as a single JSON record on disk.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore rooted under dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{Path: filepath.Join(dataDir, "session.json")}
}

func (s *FileStore) Load() (Session, bool, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("read session record: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, false, nil
	}

	if !session.complete() {
		return Session{}, false, nil
	}

	return session, true, nil
}

func (s *FileStore) Save(session Session) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	// Write-then-rename so a crash mid-write leaves either the old record or
	// none, never a torn one.
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("commit session record: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}
