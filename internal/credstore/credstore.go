// Package credstore reads and writes the persisted credentials record at
// <config>/fluidzero/credentials.json. The file is owner-only (0600) and is
// rewritten atomically after every token mutation. A missing or corrupt file
// is indistinguishable from "not logged in"; loading never fails.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePerms restricts the credentials file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the config directory.
const DirPerms = 0o700

// Credentials is the on-disk record.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	APIURL       string `json:"api_url"`
	ClientID     string `json:"client_id,omitempty"`
}

// Store persists a single credentials record at a fixed path.
type Store struct {
	Path string
}

// New returns a Store writing to the given path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load returns the stored record, or nil if the file does not exist, cannot
// be read, is not valid JSON, or lacks an access token. It never returns an
// error: a broken credentials file reads as "not authenticated".
func (s *Store) Load() *Credentials {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil
	}

	if creds.AccessToken == "" {
		return nil
	}

	return &creds
}

// Save writes the record as indented JSON with a trailing newline, creating
// the parent directory if needed. The write is atomic: temp file in the same
// directory, chmod 0600, then rename over the final path. Concurrent CLI
// invocations race at the rename; last writer wins.
func (s *Store) Save(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}

	data = append(data, '\n')

	dir := filepath.Dir(s.Path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credstore: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing: %w", err)
	}

	// Flush to disk before the rename so a crash cannot leave an empty file
	// at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("credstore: renaming: %w", err)
	}

	success = true

	return nil
}

// Delete removes the credentials file. Returns whether a file existed.
func (s *Store) Delete() (bool, error) {
	err := os.Remove(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("credstore: removing %s: %w", s.Path, err)
	}

	return true, nil
}
