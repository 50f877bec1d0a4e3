package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNoActiveKey is returned when no API key is selected. Requests must not
// reach the upstream without one.
var ErrNoActiveKey = errors.New("no active API key configured")

// KeyStoreFile is the credential store file name inside the config dir.
const KeyStoreFile = "api_keys.json"

// keyStoreState is the persisted JSON shape.
type keyStoreState struct {
	Keys        map[string]string `json:"keys"`
	ActiveKeyID string            `json:"active_key_id"`
}

// KeyStore holds named API keys with a single active selection, persisted as
// api_keys.json. All mutations persist before returning.
type KeyStore struct {
	mu    sync.RWMutex
	path  string
	state keyStoreState
}

// NewKeyStore loads the store at <configDir>/api_keys.json. A missing file
// yields an empty store; a malformed file is an error so a bad edit cannot
// silently wipe credentials.
func NewKeyStore(configDir string) (*KeyStore, error) {
	s := &KeyStore{
		path:  filepath.Join(configDir, KeyStoreFile),
		state: keyStoreState{Keys: map[string]string{}},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file, replacing in-memory state. Used by the
// config watcher when the file changes on disk.
func (s *KeyStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = keyStoreState{Keys: map[string]string{}}
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var state keyStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("malformed %s: %w", s.path, err)
	}
	if state.Keys == nil {
		state.Keys = map[string]string{}
	}
	s.state = state
	return nil
}

// persist writes the current state atomically. Caller holds the lock.
func (s *KeyStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// SetKey adds or updates a named key. The first key added becomes active.
func (s *KeyStore) SetKey(id, secret string) error {
	if id == "" || secret == "" {
		return errors.New("key id and value must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Keys[id] = secret
	if s.state.ActiveKeyID == "" {
		s.state.ActiveKeyID = id
	}
	return s.persist()
}

// DeleteKey removes a named key. Deleting the active key clears the
// selection.
func (s *KeyStore) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Keys[id]; !ok {
		return fmt.Errorf("unknown key id %q", id)
	}
	delete(s.state.Keys, id)
	if s.state.ActiveKeyID == id {
		s.state.ActiveKeyID = ""
	}
	return s.persist()
}

// SetActive selects the key used for upstream authentication.
func (s *KeyStore) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Keys[id]; !ok {
		return fmt.Errorf("unknown key id %q", id)
	}
	s.state.ActiveKeyID = id
	return s.persist()
}

// ActiveKey returns the secret of the selected key.
func (s *KeyStore) ActiveKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.ActiveKeyID == "" {
		return "", ErrNoActiveKey
	}
	secret, ok := s.state.Keys[s.state.ActiveKeyID]
	if !ok {
		return "", ErrNoActiveKey
	}
	return secret, nil
}

// ActiveKeyID returns the id of the selected key, or "".
func (s *KeyStore) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ActiveKeyID
}

// KeyIDs returns the stored key ids in sorted order. Secrets are never
// listed.
func (s *KeyStore) KeyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.state.Keys))
	for id := range s.state.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
