package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileState is the on-disk shape of the file store.
type fileState struct {
	UserServers map[string][]ServerDescriptor `yaml:"user_servers"`
}

// FileStore keeps per-user server descriptors in a YAML file. The
// global model and server sets are seeded from config and never
// written back.
type FileStore struct {
	path   string
	models []Model
	global []ServerDescriptor

	mu    sync.Mutex
	state fileState
}

// NewFileStore opens (or creates on first write) the YAML store at
// path, seeded with the global models and servers.
func NewFileStore(path string, models []Model, global []ServerDescriptor) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		models: models,
		global: global,
		state:  fileState{UserServers: make(map[string][]ServerDescriptor)},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run; file appears on first write.
	case err != nil:
		return nil, fmt.Errorf("read store file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("parse store file: %w", err)
		}
		if s.state.UserServers == nil {
			s.state.UserServers = make(map[string][]ServerDescriptor)
		}
	}

	return s, nil
}

// save writes the state to disk. Caller must hold s.mu.
//
// The write goes through a temp file in the same directory and a
// rename, so a crash mid-write never leaves a truncated store behind.
func (s *FileStore) save() error {
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("marshal store state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// ListModels returns the advertised model list.
func (s *FileStore) ListModels(_ context.Context) ([]Model, error) {
	out := make([]Model, len(s.models))
	copy(out, s.models)
	return out, nil
}

// ListServers returns global servers followed by the user's own.
func (s *FileStore) ListServers(_ context.Context, userID string) ([]ServerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServerDescriptor, 0, len(s.global)+len(s.state.UserServers[userID]))
	out = append(out, s.global...)
	out = append(out, s.state.UserServers[userID]...)
	return out, nil
}

// GetServer looks up one descriptor; the user's own entries shadow
// global ones with the same id.
func (s *FileStore) GetServer(_ context.Context, userID, serverID string) (ServerDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.state.UserServers[userID] {
		if d.ID == serverID {
			return d, true, nil
		}
	}
	for _, d := range s.global {
		if d.ID == serverID {
			return d, true, nil
		}
	}
	return ServerDescriptor{}, false, nil
}

// AddServer adds or replaces a descriptor in the user's set.
func (s *FileStore) AddServer(_ context.Context, userID string, desc ServerDescriptor) error {
	if desc.ID == "" {
		return errors.New("server descriptor needs an id")
	}
	desc.Global = false

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.state.UserServers[userID]
	replaced := false
	for i, d := range existing {
		if d.ID == desc.ID {
			existing[i] = desc
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, desc)
	}
	s.state.UserServers[userID] = existing

	return s.save()
}

// RemoveServer deletes a descriptor from the user's set. Global
// descriptors cannot be removed; the bool reports whether anything
// was deleted.
func (s *FileStore) RemoveServer(_ context.Context, userID, serverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.state.UserServers[userID]
	for i, d := range existing {
		if d.ID == serverID {
			s.state.UserServers[userID] = append(existing[:i], existing[i+1:]...)
			return true, s.save()
		}
	}
	return false, nil
}

// Close is a no-op; every mutation is flushed on commit.
func (s *FileStore) Close() error { return nil }
