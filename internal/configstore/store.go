// Package configstore persists the set of known devices as a single
// human-editable YAML document and records every field-level edit in an
// append-only sqlite ledger the status API surfaces as an "edited since
// last save" hint. The in-memory snapshot-under-mutex shape is adapted
// from the teacher's configsync.Manager, which held a remote-fetched
// config behind a sync.RWMutex; here the same shape guards a
// locally-owned, locally-persisted document instead.
package configstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jvbridge/camctl/internal/model"
)

// document is the on-disk YAML shape.
type document struct {
	Devices map[model.DeviceId]model.DeviceConfig `yaml:"devices"`
}

// Store holds the live, mutex-guarded set of device configs and mirrors
// every change to disk before it is considered committed.
type Store struct {
	path string

	mu      sync.RWMutex
	devices map[model.DeviceId]model.DeviceConfig
}

// Open loads path if it exists, or starts with an empty document if it
// does not; the file is created on the first successful write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, devices: make(map[model.DeviceId]model.DeviceConfig)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("configstore: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("configstore: parse %s: %w", path, err)
	}
	for id, cfg := range doc.Devices {
		cfg.Id = id
		cfg.StoredInConfig = true
		s.devices[id] = cfg
	}
	return s, nil
}

// Get returns one device's stored config.
func (s *Store) Get(id model.DeviceId) (model.DeviceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.devices[id]
	return cfg, ok
}

// List returns all stored device configs in no particular order.
func (s *Store) List() []model.DeviceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceConfig, 0, len(s.devices))
	for _, cfg := range s.devices {
		out = append(out, cfg)
	}
	return out
}

// Discover records a device seen through mDNS but not yet confirmed by
// the user. The record is visible to Get/List immediately, but lives in
// memory only: StoredInConfig stays false and it is excluded from the
// persisted document until a call to Upsert — driven by an explicit
// user edit — confirms it. Calling Discover for an id that already has
// a record, ephemeral or confirmed, is a no-op that returns the
// existing record.
func (s *Store) Discover(id model.DeviceId, seed model.DeviceConfig) model.DeviceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.devices[id]; ok {
		return cfg
	}
	seed.Id = id
	seed.StoredInConfig = false
	s.devices[id] = seed
	return seed
}

// Upsert creates a device entry if absent and applies patch to it,
// persisting the whole document atomically. It returns the resulting
// config and the field names that actually changed value.
func (s *Store) Upsert(id model.DeviceId, seed model.DeviceConfig, patch model.Patch) (model.DeviceConfig, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, existed := s.devices[id]
	if !existed {
		cfg = seed
		cfg.Id = id
	}
	changed := patch.Apply(&cfg)
	cfg.StoredInConfig = true
	s.devices[id] = cfg

	if err := s.persistLocked(); err != nil {
		return model.DeviceConfig{}, nil, err
	}
	return cfg, changed, nil
}

// MarkOnline records a device's mDNS discovery presence. Online is
// engine-derived and carries `yaml:"-"`, so this updates the in-memory
// snapshot only — it never triggers a document rewrite.
func (s *Store) MarkOnline(id model.DeviceId, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.devices[id]
	if !ok {
		return
	}
	cfg.Online = online
	s.devices[id] = cfg
}

// MarkActive records whether a device's session is currently connected.
// Like MarkOnline, this is engine-derived state and is never persisted.
func (s *Store) MarkActive(id model.DeviceId, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.devices[id]
	if !ok {
		return
	}
	cfg.Active = active
	s.devices[id] = cfg
}

// Remove deletes a device from the document and persists the change.
func (s *Store) Remove(id model.DeviceId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return nil
	}
	delete(s.devices, id)
	return s.persistLocked()
}

// persistLocked rewrites the whole YAML document atomically: write to a
// temp file in the same directory, then rename over the target, so a
// crash mid-write never leaves a truncated document behind. A document
// whose serialized form matches the file already on disk is not rewritten.
func (s *Store) persistLocked() error {
	doc := document{Devices: make(map[model.DeviceId]model.DeviceConfig, len(s.devices))}
	for id, cfg := range s.devices {
		if !cfg.StoredInConfig {
			continue
		}
		doc.Devices[id] = cfg
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}
	if existing, err := os.ReadFile(s.path); err == nil && bytes.Equal(existing, raw) {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("configstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".camctl-config-*.yaml")
	if err != nil {
		return fmt.Errorf("configstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: rename into place: %w", err)
	}
	return nil
}
