// Package store persists scope records in a YAML file and re-applies the file
// when an operator edits it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/share"
)

// ScopeTable is the part of access.Plane the store drives
type ScopeTable interface {
	Apply(r access.Record) (access.Record, error)
	Revoke(host string) (access.Record, error)
	List() []access.Record
}

type fileRecord struct {
	Host     string                 `yaml:"host"`
	Name     string                 `yaml:"name,omitempty"`
	State    string                 `yaml:"state"`
	Features []string               `yaml:"features,omitempty"`
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

type fileContent struct {
	Scopes []fileRecord `yaml:"scopes"`
}

// FileStore reads and writes one scopes file
type FileStore struct {
	share.Logger
	path string

	lock  sync.Mutex
	known map[string]bool
}

// NewFileStore creates a store for path. The file need not exist.
func NewFileStore(logger share.Logger, path string) *FileStore {
	return &FileStore{
		Logger: logger.Fork("store"),
		path:   path,
		known:  make(map[string]bool),
	}
}

// Path returns the scopes file path
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the scopes file. A missing file holds no records.
func (s *FileStore) Load() ([]access.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scopes %s: %w", s.path, err)
	}
	var content fileContent
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parse scopes %s: %w", s.path, err)
	}
	records := make([]access.Record, 0, len(content.Scopes))
	for _, fr := range content.Scopes {
		r, err := fr.record()
		if err != nil {
			return nil, fmt.Errorf("scopes %s: %s: %w", s.path, fr.Host, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// Save writes records to the scopes file, replacing it atomically
func (s *FileStore) Save(records []access.Record) error {
	content := fileContent{Scopes: make([]fileRecord, 0, len(records))}
	for _, r := range records {
		fr, err := toFileRecord(r)
		if err != nil {
			return fmt.Errorf("scope %s: %w", r.Host, err)
		}
		content.Scopes = append(content.Scopes, fr)
	}
	data, err := yaml.Marshal(&content)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".scopes-*")
	if err != nil {
		return fmt.Errorf("save scopes: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save scopes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save scopes: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save scopes: %w", err)
	}
	s.known = make(map[string]bool, len(records))
	for _, r := range records {
		s.known[r.Host] = true
	}
	s.DLogf("saved %d scope(s) to %s", len(records), s.path)
	return nil
}

// SaveTable writes the current contents of table
func (s *FileStore) SaveTable(table ScopeTable) error {
	return s.Save(table.List())
}

// ApplyTo loads the file into table. Hosts that were in the file the last time
// it was loaded or saved, but are gone now, are revoked.
func (s *FileStore) ApplyTo(table ScopeTable) error {
	records, err := s.Load()
	if err != nil {
		return err
	}
	next := make(map[string]bool, len(records))
	for _, r := range records {
		if _, err := table.Apply(r); err != nil {
			s.WLogf("skipping scope %q: %s", r.Host, err)
			continue
		}
		next[r.Host] = true
	}

	s.lock.Lock()
	prev := s.known
	s.known = next
	s.lock.Unlock()

	for host := range prev {
		if !next[host] {
			if _, err := table.Revoke(host); err != nil {
				s.DLogf("revoke of %s dropped from file: %s", host, err)
			}
		}
	}
	s.DLogf("applied %d scope(s) from %s", len(records), s.path)
	return nil
}

// Watch re-applies the file to table whenever it changes, until ctx is done
func (s *FileStore) Watch(ctx context.Context, table ScopeTable) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return s.DLogErrorf("cannot watch %s: %s", s.path, err)
	}
	defer watcher.Close()
	// editors usually replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return s.DLogErrorf("cannot watch %s: %s", s.path, err)
	}
	name := filepath.Base(s.path)

	changed := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
		case <-changed:
			if err := s.ApplyTo(table); err != nil {
				s.WLogf("reload failed: %s", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.WLogf("watch error: %s", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (fr fileRecord) record() (access.Record, error) {
	state, err := access.ParseState(fr.State)
	if err != nil {
		return access.Record{}, err
	}
	features, err := access.ParseFeatures(fr.Features)
	if err != nil {
		return access.Record{}, err
	}
	var settings access.Settings
	if len(fr.Settings) > 0 {
		settings = make(access.Settings, len(fr.Settings))
		for k, v := range fr.Settings {
			raw, err := json.Marshal(v)
			if err != nil {
				return access.Record{}, fmt.Errorf("setting %s: %w", k, err)
			}
			settings[k] = raw
		}
	}
	return access.Record{
		Host:     fr.Host,
		Name:     fr.Name,
		State:    state,
		Features: features,
		Settings: settings,
	}, nil
}

func toFileRecord(r access.Record) (fileRecord, error) {
	fr := fileRecord{
		Host:     r.Host,
		Name:     r.Name,
		State:    r.State.String(),
		Features: r.Features.Names(),
	}
	if len(r.Settings) > 0 {
		fr.Settings = make(map[string]interface{}, len(r.Settings))
		for k, raw := range r.Settings {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return fileRecord{}, fmt.Errorf("setting %s: %w", k, err)
			}
			fr.Settings[k] = v
		}
	}
	return fr, nil
}
