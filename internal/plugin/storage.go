package plugin

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusd/nexus/internal/atomicfile"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
)

// Status is the plugin's runtime lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Plugin is the persisted installed-plugin record.
type Plugin struct {
	Manifest          *manifest.PluginManifest `json:"manifest"`
	AssignedPort      int                      `json:"assigned_port"`
	ContainerID       string                   `json:"container_id,omitempty"`
	Status            Status                   `json:"status"`
	InstalledAt       int64                    `json:"installed_at"`
	OAuthClientID     string                   `json:"oauth_client_id"`
	ManifestURLOrigin string                   `json:"manifest_url_origin,omitempty"`
	DevMode           bool                     `json:"dev_mode"`
	LocalManifestPath string                   `json:"local_manifest_path,omitempty"`
}

// Storage is the PluginStorage: the persisted plugins.json table, keyed by
// plugin id.
type Storage struct {
	mu      sync.RWMutex
	path    string
	plugins map[string]*Plugin
	nowFn   func() time.Time
}

// OpenStorage loads plugins.json from dataDir, tolerating a missing file.
func OpenStorage(dataDir string) (*Storage, error) {
	s := &Storage{
		path:    filepath.Join(dataDir, "plugins.json"),
		plugins: make(map[string]*Plugin),
		nowFn:   time.Now,
	}
	var rows []Plugin
	if err := atomicfile.ReadJSON(s.path, &rows); err != nil && !os.IsNotExist(err) {
		return nil, nexuserr.Wrap(nexuserr.IO, "loading plugins", err)
	}
	for i := range rows {
		p := rows[i]
		s.plugins[p.Manifest.ID] = &p
	}
	return s, nil
}

func (s *Storage) saveLocked() error {
	rows := make([]Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		rows = append(rows, *p)
	}
	return atomicfile.WriteJSON(s.path, rows)
}

// Add inserts or overwrites a plugin record.
func (s *Storage) Add(p *Plugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[p.Manifest.ID] = p
	return s.saveLocked()
}

// Get returns a copy of the record for id.
func (s *Storage) Get(id string) (Plugin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[id]
	if !ok {
		return Plugin{}, false
	}
	return *p, true
}

// Mutate applies fn to the stored record for id under the write lock and
// persists the result.
func (s *Storage) Mutate(id string, fn func(*Plugin)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", id)
	}
	fn(p)
	return s.saveLocked()
}

// Remove deletes a plugin's record.
func (s *Storage) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[id]; !ok {
		return nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", id)
	}
	delete(s.plugins, id)
	return s.saveLocked()
}

// List returns every installed plugin record.
func (s *Storage) List() []Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, *p)
	}
	return out
}

// AssignedPorts returns the set of ports currently held by installed
// plugins, used to keep a newly allocated port collision-free.
func (s *Storage) AssignedPorts() map[int]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]bool, len(s.plugins))
	for _, p := range s.plugins {
		out[p.AssignedPort] = true
	}
	return out
}

func (s *Storage) nowUnix() int64 {
	return s.nowFn().Unix()
}
