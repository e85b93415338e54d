// Package store holds small persisted-state stores that don't warrant their
// own package: MCP tool enablement settings and per-plugin key-value data.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexusd/nexus/internal/atomicfile"
)

// PluginToolSettings tracks which of a plugin's declared MCP tools are
// enabled, explicitly disabled, or have been approved for unattended calls.
type PluginToolSettings struct {
	EnabledTools  []string `json:"enabled_tools"`
	DisabledTools []string `json:"disabled_tools"`
	ApprovedTools []string `json:"approved_tools"`
}

// McpSettings is the persisted mcp_settings.json: per-plugin tool
// enablement, reconciled whenever a plugin is installed or updated.
type McpSettings struct {
	mu      sync.Mutex
	path    string
	Plugins map[string]*PluginToolSettings `json:"plugins"`
}

// OpenMcpSettings loads mcp_settings.json from dataDir, tolerating a missing
// file.
func OpenMcpSettings(dataDir string) (*McpSettings, error) {
	s := &McpSettings{
		path:    filepath.Join(dataDir, "mcp_settings.json"),
		Plugins: make(map[string]*PluginToolSettings),
	}
	if err := atomicfile.ReadJSON(s.path, &s.Plugins); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if s.Plugins == nil {
		s.Plugins = make(map[string]*PluginToolSettings)
	}
	return s, nil
}

func (s *McpSettings) saveLocked() error {
	return atomicfile.WriteJSON(s.path, s.Plugins)
}

// Reconcile adds newly-declared tool names to the enabled set (unless the
// user previously disabled them) and drops stale entries no longer declared
// by the manifest.
func (s *McpSettings) Reconcile(pluginID string, toolNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(toolNames) == 0 {
		return nil
	}

	entry, ok := s.Plugins[pluginID]
	if !ok {
		entry = &PluginToolSettings{}
		s.Plugins[pluginID] = entry
	}

	declared := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		declared[name] = true
	}
	known := make(map[string]bool)
	for _, name := range entry.EnabledTools {
		known[name] = true
	}
	for _, name := range entry.DisabledTools {
		known[name] = true
	}
	for _, name := range toolNames {
		if !known[name] {
			entry.EnabledTools = append(entry.EnabledTools, name)
		}
	}

	entry.EnabledTools = retainDeclared(entry.EnabledTools, declared)
	entry.DisabledTools = retainDeclared(entry.DisabledTools, declared)
	entry.ApprovedTools = retainDeclared(entry.ApprovedTools, declared)

	return s.saveLocked()
}

// Remove drops a plugin's entire tool-settings entry, used when the plugin
// is uninstalled.
func (s *McpSettings) Remove(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Plugins, pluginID)
	return s.saveLocked()
}

// Watch reloads the settings from disk and invokes onChange on every write
// or create event for mcp_settings.json: a hand-edit during development as
// well as this process's own saves. It returns once the watch is established.
func (s *McpSettings) Watch(ctx context.Context, onChange func()) error {
	return WatchFile(ctx, s.path, func() error {
		loaded := make(map[string]*PluginToolSettings)
		if err := atomicfile.ReadJSON(s.path, &loaded); err != nil {
			return err
		}
		s.mu.Lock()
		s.Plugins = loaded
		s.mu.Unlock()
		return nil
	}, onChange)
}

func retainDeclared(names []string, declared map[string]bool) []string {
	out := names[:0]
	for _, n := range names {
		if declared[n] {
			out = append(out, n)
		}
	}
	return append([]string(nil), out...)
}
