package store

import (
	"os"
	"path/filepath"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// pluginDataDir is the per-plugin key-value storage root, namespaced away
// from the plugin's Docker data volume (which lives inside the container).
func pluginDataDir(dataDir, pluginID string) string {
	return filepath.Join(dataDir, "plugin-storage", pluginID)
}

// RemovePluginStorage deletes a plugin's host-side key-value storage
// directory. Missing storage is not an error — a plugin that never wrote
// anything has nothing to clean up.
func RemovePluginStorage(dataDir, pluginID string) error {
	if err := os.RemoveAll(pluginDataDir(dataDir, pluginID)); err != nil {
		return nexuserr.Wrap(nexuserr.IO, "removing plugin storage", err)
	}
	return nil
}
