package plugin

import (
	"context"

	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/store"
)

// Remove tears the plugin down entirely: disconnects its native MCP client,
// stops and removes its container, best-effort removes its image and data
// volume, deletes its key-value storage and OAuth client, drops its
// plugin record, and revokes every permission grant it held.
func (sp *Supervisor) Remove(ctx context.Context, pluginID string) error {
	p, ok := sp.storage.Get(pluginID)
	if !ok {
		return nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", pluginID)
	}

	sp.mcp.Disconnect(pluginID)

	if p.ContainerID != "" {
		if p.Status == StatusRunning {
			if err := sp.driver.StopContainer(ctx, p.ContainerID); err != nil {
				hostlog.Warnf("stopping container for plugin %q during remove: %v", pluginID, err)
			}
		}
		if err := sp.driver.RemoveContainer(ctx, p.ContainerID); err != nil {
			return nexuserr.Wrap(nexuserr.RuntimeOther, "removing plugin container", err)
		}
	}

	if err := sp.driver.RemoveImage(ctx, p.Manifest.Image); err != nil {
		hostlog.Warnf("could not remove image %s for plugin %q: %v", p.Manifest.Image, pluginID, err)
	}

	volumeName := manifest.DataVolumeName(pluginID)
	if err := sp.driver.RemoveVolume(ctx, volumeName); err != nil {
		hostlog.Warnf("could not remove volume %s for plugin %q: %v", volumeName, pluginID, err)
	}
	if err := store.RemovePluginStorage(sp.dataDir, pluginID); err != nil {
		hostlog.Warnf("could not remove key-value storage for plugin %q: %v", pluginID, err)
	}

	if err := sp.oauth.RemovePluginClient(pluginID); err != nil {
		hostlog.Warnf("removing oauth client for plugin %q: %v", pluginID, err)
	}

	if err := sp.mcpSettings.Remove(pluginID); err != nil {
		hostlog.Warnf("removing mcp settings for plugin %q: %v", pluginID, err)
	}

	if err := sp.storage.Remove(pluginID); err != nil {
		return err
	}
	return sp.permissions.RevokeAll(pluginID)
}
