package plugin

import (
	"context"

	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/runtime"
)

// Start recreates the plugin's container with freshly rotated credentials,
// starts it, waits (softly) for readiness, and connects a native MCP client
// if the manifest declares one. Removing the prior container (absent or
// stale id), the readiness wait and the MCP connect are best-effort and never
// fail Start; a failure to rotate the secret, revoke tokens, refresh
// authorization details, ensure the network, or create/start the container
// does.
func (sp *Supervisor) Start(ctx context.Context, pluginID string) (Plugin, error) {
	p, ok := sp.storage.Get(pluginID)
	if !ok {
		return Plugin{}, nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", pluginID)
	}
	m := p.Manifest

	sp.removeContainerBestEffort(ctx, pluginID, p.ContainerID, true)

	clientID, secret, err := sp.oauth.RotatePluginSecret(pluginID)
	if err != nil {
		return Plugin{}, err
	}
	if err := sp.oauth.RevokePluginTokens(pluginID); err != nil {
		return Plugin{}, err
	}
	if err := sp.refreshAuthDetails(pluginID); err != nil {
		return Plugin{}, err
	}

	if err := sp.driver.EnsureNetwork(ctx, networkName); err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "ensuring plugin network", err)
	}

	env := buildEnv(m, clientID, secret, sp.driver, sp.settings)
	containerID, err := sp.driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:          manifest.ContainerName(pluginID),
		Image:         m.Image,
		HostPort:      p.AssignedPort,
		ContainerPort: containerPort(m),
		EnvVars:       env,
		Labels:        standardLabels(m),
		Limits:        sp.settings.resourceLimits(),
		DataVolume:    manifest.DataVolumeName(pluginID),
		Network:       networkName,
		Security:      runtime.DefaultSecurityConfig(),
	})
	if err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "creating plugin container", err)
	}
	if err := sp.driver.StartContainer(ctx, containerID); err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "starting plugin container", err)
	}

	if err := sp.driver.WaitForReady(ctx, p.AssignedPort, readyPath(m), readyDeadline); err != nil {
		hostlog.Warnf("plugin %q did not report ready within deadline: %v", pluginID, err)
	}

	if err := sp.storage.Mutate(pluginID, func(pl *Plugin) {
		pl.ContainerID = containerID
		pl.Status = StatusRunning
		pl.OAuthClientID = clientID
	}); err != nil {
		return Plugin{}, err
	}

	if m.MCP != nil && m.MCP.Server != nil {
		if err := sp.mcp.Connect(ctx, pluginID, p.AssignedPort, m.MCP.Server.Path); err != nil {
			hostlog.Warnf("connecting native mcp server for plugin %q: %v; plugin running without it", pluginID, err)
		}
	}

	hostlog.Logf("started plugin=%s with fresh oauth credentials", pluginID)
	updated, _ := sp.storage.Get(pluginID)
	return updated, nil
}

// Stop disconnects any native MCP client, stops the container, and revokes
// every outstanding OAuth token for the plugin (the client stays
// registered — Start will rotate its secret next time).
func (sp *Supervisor) Stop(ctx context.Context, pluginID string) (Plugin, error) {
	p, ok := sp.storage.Get(pluginID)
	if !ok {
		return Plugin{}, nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", pluginID)
	}
	if p.ContainerID == "" {
		return Plugin{}, nexuserr.New(nexuserr.RuntimeOther, "plugin has no container")
	}

	sp.mcp.Disconnect(pluginID)

	if err := sp.driver.StopContainer(ctx, p.ContainerID); err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "stopping plugin container", err)
	}

	if err := sp.oauth.RevokePluginTokens(pluginID); err != nil {
		hostlog.Warnf("revoking tokens for plugin %q: %v", pluginID, err)
	}

	if err := sp.storage.Mutate(pluginID, func(pl *Plugin) {
		pl.Status = StatusStopped
	}); err != nil {
		return Plugin{}, err
	}
	updated, _ := sp.storage.Get(pluginID)
	return updated, nil
}
