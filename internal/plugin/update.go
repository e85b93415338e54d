package plugin

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/runtime"
)

// Update replaces an installed plugin's manifest and image with a new
// version. It preserves the assigned port, OAuth client binding,
// permission grants, install origin, dev-mode flag, and local manifest
// path, rejects a digest downgrade or a disagreeing explicit expected
// digest, and restarts the plugin if it was previously Running.
func (sp *Supervisor) Update(ctx context.Context, m *manifest.PluginManifest, expectedDigest string) (Plugin, error) {
	if err := manifest.ValidatePlugin(m); err != nil {
		return Plugin{}, err
	}
	if err := checkMinVersion(m, sp.version); err != nil {
		return Plugin{}, err
	}

	existing, ok := sp.storage.Get(m.ID)
	if !ok {
		return Plugin{}, nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q is not installed", m.ID)
	}

	if existing.Manifest.ImageDigest != "" && m.ImageDigest == "" {
		return Plugin{}, nexuserr.New(nexuserr.InvalidManifest,
			"digest downgrade blocked: installed plugin has an image digest but the update does not")
	}
	if expectedDigest != "" && m.ImageDigest != "" && expectedDigest != m.ImageDigest {
		return Plugin{}, nexuserr.Newf(nexuserr.InvalidManifest,
			"expected digest %s does not match manifest digest %s", expectedDigest, m.ImageDigest)
	}

	wasRunning := existing.Status == StatusRunning
	port := existing.AssignedPort
	sp.removeContainerBestEffort(ctx, m.ID, existing.ContainerID, wasRunning)

	if err := sp.driver.PullImage(ctx, m.Image); err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "pulling updated plugin image", err)
	}
	if m.ImageDigest != "" {
		if err := sp.verifyImageDigest(ctx, m); err != nil {
			return Plugin{}, err
		}
	}

	clientID, secret, err := sp.oauth.RotatePluginSecret(m.ID)
	if err != nil {
		return Plugin{}, err
	}
	if err := sp.oauth.RevokePluginTokens(m.ID); err != nil {
		return Plugin{}, err
	}

	if err := sp.driver.EnsureNetwork(ctx, networkName); err != nil {
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "ensuring plugin network", err)
	}
	env := buildEnv(m, clientID, secret, sp.driver, sp.settings)
	containerID, err := sp.driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:          manifest.ContainerName(m.ID),
		Image:         m.Image,
		HostPort:      port,
		ContainerPort: containerPort(m),
		EnvVars:       env,
		Labels:        standardLabels(m),
		Limits:        sp.settings.resourceLimits(),
		DataVolume:    manifest.DataVolumeName(m.ID),
		Network:       networkName,
		Security:      runtime.DefaultSecurityConfig(),
	})
	if err != nil {
		if rbErr := sp.rollbackToPreviousImage(ctx, existing.Manifest, clientID, secret, port, wasRunning); rbErr != nil {
			return Plugin{}, errors.Wrapf(rbErr, "update of %q failed (%v) and rollback to the previous image also failed", m.ID, err)
		}
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "creating updated plugin container, rolled back to previous image", err)
	}

	if err := sp.storage.Mutate(m.ID, func(p *Plugin) {
		p.Manifest = m
		p.ContainerID = containerID
		p.Status = StatusStopped
		p.OAuthClientID = clientID
		// port, ManifestURLOrigin, DevMode, LocalManifestPath preserved.
	}); err != nil {
		return Plugin{}, err
	}
	if err := sp.refreshAuthDetails(m.ID); err != nil {
		return Plugin{}, err
	}

	if wasRunning {
		if err := sp.driver.StartContainer(ctx, containerID); err != nil {
			return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "starting updated plugin container", err)
		}
		if err := sp.driver.WaitForReady(ctx, port, readyPath(m), readyDeadline); err != nil {
			hostlog.Warnf("plugin %q did not report ready within deadline: %v", m.ID, err)
		}
		if err := sp.storage.Mutate(m.ID, func(p *Plugin) {
			p.Status = StatusRunning
		}); err != nil {
			return Plugin{}, err
		}
	}

	if err := sp.mcpSettings.Reconcile(m.ID, sp.toolNames(m)); err != nil {
		return Plugin{}, err
	}

	hostlog.Logf("updated plugin %s to version %s", m.ID, m.Version)
	updated, _ := sp.storage.Get(m.ID)
	return updated, nil
}

// rollbackToPreviousImage re-creates (and, if it was running, restarts) a
// container for the plugin's previous manifest after the new image failed
// to create, since the old container was already removed by the time that
// failure is observed. Failure here is itself wrapped with a stack trace: an
// update that fails AND whose rollback also fails leaves the plugin with no
// running container at all, and that's the one failure mode in this
// supervisor worth the extra diagnostic cost of a stack.
func (sp *Supervisor) rollbackToPreviousImage(ctx context.Context, previous *manifest.PluginManifest, clientID, secret string, port int, wasRunning bool) error {
	env := buildEnv(previous, clientID, secret, sp.driver, sp.settings)
	containerID, err := sp.driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:          manifest.ContainerName(previous.ID),
		Image:         previous.Image,
		HostPort:      port,
		ContainerPort: containerPort(previous),
		EnvVars:       env,
		Labels:        standardLabels(previous),
		Limits:        sp.settings.resourceLimits(),
		DataVolume:    manifest.DataVolumeName(previous.ID),
		Network:       networkName,
		Security:      runtime.DefaultSecurityConfig(),
	})
	if err != nil {
		return errors.Wrap(err, "recreating previous plugin container")
	}
	if wasRunning {
		if err := sp.driver.StartContainer(ctx, containerID); err != nil {
			return errors.Wrap(err, "restarting previous plugin container")
		}
	}
	status := StatusStopped
	if wasRunning {
		status = StatusRunning
	}
	return sp.storage.Mutate(previous.ID, func(p *Plugin) {
		p.Manifest = previous
		p.ContainerID = containerID
		p.Status = status
	})
}
