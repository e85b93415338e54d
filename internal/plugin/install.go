package plugin

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/runtime"
)

// Install validates manifest, reconciles any prior install under the same
// id, pulls (and digest-verifies) the image, allocates a loopback port,
// binds an OAuth client, grants the approved/deferred permissions, creates
// the container, and reconciles MCP tool settings. The resulting plugin is
// left Stopped — callers call Start separately.
func (sp *Supervisor) Install(ctx context.Context, m *manifest.PluginManifest, approved, deferred []permission.Permission, manifestURL, localManifestPath string) (Plugin, error) {
	if err := manifest.ValidatePlugin(m); err != nil {
		return Plugin{}, err
	}
	if err := checkMinVersion(m, sp.version); err != nil {
		return Plugin{}, err
	}

	devMode := false
	if existing, ok := sp.storage.Get(m.ID); ok {
		if localManifestPath != "" {
			devMode = existing.DevMode
		}
		sp.removeContainerBestEffort(ctx, m.ID, existing.ContainerID, existing.Status == StatusRunning)
		if err := sp.storage.Remove(m.ID); err != nil {
			return Plugin{}, err
		}
	}

	exists, err := sp.driver.ImageExists(ctx, m.Image)
	if err != nil {
		exists = false
	}
	if !exists {
		if err := sp.driver.PullImage(ctx, m.Image); err != nil {
			return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "pulling plugin image", err)
		}
	}
	if m.ImageDigest != "" {
		if err := sp.verifyImageDigest(ctx, m); err != nil {
			return Plugin{}, err
		}
	}

	port, err := allocatePort(sp.storage.AssignedPorts())
	if err != nil {
		return Plugin{}, err
	}

	clientID, secret, err := sp.oauth.RegisterPluginClient(m.ID, m.Name)
	if err != nil {
		return Plugin{}, err
	}

	if err := sp.grantPermissions(m, approved, permission.Active); err != nil {
		return Plugin{}, err
	}
	if err := sp.grantPermissions(m, deferred, permission.Deferred); err != nil {
		return Plugin{}, err
	}
	if err := sp.refreshAuthDetails(m.ID); err != nil {
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
		return Plugin{}, nexuserr.Wrap(nexuserr.RuntimeOther, "creating plugin container", err)
	}

	p := &Plugin{
		Manifest:          m,
		AssignedPort:      port,
		ContainerID:       containerID,
		Status:            StatusStopped,
		InstalledAt:       time.Now().Unix(),
		OAuthClientID:     clientID,
		ManifestURLOrigin: extractURLHost(manifestURL),
		DevMode:           devMode,
		LocalManifestPath: localManifestPath,
	}
	if err := sp.storage.Add(p); err != nil {
		return Plugin{}, err
	}

	if err := sp.mcpSettings.Reconcile(m.ID, sp.toolNames(m)); err != nil {
		return Plugin{}, err
	}

	return *p, nil
}

func (sp *Supervisor) verifyImageDigest(ctx context.Context, m *manifest.PluginManifest) error {
	raw, err := sp.driver.ImageDigest(ctx, m.Image)
	if err != nil {
		return nexuserr.Wrap(nexuserr.RuntimeOther, "computing image digest", err)
	}
	if raw == "" {
		return nil
	}
	actual, err := digest.Parse(raw)
	if err != nil {
		return nexuserr.Wrap(nexuserr.RuntimeOther, "parsing pulled image digest", err)
	}
	expected, err := digest.Parse(m.ImageDigest)
	if err != nil {
		return nexuserr.Wrap(nexuserr.InvalidManifest, "parsing manifest image_digest", err)
	}
	if actual != expected {
		return nexuserr.Newf(nexuserr.DigestMismatch, "digest mismatch")
	}
	return nil
}

// grantPermissions applies the approved/deferred permission list under the
// install-time scope rule: filesystem permissions and extension
// dependencies get a runtime-approval gate (the manifest's pre-declared
// scopes if any), everything else is unrestricted.
func (sp *Supervisor) grantPermissions(m *manifest.PluginManifest, perms []permission.Permission, state permission.State) error {
	for _, perm := range perms {
		scopes := scopesFor(m, perm)
		var err error
		switch state {
		case permission.Active:
			err = sp.permissions.Grant(m.ID, perm, scopes)
		case permission.Deferred:
			err = sp.permissions.Defer(m.ID, perm, scopes)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
