// Package plugin implements the PluginSupervisor: install/start/stop/
// remove/update of containerized plugins, including loopback port
// allocation, OAuth client/token binding, and MCP tool-settings
// reconciliation.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/oauthclient"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/runtime"
	"github.com/nexusd/nexus/internal/store"
)

const (
	hostAPIURL       = "http://localhost:9600"
	containerDataDir = "/data"
	readyDeadline    = 15 * time.Second
	networkName      = "nexus-bridge"
)

// McpConnector is the native-MCP-server client side effect of Start/Stop.
// It is satisfied by the host's MCP client manager. Connect is called only
// for a plugin that declares a native server; Disconnect is called on every
// Stop and Remove.
type McpConnector interface {
	Connect(ctx context.Context, pluginID string, port int, path string) error
	Disconnect(pluginID string)
}

type noopConnector struct{}

func (noopConnector) Connect(context.Context, string, int, string) error { return nil }
func (noopConnector) Disconnect(string)                                 {}

// Settings are the host-wide resource defaults applied to every plugin
// container.
type Settings struct {
	CPUQuotaPercent *float64
	MemoryLimitMB   *int64
	Language        string
}

func (s Settings) resourceLimits() runtime.ResourceLimits {
	var limits runtime.ResourceLimits
	if s.CPUQuotaPercent != nil {
		limits.NanoCPUs = int64(*s.CPUQuotaPercent / 100.0 * 1e9)
	}
	if s.MemoryLimitMB != nil {
		limits.MemoryBytes = *s.MemoryLimitMB * 1_048_576
	}
	return limits
}

func (s Settings) language() string {
	if s.Language == "" {
		return "en"
	}
	return s.Language
}

// Supervisor is the PluginSupervisor.
type Supervisor struct {
	dataDir     string
	driver      runtime.Driver
	storage     *Storage
	permissions *permission.Service
	oauth       *oauthstore.Store
	mcpSettings *store.McpSettings
	mcp         McpConnector
	settings    Settings
	version     string
	thirdParty  *oauthclient.Broker
}

// New constructs a Supervisor. mcp may be nil, in which case native MCP
// server connections are skipped (a no-op connector is used).
func New(dataDir string, driver runtime.Driver, storage *Storage, permissions *permission.Service, oauth *oauthstore.Store, mcpSettings *store.McpSettings, mcp McpConnector, settings Settings, version string) *Supervisor {
	if mcp == nil {
		mcp = noopConnector{}
	}
	return &Supervisor{
		dataDir:     dataDir,
		driver:      driver,
		storage:     storage,
		permissions: permissions,
		oauth:       oauth,
		mcpSettings: mcpSettings,
		mcp:         mcp,
		settings:    settings,
		version:     version,
		thirdParty:  oauthclient.NewBroker(),
	}
}

// ThirdPartyAuthorizationURL starts the manifest-declared third-party OAuth
// grant for a plugin, returning the URL the operator should visit to
// authorize it. Returns an error if the plugin's manifest declares no
// third_party_oauth block.
func (sp *Supervisor) ThirdPartyAuthorizationURL(pluginID, hostBaseURL string) (string, error) {
	p, ok := sp.storage.Get(pluginID)
	if !ok {
		return "", nexuserr.Newf(nexuserr.PluginNotFound, "plugin %q not found", pluginID)
	}
	return sp.thirdParty.AuthorizationURL(pluginID, hostBaseURL, p.Manifest.ThirdPartyOAuth)
}

// CompleteThirdPartyAuthorization finishes the grant for the state/code
// pair delivered to the host's OAuth callback endpoint and returns the
// plugin id and resulting token to the caller. The token is not persisted
// here and is not added to the plugin container's environment; callers that
// need long-lived
// third-party access should stash it through the plugin's own storage.
func (sp *Supervisor) CompleteThirdPartyAuthorization(ctx context.Context, state, code string) (pluginID string, token *oauth2.Token, err error) {
	return sp.thirdParty.ExchangeCode(ctx, state, code)
}

// checkMinVersion rejects install/update when the manifest demands a newer
// host than the running one, unless the running version is a prerelease
// (a dev build never blocks itself).
func checkMinVersion(m *manifest.PluginManifest, hostVersion string) error {
	if m.MinVersion == "" {
		return nil
	}
	if strings.Contains(hostVersion, "-") {
		return nil
	}
	current, err := parseSemver(hostVersion)
	if err != nil {
		return nil
	}
	minimum, err := parseSemver(m.MinVersion)
	if err != nil {
		return nexuserr.Newf(nexuserr.InvalidManifest, "invalid min_nexus_version %q: %v", m.MinVersion, err)
	}
	if semverLess(current, minimum) {
		return nexuserr.Newf(nexuserr.InvalidManifest,
			"plugin %q requires nexus >= %s, but this is nexus %s", m.ID, m.MinVersion, hostVersion)
	}
	return nil
}

type semver struct{ major, minor, patch int }

func parseSemver(s string) (semver, error) {
	s = strings.SplitN(s, "-", 2)[0]
	s = strings.SplitN(s, "+", 2)[0]
	var v semver
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.major, &v.minor, &v.patch)
	if err != nil || n != 3 {
		return semver{}, fmt.Errorf("not a valid semver: %q", s)
	}
	return v, nil
}

func semverLess(a, b semver) bool {
	if a.major != b.major {
		return a.major < b.major
	}
	if a.minor != b.minor {
		return a.minor < b.minor
	}
	return a.patch < b.patch
}

func containerPort(m *manifest.PluginManifest) int {
	if m.UI != nil && m.UI.Port != 0 {
		return m.UI.Port
	}
	return 80
}

func readyPath(m *manifest.PluginManifest) string {
	if m.Health != nil && m.Health.Endpoint != "" {
		return m.Health.Endpoint
	}
	if m.UI != nil && m.UI.Path != "" {
		return m.UI.Path
	}
	return "/health"
}

func standardLabels(m *manifest.PluginManifest) map[string]string {
	return map[string]string{
		"nexus.plugin.id":      m.ID,
		"nexus.plugin.version": m.Version,
	}
}

// extractManifestScopes looks up the pre-declared scopes for an
// extension-dependency permission ("ext:{ext_id}:{op}") from the manifest's
// rich-format extensions block. Absent a declaration, every scope requires
// runtime approval (an empty, non-nil slice).
func extractManifestScopes(m *manifest.PluginManifest, perm permission.Permission) *[]string {
	empty := []string{}
	if perm.Kind != permission.KindExtension {
		return &empty
	}
	raw, ok := m.Extensions[perm.ExtensionID]
	if !ok {
		return &empty
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return &empty
	}
	var dep struct {
		Operations map[string]struct {
			Scopes []string `json:"scopes"`
		} `json:"operations"`
	}
	if err := json.Unmarshal(data, &dep); err != nil {
		return &empty
	}
	op, ok := dep.Operations[perm.Operation]
	if !ok || len(op.Scopes) == 0 {
		return &empty
	}
	scopes := append([]string(nil), op.Scopes...)
	return &scopes
}

// scopesFor returns the approved_scopes value install() must grant with,
// following the per-kind rule from the install/start spec: filesystem
// permissions always get an empty runtime-approval gate, extension
// permissions fall back to the manifest's pre-declared scopes, and
// everything else is unrestricted.
func scopesFor(m *manifest.PluginManifest, perm permission.Permission) *[]string {
	switch perm.Kind {
	case permission.FilesystemRead, permission.FilesystemWrite:
		empty := []string{}
		return &empty
	case permission.KindExtension:
		return extractManifestScopes(m, perm)
	default:
		return nil
	}
}

func buildEnv(m *manifest.PluginManifest, clientID, secret string, driver runtime.Driver, settings Settings) []string {
	env := make([]string, 0, len(m.Env)+6)
	for k, v := range m.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("NEXUS_OAUTH_CLIENT_ID=%s", clientID),
		fmt.Sprintf("NEXUS_OAUTH_CLIENT_SECRET=%s", secret),
		fmt.Sprintf("NEXUS_API_URL=%s", hostAPIURL),
		fmt.Sprintf("NEXUS_HOST_URL=http://%s:9600", driver.HostGatewayHostname()),
		fmt.Sprintf("NEXUS_DATA_DIR=%s", containerDataDir),
		fmt.Sprintf("NEXUS_LANGUAGE=%s", settings.language()),
	)
	return env
}

// refreshAuthDetails recomputes and stores the plugin's RFC 9396
// authorization details from its current Active permission grants, so the
// next token minted for it carries the right scopes without a
// permission-store lookup on the token-issue path.
func (sp *Supervisor) refreshAuthDetails(pluginID string) error {
	grants := sp.permissions.GetGrants(pluginID)
	details := permission.BuildAuthorizationDetails(grants)
	return sp.oauth.SetPluginAuthDetails(pluginID, details)
}

func (sp *Supervisor) toolNames(m *manifest.PluginManifest) []string {
	if m.MCP == nil {
		return nil
	}
	names := make([]string, 0, len(m.MCP.Tools))
	for _, t := range m.MCP.Tools {
		names = append(names, t.Name)
	}
	return names
}

// removeContainerBestEffort stops (if running) and removes a container by
// id, then always also removes by the deterministic container name — after
// an engine restart the stored id may be stale while the name is still
// claimed. Failures are logged, never returned: reinstall/start/update must
// proceed regardless.
func (sp *Supervisor) removeContainerBestEffort(ctx context.Context, pluginID, containerID string, stopFirst bool) {
	name := manifest.ContainerName(pluginID)
	if containerID != "" {
		if stopFirst {
			if err := sp.driver.StopContainer(ctx, containerID); err != nil {
				hostlog.Warnf("stopping old container %s for plugin %q: %v", containerID, pluginID, err)
			}
		}
		if err := sp.driver.RemoveContainer(ctx, containerID); err != nil {
			hostlog.Warnf("removing old container %s for plugin %q: %v", containerID, pluginID, err)
		}
	}
	if err := sp.driver.RemoveContainer(ctx, name); err != nil {
		hostlog.Warnf("removing container by name %q for plugin %q: %v", name, pluginID, err)
	}
}
