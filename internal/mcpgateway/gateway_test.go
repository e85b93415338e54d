package mcpgateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/approval"
	"github.com/nexusd/nexus/internal/audit"
	"github.com/nexusd/nexus/internal/extension"
	"github.com/nexusd/nexus/internal/gateway"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/plugin"
	"github.com/nexusd/nexus/internal/store"
)

func callRequestWithArgs(t *testing.T, args map[string]any) *mcp.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Arguments: raw},
	}
}

// fakeExtLister stubs extensionLister without needing a real Loader backed
// by subprocesses.
type fakeExtLister struct {
	records  []extension.Record
	disabled map[string]bool
}

func (f *fakeExtLister) List() []extension.Record { return f.records }
func (f *fakeExtLister) Enable(ctx context.Context, id string) error {
	if f.disabled == nil {
		f.disabled = map[string]bool{}
	}
	f.disabled[id] = false
	return nil
}
func (f *fakeExtLister) Disable(id string) error {
	if f.disabled == nil {
		f.disabled = map[string]bool{}
	}
	f.disabled[id] = true
	return nil
}

// fakeSupervisor stubs pluginSupervisor so built-in lifecycle tools can be
// exercised without a container runtime.
type fakeSupervisor struct {
	started, stopped, removed []string
}

func (f *fakeSupervisor) Start(ctx context.Context, pluginID string) (plugin.Plugin, error) {
	f.started = append(f.started, pluginID)
	return plugin.Plugin{Manifest: &manifest.PluginManifest{ID: pluginID}, Status: plugin.StatusRunning}, nil
}
func (f *fakeSupervisor) Stop(ctx context.Context, pluginID string) (plugin.Plugin, error) {
	f.stopped = append(f.stopped, pluginID)
	return plugin.Plugin{Manifest: &manifest.PluginManifest{ID: pluginID}, Status: plugin.StatusStopped}, nil
}
func (f *fakeSupervisor) Remove(ctx context.Context, pluginID string) error {
	f.removed = append(f.removed, pluginID)
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *fakeExtLister, *fakeSupervisor, *permission.Service, *plugin.Storage) {
	t.Helper()
	dir := t.TempDir()

	oauth, err := oauthstore.Open(dir)
	require.NoError(t, err)
	perms, err := permission.NewService(dir)
	require.NoError(t, err)
	bridge := approval.New()
	innerGw, err := gateway.New(dir, oauth, perms, bridge, nil, "nexus", "")
	require.NoError(t, err)

	plugins, err := plugin.OpenStorage(dir)
	require.NoError(t, err)
	mcpSettings, err := store.OpenMcpSettings(dir)
	require.NoError(t, err)

	extLister := &fakeExtLister{}
	supervisor := &fakeSupervisor{}

	server := NewServer("nexus-test", "0.0.0")
	g := New(server, innerGw, extension.NewRegistry(), extLister, plugins, supervisor, nil, mcpSettings, perms, nil)
	return g, extLister, supervisor, perms, plugins
}

func addRunningPlugin(t *testing.T, plugins *plugin.Storage, id string, mcpDef *manifest.PluginMCP, perms []string) {
	t.Helper()
	require.NoError(t, plugins.Add(&plugin.Plugin{
		Manifest: &manifest.PluginManifest{
			ID:          id,
			Name:        id,
			Version:     "1.0.0",
			Image:       "example/" + id,
			MCP:         mcpDef,
			Permissions: perms,
		},
		Status:       plugin.StatusRunning,
		AssignedPort: 9100,
	}))
}

func TestVisibleToolsIncludesAllBuiltins(t *testing.T) {
	g, _, _, _, _ := newTestGateway(t)
	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if e.kind == kindBuiltin {
			names = append(names, e.qualifiedName)
		}
	}
	require.Contains(t, names, "nexus.list_plugins")
	require.Contains(t, names, "nexus.execute_command")
}

func TestExtensionToolHiddenWhenDisabled(t *testing.T) {
	g, extLister, _, _, _ := newTestGateway(t)
	extLister.records = []extension.Record{
		{
			Manifest: &manifest.ExtensionManifest{
				ID: "acme",
				Operations: []manifest.OperationDef{
					{Name: "do_thing", RiskLevel: manifest.RiskLow, MCPExpose: true},
				},
			},
			Enabled: false,
		},
	}

	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "acme.do_thing", e.qualifiedName)
	}
}

func TestExtensionToolHiddenWhenNotMCPExposed(t *testing.T) {
	g, extLister, _, _, _ := newTestGateway(t)
	extLister.records = []extension.Record{
		{
			Manifest: &manifest.ExtensionManifest{
				ID: "acme",
				Operations: []manifest.OperationDef{
					{Name: "internal_only", RiskLevel: manifest.RiskLow, MCPExpose: false},
				},
			},
			Enabled: true,
		},
	}

	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "acme.internal_only", e.qualifiedName)
	}
}

func TestPluginToolHiddenWithoutActivePermission(t *testing.T) {
	g, _, _, _, plugins := newTestGateway(t)
	addRunningPlugin(t, plugins, "weather", &manifest.PluginMCP{
		Tools: []manifest.PluginMCPTool{{Name: "forecast"}},
	}, []string{"network-internet"})

	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "weather.forecast", e.qualifiedName)
	}
}

func TestPluginToolVisibleWhenPermissionActiveAndEnabled(t *testing.T) {
	g, _, _, perms, plugins := newTestGateway(t)
	addRunningPlugin(t, plugins, "weather", &manifest.PluginMCP{
		Tools: []manifest.PluginMCPTool{{Name: "forecast"}},
	}, []string{"network-internet"})
	require.NoError(t, perms.Grant("weather", permission.Permission{Kind: permission.NetworkInternet}, nil))
	require.NoError(t, g.mcpSettings.Reconcile("weather", []string{"forecast"}))

	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)

	var found *toolEntry
	for i := range entries {
		if entries[i].qualifiedName == "weather.forecast" {
			found = &entries[i]
		}
	}
	require.NotNil(t, found)
	require.Equal(t, kindPluginLegacy, found.kind)
}

func TestPluginToolHiddenWhenNotInEnabledToolSet(t *testing.T) {
	g, _, _, _, plugins := newTestGateway(t)
	addRunningPlugin(t, plugins, "weather", &manifest.PluginMCP{
		Tools: []manifest.PluginMCPTool{{Name: "forecast"}, {Name: "alerts"}},
	}, nil)
	require.NoError(t, g.mcpSettings.Reconcile("weather", []string{"forecast", "alerts"}))

	entry, ok := g.mcpSettings.Plugins["weather"]
	require.True(t, ok)
	entry.EnabledTools = []string{"forecast"}

	entries, err := g.visibleTools(context.Background())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.qualifiedName)
	}
	require.Contains(t, names, "weather.forecast")
	require.NotContains(t, names, "weather.alerts")
}

func TestResolveToolLongestPrefixMatch(t *testing.T) {
	g, extLister, _, _, plugins := newTestGateway(t)
	extLister.records = []extension.Record{
		{Manifest: &manifest.ExtensionManifest{ID: "com.acme.tools"}, Enabled: true},
	}
	addRunningPlugin(t, plugins, "com.acme", nil, nil)

	componentID, localName, ok := g.ResolveTool("com.acme.tools.sync_files")
	require.True(t, ok)
	require.Equal(t, "com.acme.tools", componentID)
	require.Equal(t, "sync_files", localName)

	componentID, localName, ok = g.ResolveTool("com.acme.restart")
	require.True(t, ok)
	require.Equal(t, "com.acme", componentID)
	require.Equal(t, "restart", localName)

	_, _, ok = g.ResolveTool("unknown.thing")
	require.False(t, ok)
}

func TestBumpToolListVersionIncrementsCounter(t *testing.T) {
	g, _, _, _, _ := newTestGateway(t)
	before := g.Version()
	g.BumpToolListVersion()
	require.Greater(t, g.Version(), before)
}

func TestSeverityClassification(t *testing.T) {
	require.Equal(t, audit.SeverityCritical, classifySeverity(toolEntry{localName: "execute_command"}))
	require.Equal(t, audit.SeverityCritical, classifySeverity(toolEntry{localName: "plugin_remove"}))
	require.Equal(t, audit.SeverityWarn, classifySeverity(toolEntry{localName: "plugin_start"}))
	require.Equal(t, audit.SeverityInfo, classifySeverity(toolEntry{localName: "list_plugins"}))
}

func TestHandleCallRunsApprovalForRequiresApprovalBuiltin(t *testing.T) {
	g, _, supervisor, _, plugins := newTestGateway(t)
	addRunningPlugin(t, plugins, "weather", nil, nil)

	e := toolEntry{
		qualifiedName:    "nexus.plugin_start",
		componentID:      "nexus",
		localName:        "plugin_start",
		kind:             kindBuiltin,
		requiresApproval: true,
	}

	// No UI listener is attached to the approval bridge, so RequestApproval
	// resolves to Deny immediately rather than blocking.
	result, err := g.handleCall(context.Background(), e, callRequestWithArgs(t, map[string]any{"plugin_id": "weather"}))
	require.NoError(t, err) // handleCall never returns a transport error, only IsError results
	require.True(t, result.IsError)
	require.Empty(t, supervisor.started, "approval pipeline must deny before dispatch reaches the supervisor")
}

func TestCallBuiltinDispatchesDirectlyWhenNoApprovalNeeded(t *testing.T) {
	g, _, _, _, _ := newTestGateway(t)
	res, err := g.callBuiltin(context.Background(), "list_plugins", map[string]any{})
	require.NoError(t, err)
	require.False(t, res.IsError)
}
