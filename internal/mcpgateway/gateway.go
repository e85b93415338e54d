// Package mcpgateway implements the McpGateway: it aggregates built-in
// tools, mcp-exposed extension operations, native MCP plugin tools and
// legacy HTTP-forwarded plugin tools into one namespaced tool surface,
// enforces the whitelist model and approval pipeline on every call, and
// drives notifications/tools/list_changed to connected MCP clients.
package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexusd/nexus/internal/audit"
	"github.com/nexusd/nexus/internal/extension"
	"github.com/nexusd/nexus/internal/gateway"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/plugin"
	"github.com/nexusd/nexus/internal/store"
)

// toolEntry is one resolved, visible tool: its namespaced name, the
// component that owns it, and enough to call and audit it.
type toolEntry struct {
	qualifiedName string
	componentID   string
	localName     string
	kind          componentKind
	description   string
	inputSchema   map[string]any
	requiresApproval bool
	riskLevel     gateway.RiskLevel
}

type componentKind int

const (
	kindBuiltin componentKind = iota
	kindExtension
	kindPluginNative
	kindPluginLegacy
)

// Gateway is the McpGateway.
type Gateway struct {
	gw          *gateway.Gateway
	extensions  *extension.Registry
	extLoader   extensionLister
	plugins     *plugin.Storage
	supervisor  pluginSupervisor
	driver      runtimeDriver
	mcpSettings *store.McpSettings
	permissions *permission.Service
	audit       *audit.Sink
	legacy      legacyCaller
	natives     *nativeClients

	builtins []builtinTool

	mcpServer *mcp.Server

	version atomic.Int64

	mu          sync.Mutex
	registered  map[string]bool // currently-registered qualified tool names
}

// extensionLister is the subset of extension.Loader the gateway needs to
// enumerate and toggle extensions for the built-in management tools.
type extensionLister interface {
	List() []extension.Record
	Enable(ctx context.Context, id string) error
	Disable(id string) error
}

// pluginSupervisor is the subset of plugin.Supervisor the built-in
// management tools drive.
type pluginSupervisor interface {
	Start(ctx context.Context, pluginID string) (plugin.Plugin, error)
	Stop(ctx context.Context, pluginID string) (plugin.Plugin, error)
	Remove(ctx context.Context, pluginID string) error
}

// New constructs a Gateway. server is the already-constructed MCP server
// (via NewServer) that tools are registered against.
func New(
	server *mcp.Server,
	gw *gateway.Gateway,
	extensions *extension.Registry,
	extLoader extensionLister,
	plugins *plugin.Storage,
	supervisor pluginSupervisor,
	driver runtimeDriver,
	mcpSettings *store.McpSettings,
	permissions *permission.Service,
	sink *audit.Sink,
) *Gateway {
	g := &Gateway{
		gw:          gw,
		extensions:  extensions,
		extLoader:   extLoader,
		plugins:     plugins,
		supervisor:  supervisor,
		driver:      driver,
		mcpSettings: mcpSettings,
		permissions: permissions,
		audit:       sink,
		legacy:      legacyCaller{},
		natives:     newNativeClients(),
		mcpServer:   server,
		registered:  make(map[string]bool),
	}
	g.builtins = defaultBuiltins(g)
	return g
}

// SetSupervisor wires the plugin supervisor in after construction, for the
// common case where the supervisor itself takes the Gateway as its
// McpConnector: New(nil-supervisor) -> plugin.New(gateway) -> SetSupervisor.
func (g *Gateway) SetSupervisor(supervisor pluginSupervisor) {
	g.supervisor = supervisor
}

// Connect implements plugin.McpConnector: establishes a live native MCP
// client session against a plugin's declared server, so its tools can be
// mirrored under {plugin_id}.*.
func (g *Gateway) Connect(ctx context.Context, pluginID string, port int, path string) error {
	if err := g.natives.connect(ctx, pluginID, port, path); err != nil {
		return err
	}
	g.BumpToolListVersion()
	return nil
}

// Disconnect implements plugin.McpConnector.
func (g *Gateway) Disconnect(pluginID string) {
	g.natives.disconnect(pluginID)
	g.BumpToolListVersion()
}

// BumpToolListVersion implements health.VersionBumper: advances the
// version counter and rebuilds the registered tool set, which causes the
// underlying MCP server to emit notifications/tools/list_changed.
func (g *Gateway) BumpToolListVersion() {
	g.version.Add(1)
	if err := g.Rebuild(context.Background()); err != nil {
		hostlog.Warnf("mcpgateway: rebuilding tool list: %v", err)
	}
}

// Version reports the current tool-list version counter.
func (g *Gateway) Version() int64 { return g.version.Load() }

// Rebuild recomputes the visible tool set and reconciles it against the
// tools currently registered on the underlying MCP server, adding newly
// visible tools and removing ones that dropped out of the whitelist.
func (g *Gateway) Rebuild(ctx context.Context) error {
	entries, err := g.visibleTools(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	want := make(map[string]toolEntry, len(entries))
	for _, e := range entries {
		want[e.qualifiedName] = e
	}

	var toRemove []string
	for name := range g.registered {
		if _, ok := want[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	if len(toRemove) > 0 {
		g.mcpServer.RemoveTools(toRemove...)
		for _, name := range toRemove {
			delete(g.registered, name)
		}
	}

	for name, e := range want {
		if g.registered[name] {
			continue
		}
		e := e
		g.mcpServer.AddTool(&mcp.Tool{
			Name:        e.qualifiedName,
			Description: e.description,
			InputSchema: schemaFor(e.inputSchema),
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return g.handleCall(ctx, e, req)
		})
		g.registered[name] = true
	}
	return nil
}

func schemaFor(raw map[string]any) *jsonschemaSchema {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}
	return toJSONSchema(raw)
}

// visibleTools applies the whitelist model across all four tool sources.
func (g *Gateway) visibleTools(ctx context.Context) ([]toolEntry, error) {
	var out []toolEntry
	out = append(out, g.builtinEntries()...)
	out = append(out, g.extensionEntries()...)

	pluginEntries, err := g.pluginEntries(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, pluginEntries...)

	sort.Slice(out, func(i, j int) bool { return out[i].qualifiedName < out[j].qualifiedName })
	return out, nil
}

func (g *Gateway) builtinEntries() []toolEntry {
	entries := make([]toolEntry, 0, len(g.builtins))
	for _, b := range g.builtins {
		entries = append(entries, toolEntry{
			qualifiedName:    "nexus." + b.name,
			componentID:      "nexus",
			localName:        b.name,
			kind:             kindBuiltin,
			description:      b.description,
			inputSchema:      b.inputSchema,
			riskLevel:        b.risk,
			requiresApproval: b.requiresApproval,
		})
	}
	return entries
}

func (g *Gateway) extensionEntries() []toolEntry {
	var entries []toolEntry
	for _, rec := range g.extLoader.List() {
		if !rec.Enabled {
			continue
		}
		if _, running := g.extensions.Get(rec.Manifest.ID); !running {
			continue
		}
		for _, op := range rec.Manifest.Operations {
			if !op.MCPExpose {
				continue
			}
			desc := op.MCPDescription
			if desc == "" {
				desc = op.Description
			}
			entries = append(entries, toolEntry{
				qualifiedName: rec.Manifest.ID + "." + op.Name,
				componentID:   rec.Manifest.ID,
				localName:     op.Name,
				kind:          kindExtension,
				description:   desc,
				inputSchema:   op.InputSchema,
				riskLevel:     gateway.RiskLevel(op.RiskLevel),
			})
		}
	}
	return entries
}

func (g *Gateway) pluginEntries(ctx context.Context) ([]toolEntry, error) {
	var entries []toolEntry
	for _, p := range g.plugins.List() {
		if p.Status != plugin.StatusRunning || p.Manifest.MCP == nil {
			continue
		}
		if !g.hostPermissionsActive(p.Manifest) {
			continue
		}
		enabled := g.enabledToolSet(p.Manifest.ID)

		if client, ok := g.natives.get(p.Manifest.ID); ok {
			tools, err := client.listTools(ctx)
			if err != nil {
				hostlog.Warnf("mcpgateway: listing native tools for %q: %v", p.Manifest.ID, err)
				continue
			}
			for _, t := range tools {
				if !enabled[t.Name] {
					continue
				}
				entries = append(entries, toolEntry{
					qualifiedName: p.Manifest.ID + "." + t.Name,
					componentID:   p.Manifest.ID,
					localName:     t.Name,
					kind:          kindPluginNative,
					description:   t.Description,
					inputSchema:   schemaToMap(t.InputSchema),
					requiresApproval: p.Manifest.MCP.Server != nil && p.Manifest.MCP.Server.RequiresApproval,
				})
			}
			continue
		}

		for _, t := range p.Manifest.MCP.Tools {
			if !enabled[t.Name] {
				continue
			}
			entries = append(entries, toolEntry{
				qualifiedName: p.Manifest.ID + "." + t.Name,
				componentID:   p.Manifest.ID,
				localName:     t.Name,
				kind:          kindPluginLegacy,
				description:   t.Description,
				inputSchema:   t.InputSchema,
				requiresApproval: t.RequiresApproval,
			})
		}
	}
	return entries, nil
}

func (g *Gateway) enabledToolSet(pluginID string) map[string]bool {
	entry, ok := g.mcpSettings.Plugins[pluginID]
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(entry.EnabledTools))
	for _, name := range entry.EnabledTools {
		set[name] = true
	}
	return set
}

func (g *Gateway) hostPermissionsActive(m *manifest.PluginManifest) bool {
	for _, raw := range m.Permissions {
		perm, err := permission.Parse(raw)
		if err != nil {
			hostlog.Warnf("mcpgateway: plugin %q declares unparseable permission %q: %v", m.ID, raw, err)
			return false
		}
		state, ok := g.permissions.GetState(m.ID, perm)
		if !ok || state != permission.Active {
			return false
		}
	}
	return true
}

// ResolveTool performs longest-prefix namespace resolution of a fully
// qualified tool name against registered component ids (plugins and
// extensions), so callers outside the call path itself — an approval UI
// deciding who owns a pending request, a settings screen toggling a tool —
// can recover which component a dotted tool name belongs to even when that
// component's own id contains dots.
func (g *Gateway) ResolveTool(qualifiedName string) (componentID, localName string, ok bool) {
	best := -1
	ids := g.componentIDs()
	for _, id := range ids {
		prefix := id + "."
		if strings.HasPrefix(qualifiedName, prefix) && len(prefix) > best {
			best = len(prefix)
			componentID = id
			localName = qualifiedName[len(prefix):]
			ok = true
		}
	}
	return
}

func (g *Gateway) componentIDs() []string {
	ids := []string{"nexus"}
	for _, rec := range g.extLoader.List() {
		ids = append(ids, rec.Manifest.ID)
	}
	for _, p := range g.plugins.List() {
		ids = append(ids, p.Manifest.ID)
	}
	return ids
}

// handleCall is the per-tool handler installed on the MCP server: it runs
// the approval pipeline (when required), dispatches to the owning
// component, and audits the outcome.
func (g *Gateway) handleCall(ctx context.Context, e toolEntry, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decodeArguments(req.Params.Arguments)
	if err != nil {
		return errorResult(err), nil
	}

	auth := &gateway.AuthContext{PluginID: e.componentID}
	// gateway.Operation's risk-gated approval step is the only one of the
	// pipeline's checks that fires with no permission/scope configured, so a
	// tool marked requires_approval is promoted to RiskHigh here to make the
	// pipeline actually ask every time, rather than silently passing through.
	risk := e.riskLevel
	if e.requiresApproval {
		risk = gateway.RiskHigh
	}
	op := gateway.Operation{
		Name:             e.qualifiedName,
		InputSchema:      e.inputSchema,
		Risk:             risk,
		RequiresApproval: e.requiresApproval,
	}
	if risk == gateway.RiskHigh {
		if err := g.gw.Authorize(ctx, auth, op, input); err != nil {
			g.auditCall(e, false, err)
			return errorResult(err), nil
		}
	}

	result, callErr := g.dispatch(ctx, e, input)
	if callErr != nil {
		g.auditCall(e, false, callErr)
		return errorResult(callErr), nil
	}
	g.auditCall(e, true, nil)
	return result, nil
}

func (g *Gateway) callBuiltin(ctx context.Context, name string, input map[string]any) (*mcp.CallToolResult, error) {
	for _, b := range g.builtins {
		if b.name != name {
			continue
		}
		res, err := b.handler(ctx, input)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: res.text}}}, nil
	}
	return nil, nexuserr.New(nexuserr.Protocol, fmt.Sprintf("unknown built-in tool %q", name))
}

func (g *Gateway) dispatch(ctx context.Context, e toolEntry, input map[string]any) (*mcp.CallToolResult, error) {
	switch e.kind {
	case kindBuiltin:
		return g.callBuiltin(ctx, e.localName, input)
	case kindExtension:
		proc, ok := g.extensions.Get(e.componentID)
		if !ok {
			return nil, nexuserr.New(nexuserr.ExtensionNotFound, fmt.Sprintf("extension %q is not running", e.componentID))
		}
		res, err := proc.Execute(e.localName, input)
		if err != nil {
			return nil, err
		}
		return extensionResult(res), nil
	case kindPluginNative:
		client, ok := g.natives.get(e.componentID)
		if !ok {
			return nil, nexuserr.New(nexuserr.PluginNotFound, fmt.Sprintf("plugin %q has no live mcp session", e.componentID))
		}
		return client.callTool(ctx, e.localName, input)
	case kindPluginLegacy:
		p, ok := g.plugins.Get(e.componentID)
		if !ok {
			return nil, nexuserr.New(nexuserr.PluginNotFound, fmt.Sprintf("plugin %q not found", e.componentID))
		}
		return g.legacy.call(ctx, p.AssignedPort, e.localName, input)
	default:
		return nil, nexuserr.New(nexuserr.Protocol, "unknown tool kind")
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "decoding tool arguments", err)
	}
	return m, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

func extensionResult(res extension.OperationResult) *mcp.CallToolResult {
	text := res.Message
	if text == "" {
		if b, err := json.Marshal(res.Data); err == nil {
			text = string(b)
		}
	}
	return &mcp.CallToolResult{
		IsError: !res.Success,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
