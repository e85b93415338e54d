package mcpgateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nexusd/nexus/internal/gateway"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/runtime"
)

// runtimeDriver is the subset of runtime.Driver the built-in host
// management tools need.
type runtimeDriver interface {
	List(ctx context.Context, labelFilter map[string]string) ([]runtime.ContainerInfo, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// builtinTool is one nexus.* host-level management or developer-toolbelt
// tool.
type builtinTool struct {
	name             string
	description      string
	inputSchema      map[string]any
	risk             gateway.RiskLevel
	requiresApproval bool
	handler          func(ctx context.Context, input map[string]any) (*mcpResultText, error)
}

// mcpResultText is the plain-text result shape every built-in returns;
// gateway.go wraps it into an *mcp.CallToolResult.
type mcpResultText struct{ text string }

func defaultBuiltins(g *Gateway) []builtinTool {
	return []builtinTool{
		{
			name:        "list_plugins",
			description: "List installed plugins with their status, version, and assigned port.",
			inputSchema: objectSchema(nil, nil),
			handler:     g.toolListPlugins,
		},
		{
			name:        "list_extensions",
			description: "List installed extensions with their enabled/running status and operations.",
			inputSchema: objectSchema(nil, nil),
			handler:     g.toolListExtensions,
		},
		{
			name:        "engine_status",
			description: "Check whether the container runtime is reachable.",
			inputSchema: objectSchema(nil, nil),
			handler:     g.toolEngineStatus,
		},
		{
			name:        "plugin_logs",
			description: "Fetch recent log lines from a plugin's container.",
			inputSchema: objectSchema(map[string]any{
				"plugin_id": map[string]any{"type": "string"},
				"tail":      map[string]any{"type": "integer"},
			}, []string{"plugin_id"}),
			handler: g.toolPluginLogs,
		},
		{
			name:             "plugin_start",
			description:      "Start a stopped plugin.",
			inputSchema:      objectSchema(map[string]any{"plugin_id": map[string]any{"type": "string"}}, []string{"plugin_id"}),
			requiresApproval: true,
			handler:          g.toolPluginStart,
		},
		{
			name:             "plugin_stop",
			description:      "Stop a running plugin.",
			inputSchema:      objectSchema(map[string]any{"plugin_id": map[string]any{"type": "string"}}, []string{"plugin_id"}),
			requiresApproval: true,
			handler:          g.toolPluginStop,
		},
		{
			name:             "plugin_remove",
			description:      "Uninstall a plugin permanently.",
			inputSchema:      objectSchema(map[string]any{"plugin_id": map[string]any{"type": "string"}}, []string{"plugin_id"}),
			requiresApproval: true,
			handler:          g.toolPluginRemove,
		},
		{
			name:             "extension_enable",
			description:      "Enable an installed extension.",
			inputSchema:      objectSchema(map[string]any{"extension_id": map[string]any{"type": "string"}}, []string{"extension_id"}),
			requiresApproval: true,
			handler:          g.toolExtensionEnable,
		},
		{
			name:             "extension_disable",
			description:      "Disable a running extension.",
			inputSchema:      objectSchema(map[string]any{"extension_id": map[string]any{"type": "string"}}, []string{"extension_id"}),
			requiresApproval: true,
			handler:          g.toolExtensionDisable,
		},
		{
			name:        "read_file",
			description: "Read a small text file from disk. A thin stand-in, not a full filesystem server.",
			inputSchema: objectSchema(map[string]any{"path": map[string]any{"type": "string"}}, []string{"path"}),
			handler:     g.toolReadFile,
		},
		{
			name:             "write_file",
			description:      "Write a small text file to disk. A thin stand-in, not a full filesystem server.",
			inputSchema:      objectSchema(map[string]any{"path": map[string]any{"type": "string"}, "content": map[string]any{"type": "string"}}, []string{"path", "content"}),
			requiresApproval: true,
			handler:          g.toolWriteFile,
		},
		{
			name:        "fetch_url",
			description: "Fetch a URL over HTTP(S) and return its body as text, truncated to a safe size. A thin stand-in, not a general-purpose crawler.",
			inputSchema: objectSchema(map[string]any{"url": map[string]any{"type": "string"}}, []string{"url"}),
			handler:     g.toolFetchURL,
		},
		{
			name:             "execute_command",
			description:      "Execute a shell command inside the host's developer sandbox. Always requires explicit approval.",
			inputSchema:      objectSchema(map[string]any{"command": map[string]any{"type": "string"}}, []string{"command"}),
			risk:             gateway.RiskHigh,
			requiresApproval: true,
			handler:          g.toolExecuteCommand,
		},
	}
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{"type": "object", "additionalProperties": false}
	if properties != nil {
		s["properties"] = properties
	} else {
		s["properties"] = map[string]any{}
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", nexuserr.New(nexuserr.Protocol, fmt.Sprintf("missing required field %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", nexuserr.New(nexuserr.Protocol, fmt.Sprintf("field %q must be a string", key))
	}
	return s, nil
}

func (g *Gateway) toolListPlugins(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	var lines []string
	for _, p := range g.plugins.List() {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\tport=%d", p.Manifest.ID, p.Manifest.Version, p.Status, p.AssignedPort))
	}
	return &mcpResultText{text: joinOrNone(lines)}, nil
}

func (g *Gateway) toolListExtensions(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	var lines []string
	for _, rec := range g.extLoader.List() {
		_, running := g.extensions.Get(rec.Manifest.ID)
		lines = append(lines, fmt.Sprintf("%s\t%s\tenabled=%t\trunning=%t", rec.Manifest.ID, rec.Manifest.Version, rec.Enabled, running))
	}
	return &mcpResultText{text: joinOrNone(lines)}, nil
}

func (g *Gateway) toolEngineStatus(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	if g.driver == nil {
		return &mcpResultText{text: "no container runtime configured"}, nil
	}
	if _, err := g.driver.List(ctx, nil); err != nil {
		return &mcpResultText{text: fmt.Sprintf("unreachable: %v", err)}, nil
	}
	return &mcpResultText{text: "reachable"}, nil
}

func (g *Gateway) toolPluginLogs(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	pluginID, err := stringArg(input, "plugin_id")
	if err != nil {
		return nil, err
	}
	p, ok := g.plugins.Get(pluginID)
	if !ok {
		return nil, nexuserr.New(nexuserr.PluginNotFound, fmt.Sprintf("plugin %q not found", pluginID))
	}
	if p.ContainerID == "" || g.driver == nil {
		return &mcpResultText{text: ""}, nil
	}
	tail := 100
	if v, ok := input["tail"].(float64); ok && v > 0 {
		tail = int(v)
	}
	out, err := g.driver.Logs(ctx, p.ContainerID, tail)
	if err != nil {
		return nil, err
	}
	return &mcpResultText{text: out}, nil
}

func (g *Gateway) toolPluginStart(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	pluginID, err := stringArg(input, "plugin_id")
	if err != nil {
		return nil, err
	}
	if g.supervisor == nil {
		return nil, nexuserr.New(nexuserr.PluginNotFound, "no plugin supervisor configured")
	}
	p, err := g.supervisor.Start(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	g.BumpToolListVersion()
	return &mcpResultText{text: fmt.Sprintf("started %s (status=%s)", pluginID, p.Status)}, nil
}

func (g *Gateway) toolPluginStop(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	pluginID, err := stringArg(input, "plugin_id")
	if err != nil {
		return nil, err
	}
	if g.supervisor == nil {
		return nil, nexuserr.New(nexuserr.PluginNotFound, "no plugin supervisor configured")
	}
	p, err := g.supervisor.Stop(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	g.BumpToolListVersion()
	return &mcpResultText{text: fmt.Sprintf("stopped %s (status=%s)", pluginID, p.Status)}, nil
}

func (g *Gateway) toolPluginRemove(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	pluginID, err := stringArg(input, "plugin_id")
	if err != nil {
		return nil, err
	}
	if g.supervisor == nil {
		return nil, nexuserr.New(nexuserr.PluginNotFound, "no plugin supervisor configured")
	}
	if err := g.supervisor.Remove(ctx, pluginID); err != nil {
		return nil, err
	}
	g.BumpToolListVersion()
	return &mcpResultText{text: fmt.Sprintf("removed %s", pluginID)}, nil
}

func (g *Gateway) toolExtensionEnable(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	extID, err := stringArg(input, "extension_id")
	if err != nil {
		return nil, err
	}
	if err := g.extLoader.Enable(ctx, extID); err != nil {
		return nil, err
	}
	g.BumpToolListVersion()
	return &mcpResultText{text: fmt.Sprintf("enabled %s", extID)}, nil
}

func (g *Gateway) toolExtensionDisable(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	extID, err := stringArg(input, "extension_id")
	if err != nil {
		return nil, err
	}
	if err := g.extLoader.Disable(extID); err != nil {
		return nil, err
	}
	g.BumpToolListVersion()
	return &mcpResultText{text: fmt.Sprintf("disabled %s", extID)}, nil
}

const maxBuiltinFileBytes = 256 * 1024

func (g *Gateway) toolReadFile(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.IO, "opening file", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBuiltinFileBytes))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.IO, "reading file", err)
	}
	return &mcpResultText{text: string(data)}, nil
}

func (g *Gateway) toolWriteFile(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(input, "content")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Clean(path), []byte(content), 0o644); err != nil {
		return nil, nexuserr.Wrap(nexuserr.IO, "writing file", err)
	}
	return &mcpResultText{text: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func (g *Gateway) toolFetchURL(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	url, err := stringArg(input, "url")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "building request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.IO, "fetching url", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBuiltinFileBytes))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.IO, "reading response", err)
	}
	return &mcpResultText{text: string(body)}, nil
}

func (g *Gateway) toolExecuteCommand(ctx context.Context, input map[string]any) (*mcpResultText, error) {
	// The developer sandbox itself (an isolated shell) is a deep feature
	// intentionally not reimplemented here; this always asks for approval
	// and then reports that execution is unavailable rather than silently
	// running arbitrary host commands.
	return nil, nexuserr.New(nexuserr.Protocol, "execute_command sandbox is not available on this host")
}

func joinOrNone(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}
