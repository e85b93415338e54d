package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// nativeTool is the normalized shape of a tool mirrored from a plugin's own
// MCP server.
type nativeTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// nativeClient wraps a live MCP client session against one plugin's native
// server.
type nativeClient struct {
	client  *mcp.Client
	session *mcp.ClientSession
}

func (c *nativeClient) listTools(ctx context.Context) ([]nativeTool, error) {
	res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "listing native mcp tools", err)
	}
	tools := make([]nativeTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, nativeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func (c *nativeClient) callTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(arguments)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "encoding native tool arguments", err)
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: raw})
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, fmt.Sprintf("calling native tool %q", name), err)
	}
	return res, nil
}

func (c *nativeClient) close() {
	if c.session != nil {
		c.session.Close()
	}
}

// nativeClients tracks one live nativeClient per plugin id.
type nativeClients struct {
	mu      sync.RWMutex
	clients map[string]*nativeClient
}

func newNativeClients() *nativeClients {
	return &nativeClients{clients: make(map[string]*nativeClient)}
}

func (n *nativeClients) connect(ctx context.Context, pluginID string, port int, path string) error {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	client := mcp.NewClient(&mcp.Implementation{Name: "nexus-host", Version: "1"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		return nexuserr.Wrap(nexuserr.RuntimeNetwork, fmt.Sprintf("connecting to plugin %q native mcp server", pluginID), err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.clients[pluginID]; ok {
		existing.close()
	}
	n.clients[pluginID] = &nativeClient{client: client, session: session}
	return nil
}

func (n *nativeClients) disconnect(pluginID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[pluginID]; ok {
		c.close()
		delete(n.clients, pluginID)
	}
}

func (n *nativeClients) get(pluginID string) (*nativeClient, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.clients[pluginID]
	return c, ok
}
