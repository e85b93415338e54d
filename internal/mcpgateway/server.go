package mcpgateway

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexusd/nexus/internal/hostlog"
)

// NewServer constructs the MCP server instance tools are registered
// against. Callers pass the result into New, then call Rebuild once the
// gateway's collaborators are ready. The server advertises tools only
// (HasTools); no resources or prompts are registered on it.
func NewServer(name, version string) *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, &mcp.ServerOptions{
		InitializedHandler: func(_ context.Context, req *mcp.InitializedRequest) {
			info := req.Session.InitializeParams().ClientInfo
			hostlog.Logf("mcp client initialized: %s@%s", info.Name, info.Version)
		},
		HasTools: true,
	})
}
