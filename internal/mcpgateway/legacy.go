package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// legacyCallTimeout bounds how long a forwarded HTTP tool call may take
// before the plugin is considered unresponsive.
const legacyCallTimeout = 30 * time.Second

// legacyCaller forwards a tool call to a plugin's deprecated HTTP protocol:
// POST /mcp/call on the plugin's assigned port, used for plugins that
// declare mcp.tools but no native mcp.server.
type legacyCaller struct{}

type legacyCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type legacyCallResponse struct {
	Content []legacyContent `json:"content"`
	IsError bool            `json:"is_error"`
}

type legacyContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (legacyCaller) call(ctx context.Context, port int, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	body, err := json.Marshal(legacyCallRequest{ToolName: toolName, Arguments: arguments})
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "encoding legacy call request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, legacyCallTimeout)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d/mcp/call", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "building legacy call request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.RuntimeNetwork, fmt.Sprintf("plugin on port %d is not responding", port), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nexuserr.Newf(nexuserr.Protocol, "plugin on port %d returned HTTP %d", port, resp.StatusCode)
	}

	var callResp legacyCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&callResp); err != nil {
		return nil, nexuserr.Wrap(nexuserr.Protocol, "decoding legacy call response", err)
	}

	content := make([]mcp.Content, 0, len(callResp.Content))
	for _, c := range callResp.Content {
		content = append(content, &mcp.TextContent{Text: c.Text})
	}
	return &mcp.CallToolResult{IsError: callResp.IsError, Content: content}, nil
}
