package mcpgateway

import (
	"strings"

	"github.com/nexusd/nexus/internal/audit"
)

var destructiveSubstrings = []string{
	"delete", "remove", "uninstall", "stop", "kill", "revoke",
}

var mutatingSubstrings = []string{
	"write", "create", "update", "install", "start", "enable", "disable",
	"set", "grant", "approve",
}

// classifySeverity derives an audit severity from the tool's nature, per
// the execute_command/destructive -> critical, mutating -> warn, reads ->
// info rule.
func classifySeverity(e toolEntry) audit.Severity {
	name := strings.ToLower(e.localName)
	if name == "execute_command" || strings.Contains(name, "exec") {
		return audit.SeverityCritical
	}
	for _, s := range destructiveSubstrings {
		if strings.Contains(name, s) {
			return audit.SeverityCritical
		}
	}
	for _, s := range mutatingSubstrings {
		if strings.Contains(name, s) {
			return audit.SeverityWarn
		}
	}
	return audit.SeverityInfo
}

func (g *Gateway) auditCall(e toolEntry, success bool, cause error) {
	if g.audit == nil {
		return
	}
	result := audit.ResultSuccess
	details := map[string]any{}
	if !success {
		result = audit.ResultFailure
		if cause != nil {
			details["reason"] = cause.Error()
		}
	}
	componentID := e.componentID
	toolName := e.qualifiedName
	g.audit.Append(audit.Entry{
		Actor:    audit.ActorMcpClient,
		SourceID: &componentID,
		Severity: classifySeverity(e),
		Action:   "mcp.call_tool",
		Subject:  &toolName,
		Result:   result,
		Details:  details,
	})
}
