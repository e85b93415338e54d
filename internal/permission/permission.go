// Package permission implements the three-state (Active/Deferred/Revoked)
// per-(plugin, permission) grant model, its RFC 9396 authorization-detail
// projection, and the persistence-backed PermissionService.
package permission

import (
	"fmt"
	"strings"
)

// Kind enumerates the tagged Permission variants.
type Kind string

const (
	SystemInfo      Kind = "system-info"
	FilesystemRead  Kind = "filesystem-read"
	FilesystemWrite Kind = "filesystem-write"
	ProcessList     Kind = "process-list"
	ProcessExec     Kind = "process-exec"
	ContainerRead   Kind = "container-read"
	ContainerManage Kind = "container-manage"
	NetworkLocal    Kind = "network-local"
	NetworkInternet Kind = "network-internet"
	McpCall         Kind = "mcp-call"

	// Parameterized variants.
	KindExtension  Kind = "extension"
	KindMcpAccess  Kind = "mcp-access"
	KindCredential Kind = "credential"
)

// Permission is a tagged variant: Kind selects which of the parameter fields
// (if any) are meaningful.
type Permission struct {
	Kind Kind

	// Valid when Kind == KindExtension or KindCredential.
	ExtensionID string
	// Valid when Kind == KindExtension.
	Operation string
	// Valid when Kind == KindMcpAccess.
	TargetPluginID string
}

// Extension constructs the Extension(ext_id, operation) variant.
func Extension(extID, operation string) Permission {
	return Permission{Kind: KindExtension, ExtensionID: extID, Operation: operation}
}

// McpAccess constructs the McpAccess(target_plugin_id) variant.
func McpAccess(targetPluginID string) Permission {
	return Permission{Kind: KindMcpAccess, TargetPluginID: targetPluginID}
}

// Credential constructs the Credential(ext_id) variant.
func Credential(extID string) Permission {
	return Permission{Kind: KindCredential, ExtensionID: extID}
}

// String renders the stable, storage/comparison key form of a permission:
// ext:{id}:{op}, mcp:{target}, credential:{id}, or lowercase-kebab for the
// simple variants.
func (p Permission) String() string {
	switch p.Kind {
	case KindExtension:
		return fmt.Sprintf("ext:%s:%s", p.ExtensionID, p.Operation)
	case KindMcpAccess:
		return fmt.Sprintf("mcp:%s", p.TargetPluginID)
	case KindCredential:
		return fmt.Sprintf("credential:%s", p.ExtensionID)
	default:
		return string(p.Kind)
	}
}

// Parse reconstructs a Permission from its stable string form. Used when
// reading persisted grants and authorization-detail identifiers back in.
func Parse(s string) (Permission, error) {
	switch {
	case strings.HasPrefix(s, "ext:"):
		rest := strings.TrimPrefix(s, "ext:")
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return Permission{}, fmt.Errorf("malformed extension permission %q", s)
		}
		return Extension(rest[:idx], rest[idx+1:]), nil
	case strings.HasPrefix(s, "mcp:"):
		return McpAccess(strings.TrimPrefix(s, "mcp:")), nil
	case strings.HasPrefix(s, "credential:"):
		return Credential(strings.TrimPrefix(s, "credential:")), nil
	default:
		for _, k := range []Kind{SystemInfo, FilesystemRead, FilesystemWrite, ProcessList,
			ProcessExec, ContainerRead, ContainerManage, NetworkLocal, NetworkInternet, McpCall} {
			if string(k) == s {
				return Permission{Kind: k}, nil
			}
		}
		return Permission{}, fmt.Errorf("unknown permission %q", s)
	}
}

// State is the three-state grant lifecycle.
type State string

const (
	Active   State = "active"
	Deferred State = "deferred"
	Revoked  State = "revoked"
)

// Grant is the persisted record for a single (plugin, permission) pair.
//
// ApprovedScopes == nil means unrestricted (no scope gate). A non-nil empty
// slice means every scope requires runtime approval.
type Grant struct {
	PluginID       string     `json:"plugin_id"`
	Permission     Permission `json:"-"`
	PermissionKey  string     `json:"permission"`
	State          State      `json:"state"`
	ApprovedScopes *[]string  `json:"approved_scopes,omitempty"`
	GrantedAt      int64      `json:"granted_at"`
	RevokedAt      *int64     `json:"revoked_at,omitempty"`
}

// GrantedPermission is the read-only projection returned by GetGrants, used
// to build a plugin's authorization details.
type GrantedPermission struct {
	Permission     Permission
	State          State
	ApprovedScopes *[]string
}
