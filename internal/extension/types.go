// Package extension implements the host side of the extension protocol: a
// spawned-binary process speaking line-delimited JSON-RPC over stdio
// (Process), the live in-memory set of running extensions (Registry), and
// their install/enable/disable/remove/update lifecycle (Loader).
package extension

// OperationResult is the normalized shape of an extension operation's
// result, whether or not the extension's own JSON result happened to carry
// these exact fields.
type OperationResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

// Capability is a coarse-grained declared capability string, opaque to the
// host beyond display and audit purposes.
type Capability string

// Router lets a Process delegate an inbound call_extension/list_extensions
// IPC request to the rest of the registry, without Process depending on
// Registry directly (keeps the two independently testable).
type Router interface {
	Call(callerID, targetID, operation string, input any) (OperationResult, error)
	ListExtensions() []ExtensionInfo
}

// ExtensionInfo is the read-only registry snapshot handed to list_extensions
// and to host-side callers.
type ExtensionInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Operations  []string `json:"operations"`
	Capabilities []string `json:"capabilities"`
}
