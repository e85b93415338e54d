// Package manifest defines the on-disk JSON shapes for plugin and extension
// manifests and their struct-tag validation.
package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/opencontainers/go-digest"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9._-]{1,100}$`)
	opNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	bidiOverrides = []rune{'‪', '‫', '‬', '‭', '‮', '⁦', '⁧', '⁨', '⁩'}
)

// PluginManifest is the JSON shape of a plugin's manifest.json.
type PluginManifest struct {
	ID              string                 `json:"id" validate:"required"`
	Name            string                 `json:"name" validate:"required,max=100"`
	Version         string                 `json:"version" validate:"required"`
	Description     string                 `json:"description"`
	Author          string                 `json:"author"`
	License         string                 `json:"license,omitempty"`
	Homepage        string                 `json:"homepage,omitempty"`
	Icon            string                 `json:"icon,omitempty"`
	Image           string                 `json:"image" validate:"required"`
	ImageDigest     string                 `json:"image_digest,omitempty"`
	UI              *PluginUI              `json:"ui,omitempty"`
	Health          *PluginHealth          `json:"health,omitempty"`
	Permissions     []string               `json:"permissions,omitempty"`
	Env             map[string]string      `json:"env,omitempty"`
	MinVersion      string                 `json:"min_nexus_version,omitempty"`
	MCP             *PluginMCP             `json:"mcp,omitempty"`
	Extensions      map[string]any         `json:"extensions,omitempty"`
	MCPAccess       []string               `json:"mcp_access,omitempty"`
	ThirdPartyOAuth *PluginThirdPartyOAuth `json:"third_party_oauth,omitempty"`
}

// PluginThirdPartyOAuth declares that a plugin needs an authorization-code
// grant against an OAuth provider other than this host's own issuer (e.g. a
// plugin that wraps a SaaS API). The host brokers the redirect and token
// exchange so the plugin container never sees the provider's client secret.
type PluginThirdPartyOAuth struct {
	Provider     string   `json:"provider" validate:"required"`
	AuthURL      string   `json:"auth_url" validate:"required,url"`
	TokenURL     string   `json:"token_url" validate:"required,url"`
	ClientID     string   `json:"client_id" validate:"required"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectPath string   `json:"redirect_path,omitempty"`
}

type PluginUI struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

type PluginHealth struct {
	Endpoint     string `json:"endpoint" validate:"required"`
	IntervalSecs int    `json:"interval_secs"`
}

type PluginMCP struct {
	Tools  []PluginMCPTool `json:"tools,omitempty"`
	Server *PluginMCPServer `json:"server,omitempty"`
}

type PluginMCPTool struct {
	Name             string         `json:"name" validate:"required"`
	Description      string         `json:"description"`
	Permissions      []string       `json:"permissions,omitempty"`
	InputSchema      map[string]any `json:"input_schema"`
	RequiresApproval bool           `json:"requires_approval"`
}

type PluginMCPServer struct {
	Path             string `json:"path" validate:"required"`
	RequiresApproval bool   `json:"requires_approval"`
}

// ValidatePlugin applies the declarative struct-tag rules plus the
// manifest-specific checks the JSON-Schema layer (an external collaborator)
// doesn't cover: id charset, digest shape, display-field bidi overrides, and
// the UI-or-health requirement for headless plugins.
func ValidatePlugin(m *PluginManifest) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("manifest validation: %w", err)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("invalid plugin id %q: must match [a-z0-9._-]{1,100}", m.ID)
	}
	if m.ImageDigest != "" {
		d := digest.Digest(m.ImageDigest)
		if err := d.Validate(); err != nil || d.Algorithm() != digest.SHA256 {
			return fmt.Errorf("invalid image_digest %q: must be sha256:<64 hex>", m.ImageDigest)
		}
	}
	if err := rejectBidiOverrides(m.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if err := rejectBidiOverrides(m.Description); err != nil {
		return fmt.Errorf("description: %w", err)
	}
	if m.UI == nil && m.Health == nil {
		return fmt.Errorf("headless plugins (no ui) must declare a health endpoint")
	}
	if m.MCP != nil {
		for _, t := range m.MCP.Tools {
			if !opNamePattern.MatchString(t.Name) {
				return fmt.Errorf("invalid mcp tool name %q: must match [a-z0-9_-]+", t.Name)
			}
			if typ, _ := t.InputSchema["type"].(string); t.InputSchema != nil && typ != "object" {
				return fmt.Errorf("mcp tool %q: input_schema root must be type:object", t.Name)
			}
		}
		if m.MCP.Server != nil && !strings.HasPrefix(m.MCP.Server.Path, "/") {
			return fmt.Errorf("mcp server path must start with /")
		}
	}
	return nil
}

func rejectBidiOverrides(s string) error {
	for _, r := range s {
		for _, bad := range bidiOverrides {
			if r == bad {
				return fmt.Errorf("contains a unicode bidirectional override character")
			}
		}
	}
	return nil
}

// ContainerName derives the deterministic container name nexus-{id} with
// dots rewritten to dashes.
func ContainerName(pluginID string) string {
	return "nexus-" + strings.ReplaceAll(pluginID, ".", "-")
}

// DataVolumeName derives the deterministic data-volume name for a plugin.
func DataVolumeName(pluginID string) string {
	return "nexus-data-" + strings.ReplaceAll(pluginID, ".", "-")
}
