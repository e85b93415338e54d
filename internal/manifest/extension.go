package manifest

import (
	"fmt"
	"regexp"
)

// RiskLevel is an extension operation's declared risk tier.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ExtensionManifest is the JSON shape of an extension's manifest.json.
type ExtensionManifest struct {
	ID              string                      `json:"id" validate:"required"`
	DisplayName     string                      `json:"display_name" validate:"required"`
	Version         string                      `json:"version" validate:"required"`
	Description     string                      `json:"description"`
	Author          string                      `json:"author"`
	AuthorPublicKey string                      `json:"author_public_key" validate:"required"`
	Operations      []OperationDef              `json:"operations"`
	Capabilities    []string                    `json:"capabilities,omitempty"`
	Binaries        map[string]ExtensionBinary  `json:"binaries"`
	Resources       map[string]ResourceTypeDef  `json:"resources,omitempty"`
}

// OperationDef describes one callable operation exposed by an extension.
type OperationDef struct {
	Name             string         `json:"name" validate:"required"`
	Description      string         `json:"description"`
	InputSchema      map[string]any `json:"input_schema"`
	RiskLevel        RiskLevel      `json:"risk_level" validate:"required"`
	ScopeKey         string         `json:"scope_key,omitempty"`
	ScopeDescription string         `json:"scope_description,omitempty"`
	MCPExpose        bool           `json:"mcp_expose,omitempty"`
	MCPDescription   string         `json:"mcp_description,omitempty"`
}

// ExtensionBinary is a single platform's downloadable binary entry.
type ExtensionBinary struct {
	URL       string `json:"url" validate:"required"`
	SHA256    string `json:"sha256" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	// LaunchArgs is an optional shell-quoted argument string appended to
	// the binary invocation, for extensions that need platform-specific
	// flags (e.g. a `--socket <path>` variant on Windows).
	LaunchArgs string `json:"launch_args,omitempty"`
}

// ResourceTypeDef describes a resource kind an extension's resources.*
// methods operate on. Shape is extension-defined; kept opaque here.
type ResourceTypeDef struct {
	Schema map[string]any `json:"schema,omitempty"`
}

var riskLevels = map[RiskLevel]bool{RiskLow: true, RiskMedium: true, RiskHigh: true}

// ValidateExtension applies struct-tag rules plus id charset and risk-level
// enumeration checks.
func ValidateExtension(m *ExtensionManifest) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("manifest validation: %w", err)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("invalid extension id %q: must match [a-z0-9._-]{1,100}", m.ID)
	}
	if err := rejectBidiOverrides(m.DisplayName); err != nil {
		return fmt.Errorf("display_name: %w", err)
	}
	for _, op := range m.Operations {
		if !riskLevels[op.RiskLevel] {
			return fmt.Errorf("operation %q: invalid risk_level %q", op.Name, op.RiskLevel)
		}
	}
	if len(m.Binaries) == 0 {
		return fmt.Errorf("extension must declare at least one platform binary")
	}
	return nil
}

// SelectBinary returns the binary entry for the current platform
// (GOOS/GOARCH-keyed, e.g. "linux-amd64"), or ok=false if undeclared.
func SelectBinary(m *ExtensionManifest, platform string) (ExtensionBinary, bool) {
	b, ok := m.Binaries[platform]
	return b, ok
}

var platformKeyPattern = regexp.MustCompile(`^[a-z0-9]+-[a-z0-9]+$`)

// ValidPlatformKey reports whether k looks like a GOOS-GOARCH platform key.
func ValidPlatformKey(k string) bool { return platformKeyPattern.MatchString(k) }
