package permission

// AuthorizationDetail is an RFC 9396 rich-authorization-details entry,
// encoding one Active permission grant onto an OAuth token.
type AuthorizationDetail struct {
	Type       string   `json:"type"`
	Actions    []string `json:"actions"`
	Locations  []string `json:"locations,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
}

// permissionToTypeAction maps a permission Kind to its RFC 9396 type string
// and the action list it grants. Parameterized kinds are handled specially
// in permissionToDetail below.
func permissionToTypeAction(k Kind) (typ string, actions []string) {
	switch k {
	case SystemInfo:
		return "nexus:system", []string{"read"}
	case FilesystemRead:
		return "nexus:filesystem", []string{"read"}
	case FilesystemWrite:
		return "nexus:filesystem", []string{"read", "write"}
	case ProcessList:
		return "nexus:process", []string{"list"}
	case ProcessExec:
		return "nexus:process", []string{"list", "exec"}
	case ContainerRead:
		return "nexus:container", []string{"read"}
	case ContainerManage:
		return "nexus:container", []string{"read", "manage"}
	case NetworkLocal:
		return "nexus:network", []string{"local"}
	case NetworkInternet:
		return "nexus:network", []string{"local", "internet"}
	case McpCall:
		return "nexus:mcp", []string{"call"}
	default:
		return "", nil
	}
}

// permissionToDetail projects a single GrantedPermission into its
// AuthorizationDetail. Only called for Active grants.
func permissionToDetail(g GrantedPermission) AuthorizationDetail {
	switch g.Permission.Kind {
	case KindExtension:
		d := AuthorizationDetail{
			Type:       "nexus:extension",
			Actions:    []string{"call"},
			Identifier: g.Permission.ExtensionID + ":" + g.Permission.Operation,
		}
		applyScopes(&d, g.ApprovedScopes)
		return d
	case KindMcpAccess:
		d := AuthorizationDetail{
			Type:       "nexus:mcp-access",
			Actions:    []string{"call"},
			Identifier: g.Permission.TargetPluginID,
		}
		applyScopes(&d, g.ApprovedScopes)
		return d
	case KindCredential:
		return AuthorizationDetail{
			Type:       "nexus:credential",
			Actions:    []string{"read"},
			Identifier: g.Permission.ExtensionID,
		}
	default:
		typ, actions := permissionToTypeAction(g.Permission.Kind)
		d := AuthorizationDetail{Type: typ, Actions: actions}
		applyScopes(&d, g.ApprovedScopes)
		return d
	}
}

// applyScopes sets Locations from an approved-scope list. A nil list
// (unrestricted) leaves Locations unset. A non-nil but empty list (every
// scope needs runtime approval) is likewise excluded from Locations —
// serializing it as an empty array would read as "scoped to nothing"
// instead of "not yet scoped".
func applyScopes(d *AuthorizationDetail, scopes *[]string) {
	if scopes == nil || len(*scopes) == 0 {
		return
	}
	d.Locations = append([]string(nil), (*scopes)...)
}

// BuildAuthorizationDetails projects every Active grant in order into its
// authorization details. Deferred and Revoked grants are excluded entirely.
func BuildAuthorizationDetails(grants []GrantedPermission) []AuthorizationDetail {
	var out []AuthorizationDetail
	for _, g := range grants {
		if g.State != Active {
			continue
		}
		out = append(out, permissionToDetail(g))
	}
	return out
}

// DetailsSatisfy reports whether details authorizes perm. Matching is by
// type + action (+ identifier for parameterized permissions). A blanket
// McpCall detail and a scoped McpAccess detail never satisfy each other even
// though both gate MCP access — each must be requested as what it actually
// is.
func DetailsSatisfy(details []AuthorizationDetail, perm Permission) bool {
	wantType, wantAction := requiredTypeAction(perm)
	wantIdentifier, hasIdentifier := requiredIdentifier(perm)

	for _, d := range details {
		if d.Type != wantType {
			continue
		}
		if !containsAction(d.Actions, wantAction) {
			continue
		}
		if hasIdentifier && d.Identifier != wantIdentifier {
			continue
		}
		if !hasIdentifier && d.Identifier != "" {
			continue
		}
		return true
	}
	return false
}

func requiredTypeAction(perm Permission) (typ, action string) {
	switch perm.Kind {
	case KindExtension:
		return "nexus:extension", "call"
	case KindMcpAccess:
		return "nexus:mcp-access", "call"
	case KindCredential:
		return "nexus:credential", "read"
	case FilesystemWrite:
		return "nexus:filesystem", "write"
	case ContainerManage:
		return "nexus:container", "manage"
	case NetworkInternet:
		return "nexus:network", "internet"
	default:
		t, actions := permissionToTypeAction(perm.Kind)
		if len(actions) == 0 {
			return t, ""
		}
		return t, actions[0]
	}
}

func requiredIdentifier(perm Permission) (string, bool) {
	switch perm.Kind {
	case KindExtension:
		return perm.ExtensionID + ":" + perm.Operation, true
	case KindMcpAccess:
		return perm.TargetPluginID, true
	case KindCredential:
		return perm.ExtensionID, true
	default:
		return "", false
	}
}

func containsAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
