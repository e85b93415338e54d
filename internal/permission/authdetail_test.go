package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAuthorizationDetailsFiltersToActive(t *testing.T) {
	grants := []GrantedPermission{
		{Permission: Permission{Kind: FilesystemRead}, State: Active, ApprovedScopes: &[]string{"/tmp"}},
		{Permission: Permission{Kind: NetworkInternet}, State: Deferred},
		{Permission: Permission{Kind: SystemInfo}, State: Revoked},
	}
	details := BuildAuthorizationDetails(grants)
	assert.Len(t, details, 1)
	assert.Equal(t, "nexus:filesystem", details[0].Type)
	assert.Equal(t, []string{"/tmp"}, details[0].Locations)
}

func TestBuildAuthorizationDetailsEmptyScopesOmitLocations(t *testing.T) {
	grants := []GrantedPermission{
		{Permission: Permission{Kind: FilesystemRead}, State: Active, ApprovedScopes: &[]string{}},
	}
	details := BuildAuthorizationDetails(grants)
	assert.Nil(t, details[0].Locations)
}

func TestDetailsSatisfyActiveOnly(t *testing.T) {
	grants := []GrantedPermission{
		{Permission: Permission{Kind: FilesystemRead}, State: Active},
		{Permission: Permission{Kind: NetworkInternet}, State: Deferred},
	}
	details := BuildAuthorizationDetails(grants)
	assert.True(t, DetailsSatisfy(details, Permission{Kind: FilesystemRead}))
	assert.False(t, DetailsSatisfy(details, Permission{Kind: NetworkInternet}))
}

func TestDetailsSatisfyMcpCallVsMcpAccessAsymmetry(t *testing.T) {
	grants := []GrantedPermission{
		{Permission: McpAccess("com.other.plugin"), State: Active},
	}
	details := BuildAuthorizationDetails(grants)
	assert.True(t, DetailsSatisfy(details, McpAccess("com.other.plugin")))
	assert.False(t, DetailsSatisfy(details, Permission{Kind: McpCall}))

	blanket := []GrantedPermission{{Permission: Permission{Kind: McpCall}, State: Active}}
	blanketDetails := BuildAuthorizationDetails(blanket)
	assert.True(t, DetailsSatisfy(blanketDetails, Permission{Kind: McpCall}))
	assert.False(t, DetailsSatisfy(blanketDetails, McpAccess("com.other.plugin")))
}

func TestPermissionStringForms(t *testing.T) {
	assert.Equal(t, "ext:gitx:commit", Extension("gitx", "commit").String())
	assert.Equal(t, "mcp:com.nexus.hello", McpAccess("com.nexus.hello").String())
	assert.Equal(t, "credential:gitx", Credential("gitx").String())
	assert.Equal(t, "filesystem-read", Permission{Kind: FilesystemRead}.String())
}

func TestParseRoundTrip(t *testing.T) {
	for _, p := range []Permission{
		Extension("gitx", "commit"),
		McpAccess("com.nexus.hello"),
		Credential("gitx"),
		{Kind: FilesystemRead},
		{Kind: ContainerManage},
	} {
		parsed, err := Parse(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}
