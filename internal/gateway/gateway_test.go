package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/approval"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
)

func newTestGateway(t *testing.T) (*Gateway, *oauthstore.Store, *permission.Service, *approval.Bridge) {
	t.Helper()
	dir := t.TempDir()

	oauth, err := oauthstore.Open(dir)
	require.NoError(t, err)
	perms, err := permission.NewService(dir)
	require.NoError(t, err)
	bridge := approval.New()

	gw, err := New(dir, oauth, perms, bridge, nil, "nexus", "")
	require.NoError(t, err)
	return gw, oauth, perms, bridge
}

func TestAuthenticateMissingCredentialIsDiscoveryChallenge(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	_, err := gw.Authenticate(req)
	require.Error(t, err)
	require.True(t, MissingCredential(err))
	require.NotContains(t, ChallengeHeader("nexus", "", err), "error=")
}

func TestAuthenticateInvalidTokenChallenge(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer garbage")

	_, err := gw.Authenticate(req)
	require.Error(t, err)
	require.False(t, MissingCredential(err))
	require.Contains(t, ChallengeHeader("nexus", "", err), `error="invalid_token"`)
}

func TestAuthenticateAPIKeyRequiresLoopback(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "127.0.0.1:51000"
	req.Header.Set("Authorization", "bearer "+gw.apiKey)
	ac, err := gw.Authenticate(req)
	require.NoError(t, err)
	require.Empty(t, ac.PluginID)

	req2 := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req2.RemoteAddr = "203.0.113.5:51000"
	req2.Header.Set("Authorization", "Bearer "+gw.apiKey)
	_, err = gw.Authenticate(req2)
	require.Error(t, err)
}

func TestAuthenticateOAuthTokenResolvesPluginAndSession(t *testing.T) {
	gw, oauth, _, _ := newTestGateway(t)

	clientID, secret, err := oauth.RegisterPluginClient("com.test.plugin", "Test Plugin")
	require.NoError(t, err)
	access, _, err := oauth.IssueClientCredentials(clientID, secret, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+access.Token)
	ac, err := gw.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "com.test.plugin", ac.PluginID)
	require.NotEmpty(t, ac.SessionID)

	req2 := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req2.Header.Set("X-Nexus-Session", ac.SessionID)
	ac2, err := gw.Authenticate(req2)
	require.NoError(t, err)
	require.Equal(t, "com.test.plugin", ac2.PluginID)
}

func TestAuthorizeDeniesWithoutGrant(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	auth := &AuthContext{PluginID: "com.test.ungranted"}
	op := Operation{Name: "read-file", Permission: permission.Permission{Kind: permission.FilesystemRead}}

	err := gw.Authorize(context.Background(), auth, op, nil)
	require.Error(t, err)
}

func TestAuthorizeActiveGrantProceeds(t *testing.T) {
	gw, _, perms, _ := newTestGateway(t)
	require.NoError(t, perms.Grant("com.test.active", permission.Permission{Kind: permission.FilesystemRead}, nil))

	auth := &AuthContext{PluginID: "com.test.active"}
	op := Operation{Name: "read-file", Permission: permission.Permission{Kind: permission.FilesystemRead}}

	require.NoError(t, gw.Authorize(context.Background(), auth, op, nil))
}

func TestAuthorizeDeferredWithNoUIListenerDeniesAndRevokes(t *testing.T) {
	gw, _, perms, _ := newTestGateway(t)
	require.NoError(t, perms.Defer("com.test.deferred", permission.Permission{Kind: permission.FilesystemRead}, nil))

	auth := &AuthContext{PluginID: "com.test.deferred"}
	op := Operation{Name: "read-file", Permission: permission.Permission{Kind: permission.FilesystemRead}}

	err := gw.Authorize(context.Background(), auth, op, nil)
	require.Error(t, err)

	state, ok := perms.GetState("com.test.deferred", permission.Permission{Kind: permission.FilesystemRead})
	require.True(t, ok)
	require.Equal(t, permission.Revoked, state)
}

func TestAuthorizeDeferredApprovedTransitionsActive(t *testing.T) {
	gw, _, perms, bridge := newTestGateway(t)
	require.NoError(t, perms.Defer("com.test.approveme", permission.Permission{Kind: permission.FilesystemRead}, nil))

	listener := bridge.Attach(1)
	go func() {
		req := <-listener
		bridge.Resolve(req.ID, approval.Approve)
	}()

	auth := &AuthContext{PluginID: "com.test.approveme"}
	op := Operation{Name: "read-file", Permission: permission.Permission{Kind: permission.FilesystemRead}}

	require.NoError(t, gw.Authorize(context.Background(), auth, op, nil))

	state, ok := perms.GetState("com.test.approveme", permission.Permission{Kind: permission.FilesystemRead})
	require.True(t, ok)
	require.Equal(t, permission.Active, state)
}

func TestAuthorizeScopeCheckRequiresApprovalForNewScope(t *testing.T) {
	gw, _, perms, bridge := newTestGateway(t)
	empty := []string{}
	perm := permission.Extension("com.ext.weather", "get_forecast")
	require.NoError(t, perms.Grant("com.test.scoped", perm, &empty))

	listener := bridge.Attach(1)
	go func() {
		req := <-listener
		require.Equal(t, "seattle", req.Scope)
		bridge.Resolve(req.ID, approval.Approve)
	}()

	auth := &AuthContext{PluginID: "com.test.scoped"}
	op := Operation{Name: "get_forecast", Permission: perm, ScopeKey: "city"}

	require.NoError(t, gw.Authorize(context.Background(), auth, op, map[string]any{"city": "seattle"}))

	scopes, ok := perms.GetApprovedScopes("com.test.scoped", perm)
	require.True(t, ok)
	require.Contains(t, *scopes, "seattle")
}

func TestAuthorizeHighRiskAlwaysAsksAndNeverPersists(t *testing.T) {
	gw, _, perms, bridge := newTestGateway(t)
	require.NoError(t, perms.Grant("com.test.risky", permission.Permission{Kind: permission.ProcessExec}, nil))

	listener := bridge.Attach(4)
	go func() {
		for req := range listener {
			bridge.Resolve(req.ID, approval.Approve)
		}
	}()

	auth := &AuthContext{PluginID: "com.test.risky"}
	op := Operation{Name: "execute_command", Permission: permission.Permission{Kind: permission.ProcessExec}, Risk: RiskHigh}

	require.NoError(t, gw.Authorize(context.Background(), auth, op, nil))
	require.NoError(t, gw.Authorize(context.Background(), auth, op, nil))
}

func TestValidateInputRequiresDecodedObjectWhenSchemaDeclared(t *testing.T) {
	op := Operation{
		Name: "read-file",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	}
	require.NoError(t, ValidateInput(op, map[string]any{"path": "/etc/hosts"}))
	require.Error(t, ValidateInput(op, nil))

	noSchema := Operation{Name: "ping"}
	require.NoError(t, ValidateInput(noSchema, nil))
}
