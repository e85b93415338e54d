package oauthstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/permission"
)

func TestPKCERoundTripAndMutationFails(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	challenge := GenerateS256Challenge(verifier)
	require.True(t, VerifyPKCE(verifier, challenge))

	mutated := verifier[:len(verifier)-1] + "x"
	require.False(t, VerifyPKCE(mutated, challenge))
}

func TestPKCELengthBounds(t *testing.T) {
	challenge := GenerateS256Challenge("whatever")
	require.False(t, VerifyPKCE("too-short", challenge))

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	require.False(t, VerifyPKCE(string(long), challenge))
}

func TestNormalizeRedirectURI(t *testing.T) {
	a := NormalizeRedirectURI("http://localhost:8765/callback#frag")
	b := NormalizeRedirectURI("http://127.0.0.1:8765/callback")
	require.Equal(t, a, b)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	client, err := s.RegisterClient("test-client", []string{"http://127.0.0.1:9999/cb"}, []string{"authorization_code"})
	require.NoError(t, err)

	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	challenge := GenerateS256Challenge(verifier)

	ac, err := s.CreateAuthorizationCode(client.ID, "http://127.0.0.1:9999/cb", challenge, []string{"mcp"}, "", "xyz")
	require.NoError(t, err)

	access, refresh, err := s.ExchangeCode(ac.Code, client.ID, "http://127.0.0.1:9999/cb", verifier)
	require.NoError(t, err)
	require.NotEmpty(t, access.Token)
	require.NotNil(t, refresh)

	_, _, err = s.ExchangeCode(ac.Code, client.ID, "http://127.0.0.1:9999/cb", verifier)
	require.Error(t, err)
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	client, err := s.RegisterClient("test-client-2", []string{"http://127.0.0.1:9999/cb"}, []string{"authorization_code"})
	require.NoError(t, err)

	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	challenge := GenerateS256Challenge(verifier)

	ac, err := s.CreateAuthorizationCode(client.ID, "http://127.0.0.1:9999/cb", challenge, []string{"mcp"}, "", "xyz")
	require.NoError(t, err)

	s.ExpireAuthCode(ac.Code)
	_, _, err = s.ExchangeCode(ac.Code, client.ID, "http://127.0.0.1:9999/cb", verifier)
	require.Error(t, err)
}

func TestRefreshRotationInvalidatesPriorToken(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	client, err := s.RegisterClient("test-client-3", []string{"http://127.0.0.1:9999/cb"}, []string{"authorization_code", "refresh_token"})
	require.NoError(t, err)

	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	challenge := GenerateS256Challenge(verifier)

	ac, err := s.CreateAuthorizationCode(client.ID, "http://127.0.0.1:9999/cb", challenge, []string{"mcp"}, "", "xyz")
	require.NoError(t, err)

	_, refresh1, err := s.ExchangeCode(ac.Code, client.ID, "http://127.0.0.1:9999/cb", verifier)
	require.NoError(t, err)
	require.NotNil(t, refresh1)

	access2, refresh2, err := s.Refresh(refresh1.Token, client.ID)
	require.NoError(t, err)
	require.NotEmpty(t, access2.Token)
	require.NotEqual(t, refresh1.Token, refresh2.Token)

	_, _, err = s.Refresh(refresh1.Token, client.ID)
	require.Error(t, err)
}

func TestPluginClientCredentialsServerAuthoritative(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pluginID := "com.test.jit"
	clientID, secret, err := s.RegisterPluginClient(pluginID, "JIT Plugin")
	require.NoError(t, err)

	storedDetails := []permission.AuthorizationDetail{{Type: "nexus:mcp-access", Actions: []string{"call"}, Identifier: pluginID}}
	require.NoError(t, s.SetPluginAuthDetails(pluginID, storedDetails))

	callerDetails := []permission.AuthorizationDetail{{Type: "nexus:system", Actions: []string{"read"}}}
	access, refresh, err := s.IssueClientCredentials(clientID, secret, callerDetails)
	require.NoError(t, err)
	require.Equal(t, storedDetails, access.AuthorizationDetails)
	require.Equal(t, storedDetails, refresh.AuthorizationDetails)

	require.False(t, VerifyClientSecret("wrong-secret", HashClientSecret(secret)))
}

func TestRotatePluginSecretInvalidatesOld(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pluginID := "com.test.rotate"
	clientID, oldSecret, err := s.RegisterPluginClient(pluginID, "Rotate Plugin")
	require.NoError(t, err)

	_, newSecret, err := s.RotatePluginSecret(pluginID)
	require.NoError(t, err)
	require.NotEqual(t, oldSecret, newSecret)

	_, _, err = s.IssueClientCredentials(clientID, oldSecret, nil)
	require.Error(t, err)

	_, _, err = s.IssueClientCredentials(clientID, newSecret, nil)
	require.NoError(t, err)
}

func TestRemovePluginClientRevokesEverything(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pluginID := "com.test.remove"
	clientID, secret, err := s.RegisterPluginClient(pluginID, "Remove Plugin")
	require.NoError(t, err)

	access, _, err := s.IssueClientCredentials(clientID, secret, nil)
	require.NoError(t, err)

	require.NoError(t, s.RemovePluginClient(pluginID))

	_, ok := s.ValidateAccessToken(access.Token)
	require.False(t, ok)

	_, ok = s.GetClientByPluginID(pluginID)
	require.False(t, ok)
}

func TestAccessTokenExpiryPruned(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pluginID := "com.test.expiry"
	clientID, secret, err := s.RegisterPluginClient(pluginID, "Expiry Plugin")
	require.NoError(t, err)

	access, _, err := s.IssueClientCredentials(clientID, secret, nil)
	require.NoError(t, err)

	s.ExpireAccessToken(access.Token)
	_, ok := s.ValidateAccessToken(access.Token)
	require.False(t, ok)
}

func TestStorePersistsClientsAndRefreshAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pluginID := "com.test.persist"
	clientID, secret, err := s.RegisterPluginClient(pluginID, "Persist Plugin")
	require.NoError(t, err)

	_, refresh, err := s.IssueClientCredentials(clientID, secret, nil)
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)

	c, ok := s2.GetClientByPluginID(pluginID)
	require.True(t, ok)
	require.Equal(t, clientID, c.ID)

	_, _, err = s2.Refresh(refresh.Token, clientID)
	require.NoError(t, err)
}

func TestRegisterClientIdempotentByNamePreApproval(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	c1, err := s.RegisterClient("idempotent-client", []string{"http://127.0.0.1:1/cb"}, []string{"authorization_code"})
	require.NoError(t, err)

	c2, err := s.RegisterClient("idempotent-client", []string{"http://127.0.0.1:2/cb"}, []string{"authorization_code"})
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, []string{"http://127.0.0.1:2/cb"}, c2.RedirectURIs)
}

func TestRegisterClientFreezesRedirectURIsAfterApproval(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	c1, err := s.RegisterClient("frozen-client", []string{"http://127.0.0.1:1/cb"}, []string{"authorization_code"})
	require.NoError(t, err)
	require.NoError(t, s.ApproveClient(c1.ID))

	c2, err := s.RegisterClient("frozen-client", []string{"http://127.0.0.1:2/cb"}, []string{"authorization_code"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://127.0.0.1:1/cb"}, c2.RedirectURIs)
}
