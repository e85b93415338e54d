package oauthstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusd/nexus/internal/atomicfile"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/permission"
)

// Store is the OAuthStore. Clients and refresh tokens are persisted to
// disk; access tokens and authorization codes are in-memory only, matching
// the reference semantics (a restarted host invalidates live sessions but
// keeps long-lived client registrations and refresh grants).
type Store struct {
	mu sync.RWMutex

	clientsPath string
	refreshPath string

	clients   map[string]*Client
	refresh   map[string]*RefreshToken
	access    map[string]*AccessToken
	codes     map[string]*AuthorizationCode

	nowFn func() time.Time
}

// Open loads (or initializes) the store from dataDir/oauth_clients.json and
// dataDir/oauth_refresh.json, pruning expired refresh tokens on load.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		clientsPath: filepath.Join(dataDir, "oauth_clients.json"),
		refreshPath: filepath.Join(dataDir, "oauth_refresh.json"),
		clients:     make(map[string]*Client),
		refresh:     make(map[string]*RefreshToken),
		access:      make(map[string]*AccessToken),
		codes:       make(map[string]*AuthorizationCode),
		nowFn:       time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var clients []Client
	if err := atomicfile.ReadJSON(s.clientsPath, &clients); err != nil && !isNotExist(err) {
		return fmt.Errorf("loading oauth clients: %w", err)
	}
	for i := range clients {
		c := clients[i]
		s.clients[c.ID] = &c
	}

	type persistedRefresh struct {
		RefreshToken
		ExpiresAtUnix int64 `json:"expires_at"`
	}
	var tokens []persistedRefresh
	if err := atomicfile.ReadJSON(s.refreshPath, &tokens); err != nil && !isNotExist(err) {
		return fmt.Errorf("loading refresh tokens: %w", err)
	}
	now := s.nowFn()
	for _, t := range tokens {
		rt := t.RefreshToken
		rt.ExpiresAt = time.Unix(t.ExpiresAtUnix, 0)
		if rt.ExpiresAt.Before(now) {
			continue
		}
		s.refresh[rt.Token] = &rt
	}
	return nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (s *Store) saveClientsLocked() error {
	rows := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		rows = append(rows, *c)
	}
	return atomicfile.WriteJSON(s.clientsPath, rows)
}

func (s *Store) saveRefreshLocked() error {
	type persistedRefresh struct {
		RefreshToken
		ExpiresAtUnix int64 `json:"expires_at"`
	}
	rows := make([]persistedRefresh, 0, len(s.refresh))
	for _, t := range s.refresh {
		rows = append(rows, persistedRefresh{RefreshToken: *t, ExpiresAtUnix: t.ExpiresAt.Unix()})
	}
	return atomicfile.WriteJSON(s.refreshPath, rows)
}

// RegisterClient registers (or idempotently updates) a public client by
// name. For not-yet-approved clients, redirect URIs may be refreshed on
// re-registration; once a client is Approved its redirect URIs are frozen.
func (s *Store) RegisterClient(name string, redirectURIs []string, grantTypes []string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.Name == name && c.SecretHash == "" {
			if !c.Approved {
				c.RedirectURIs = redirectURIs
				c.GrantTypes = grantTypes
				if err := s.saveClientsLocked(); err != nil {
					return nil, err
				}
			}
			return c, nil
		}
	}

	id, err := GenerateClientID("nxc")
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:                      id,
		Name:                    name,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: "none",
		RegisteredAt:            s.nowFn().Unix(),
		RedirectURIs:            redirectURIs,
	}
	s.clients[c.ID] = c
	if err := s.saveClientsLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApproveClient marks a registered client approved, freezing its redirect URIs.
func (s *Store) ApproveClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	c.Approved = true
	return s.saveClientsLocked()
}

// RegisterPluginClient registers (or re-registers, rotating the secret) a
// confidential client bound to a plugin. Idempotent by plugin id.
func (s *Store) RegisterPluginClient(pluginID, displayName string) (clientID, secret string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err = GenerateClientSecret()
	if err != nil {
		return "", "", err
	}
	hash := HashClientSecret(secret)

	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			c.SecretHash = hash
			c.Name = displayName
			if err := s.saveClientsLocked(); err != nil {
				return "", "", err
			}
			return c.ID, secret, nil
		}
	}

	id, err := GenerateClientID("nxp")
	if err != nil {
		return "", "", err
	}
	c := &Client{
		ID:                      id,
		Name:                    displayName,
		Approved:                true,
		GrantTypes:              []string{"client_credentials", "refresh_token"},
		TokenEndpointAuthMethod: "client_secret_basic",
		RegisteredAt:            s.nowFn().Unix(),
		SecretHash:              hash,
		BoundPluginID:           pluginID,
	}
	s.clients[c.ID] = c
	if err := s.saveClientsLocked(); err != nil {
		return "", "", err
	}
	return c.ID, secret, nil
}

// RotatePluginSecret issues a fresh secret for the plugin's bound client.
func (s *Store) RotatePluginSecret(pluginID string) (clientID, secret string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			secret, err = GenerateClientSecret()
			if err != nil {
				return "", "", err
			}
			c.SecretHash = HashClientSecret(secret)
			if err := s.saveClientsLocked(); err != nil {
				return "", "", err
			}
			return c.ID, secret, nil
		}
	}
	return "", "", fmt.Errorf("no client bound to plugin %s", pluginID)
}

// GetClientByPluginID finds the client bound to pluginID, if any.
func (s *Store) GetClientByPluginID(pluginID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// SetPluginAuthDetails sets (or, if details is empty, clears) the
// pre-computed authorization details for the plugin's bound client.
func (s *Store) SetPluginAuthDetails(pluginID string, details []permission.AuthorizationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			c.AuthorizationDetails = details
			return s.saveClientsLocked()
		}
	}
	return fmt.Errorf("no client bound to plugin %s", pluginID)
}

// GetPluginAuthDetails returns the pre-computed authorization details for
// the plugin's bound client.
func (s *Store) GetPluginAuthDetails(pluginID string) ([]permission.AuthorizationDetail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			return c.AuthorizationDetails, true
		}
	}
	return nil, false
}

// RevokeClient fully deregisters a client: its tokens, codes, and
// registration are all removed.
func (s *Store) RevokeClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeClientLocked(clientID, true)
}

func (s *Store) revokeClientLocked(clientID string, removeClient bool) error {
	for k, a := range s.access {
		if a.ClientID == clientID {
			delete(s.access, k)
		}
	}
	changed := false
	for k, r := range s.refresh {
		if r.ClientID == clientID {
			delete(s.refresh, k)
			changed = true
		}
	}
	for k, c := range s.codes {
		if c.ClientID == clientID {
			delete(s.codes, k)
		}
	}
	if removeClient {
		if _, ok := s.clients[clientID]; ok {
			delete(s.clients, clientID)
			if err := s.saveClientsLocked(); err != nil {
				return err
			}
		}
	}
	if changed {
		return s.saveRefreshLocked()
	}
	return nil
}

// RevokePluginTokens revokes all outstanding tokens for the plugin's bound
// client but keeps the client registered (used on plugin stop).
func (s *Store) RevokePluginTokens(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.findByPluginLocked(pluginID)
	if !ok {
		return nil
	}
	return s.revokeClientLocked(c.ID, false)
}

// RemovePluginClient fully removes the plugin's client registration (used on
// plugin removal) — equivalent to RevokeClient.
func (s *Store) RemovePluginClient(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.findByPluginLocked(pluginID)
	if !ok {
		return nil
	}
	return s.revokeClientLocked(c.ID, true)
}

func (s *Store) findByPluginLocked(pluginID string) (*Client, bool) {
	for _, c := range s.clients {
		if c.BoundPluginID == pluginID {
			return c, true
		}
	}
	return nil, false
}

// CreateAuthorizationCode issues a single-use authorization code.
func (s *Store) CreateAuthorizationCode(clientID, redirectURI, challenge string, scopes []string, resource, state string) (*AuthorizationCode, error) {
	return s.createCode(clientID, redirectURI, challenge, scopes, resource, state, true)
}

// CreateAuthorizationCodeOnce issues a one-hour-consent code that will not
// yield a refresh token on exchange.
func (s *Store) CreateAuthorizationCodeOnce(clientID, redirectURI, challenge string, scopes []string, resource, state string) (*AuthorizationCode, error) {
	return s.createCode(clientID, redirectURI, challenge, scopes, resource, state, false)
}

func (s *Store) createCode(clientID, redirectURI, challenge string, scopes []string, resource, state string, issueRefresh bool) (*AuthorizationCode, error) {
	code, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCodesLocked()
	ac := &AuthorizationCode{
		Code:              code,
		ClientID:          clientID,
		RedirectURI:       redirectURI,
		CodeChallenge:     challenge,
		Scopes:            scopes,
		Resource:          resource,
		State:             state,
		ExpiresAt:         s.nowFn().Add(AuthCodeTTL),
		IssueRefreshToken: issueRefresh,
	}
	s.codes[code] = ac
	cp := *ac
	return &cp, nil
}

func (s *Store) pruneCodesLocked() {
	now := s.nowFn()
	for k, c := range s.codes {
		if c.Used || c.ExpiresAt.Before(now) {
			delete(s.codes, k)
		}
	}
}

// ExchangeCode validates and redeems an authorization code, issuing an
// access token and — unless the code's consent was one-hour-only — a
// refresh token. Validation order matches RFC 6749: exists, not used, not
// expired, client id matches, redirect URI matches (after normalization),
// PKCE verifier matches.
func (s *Store) ExchangeCode(code, clientID, redirectURI, verifier string) (*AccessToken, *RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, nil, fmt.Errorf("invalid_grant: unknown authorization code")
	}
	if ac.Used {
		return nil, nil, fmt.Errorf("invalid_grant: authorization code already used")
	}
	if ac.ExpiresAt.Before(s.nowFn()) {
		return nil, nil, fmt.Errorf("invalid_grant: authorization code expired")
	}
	if ac.ClientID != clientID {
		return nil, nil, fmt.Errorf("invalid_grant: client id mismatch")
	}
	if NormalizeRedirectURI(ac.RedirectURI) != NormalizeRedirectURI(redirectURI) {
		return nil, nil, fmt.Errorf("invalid_grant: redirect uri mismatch")
	}
	if !VerifyPKCE(verifier, ac.CodeChallenge) {
		return nil, nil, fmt.Errorf("invalid_grant: pkce verification failed")
	}

	ac.Used = true

	client, ok := s.clients[clientID]
	clientName := clientID
	if ok {
		clientName = client.Name
	}

	access := s.mintAccessTokenLocked(clientID, clientName, ac.Scopes, ac.Resource, "", nil)

	var refresh *RefreshToken
	if ac.IssueRefreshToken {
		r, err := s.mintRefreshTokenLocked(clientID, clientName, ac.Scopes, ac.Resource, "", nil)
		if err != nil {
			return nil, nil, err
		}
		refresh = r
	}
	return access, refresh, nil
}

func (s *Store) mintAccessTokenLocked(clientID, clientName string, scopes []string, resource, boundPlugin string, details []permission.AuthorizationDetail) *AccessToken {
	token, err := GenerateToken()
	if err != nil {
		hostlog.Warnf("generating access token: %v", err)
		token = fmt.Sprintf("fallback-%d", s.nowFn().UnixNano())
	}
	at := &AccessToken{
		Token:                token,
		ClientID:             clientID,
		ClientName:           clientName,
		Scopes:               scopes,
		Resource:             resource,
		ExpiresAt:            s.nowFn().Add(AccessTokenTTL),
		BoundPluginID:        boundPlugin,
		AuthorizationDetails: details,
	}
	s.access[token] = at
	cp := *at
	return &cp
}

func (s *Store) mintRefreshTokenLocked(clientID, clientName string, scopes []string, resource, boundPlugin string, details []permission.AuthorizationDetail) (*RefreshToken, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		Token:                token,
		ClientID:             clientID,
		ClientName:           clientName,
		Scopes:               scopes,
		Resource:             resource,
		BoundPluginID:        boundPlugin,
		AuthorizationDetails: details,
		ExpiresAt:            s.nowFn().Add(RefreshTokenTTL),
	}
	s.refresh[token] = rt
	if err := s.saveRefreshLocked(); err != nil {
		return nil, err
	}
	cp := *rt
	return &cp, nil
}

// Refresh rotates a refresh token: the old token is removed first, then a
// fresh access token and a fresh refresh token are always issued together.
func (s *Store) Refresh(refreshToken, clientID string) (*AccessToken, *RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refresh[refreshToken]
	if !ok {
		return nil, nil, fmt.Errorf("invalid_grant: unknown refresh token")
	}
	if rt.ClientID != clientID {
		return nil, nil, fmt.Errorf("invalid_grant: client id mismatch")
	}
	if rt.ExpiresAt.Before(s.nowFn()) {
		delete(s.refresh, refreshToken)
		_ = s.saveRefreshLocked()
		return nil, nil, fmt.Errorf("invalid_grant: refresh token expired")
	}

	delete(s.refresh, refreshToken)

	access := s.mintAccessTokenLocked(rt.ClientID, rt.ClientName, rt.Scopes, rt.Resource, rt.BoundPluginID, rt.AuthorizationDetails)
	newRefresh, err := s.mintRefreshTokenLocked(rt.ClientID, rt.ClientName, rt.Scopes, rt.Resource, rt.BoundPluginID, rt.AuthorizationDetails)
	if err != nil {
		return nil, nil, err
	}
	return access, newRefresh, nil
}

// IssueClientCredentials validates a plugin client's secret and issues
// access + refresh tokens scoped to ["plugin"]. If the store holds
// pre-computed authorization details for the client, those override
// whatever the caller supplied — the server is authoritative on plugin
// permissions.
func (s *Store) IssueClientCredentials(clientID, secret string, callerDetails []permission.AuthorizationDetail) (*AccessToken, *RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok || c.SecretHash == "" {
		return nil, nil, fmt.Errorf("invalid_client: unknown confidential client")
	}
	if !VerifyClientSecret(secret, c.SecretHash) {
		return nil, nil, fmt.Errorf("invalid_client: secret mismatch")
	}

	details := callerDetails
	if len(c.AuthorizationDetails) > 0 {
		details = c.AuthorizationDetails
	}

	access := s.mintAccessTokenLocked(clientID, c.Name, []string{"plugin"}, "", c.BoundPluginID, details)
	refresh, err := s.mintRefreshTokenLocked(clientID, c.Name, []string{"plugin"}, "", c.BoundPluginID, details)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// ValidateAccessToken looks up a live, unexpired access token, pruning it
// lazily if it has expired.
func (s *Store) ValidateAccessToken(token string) (*AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.access[token]
	if !ok {
		return nil, false
	}
	if at.ExpiresAt.Before(s.nowFn()) {
		delete(s.access, token)
		return nil, false
	}
	cp := *at
	return &cp, true
}

// GetClient returns a copy of a registered client by id.
func (s *Store) GetClient(clientID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// --- test-only helpers, mirroring the reference store's own test hooks ---

// ExpireAuthCode forces code to read as expired, for deterministic tests.
func (s *Store) ExpireAuthCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.codes[code]; ok {
		c.ExpiresAt = s.nowFn().Add(-time.Second)
	}
}

// ExpireAccessToken forces token to read as expired, for deterministic tests.
func (s *Store) ExpireAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.access[token]; ok {
		t.ExpiresAt = s.nowFn().Add(-time.Second)
	}
}

// SetNowFunc overrides the store's clock, for deterministic tests.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = f
}
