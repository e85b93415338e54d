// Package oauthstore implements the OAuthStore: dynamic client
// registration, PKCE authorization codes, access/refresh tokens, and
// client-credentials issuance for plugins, with authorization details
// pre-computed and kept current by the plugin supervisor.
package oauthstore

import (
	"time"

	"github.com/nexusd/nexus/internal/permission"
)

const (
	AuthCodeTTL     = 10 * time.Minute
	AccessTokenTTL  = 1 * time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// Client is a registered OAuth client. Public clients (no SecretHash) use
// authorization_code + PKCE; plugin clients are confidential and use
// client_credentials + refresh_token.
type Client struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Approved                bool      `json:"approved"`
	GrantTypes              []string  `json:"grant_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	RegisteredAt            int64     `json:"registered_at"`
	SecretHash              string    `json:"secret_hash,omitempty"`
	BoundPluginID           string    `json:"bound_plugin_id,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	AuthorizationDetails    []permission.AuthorizationDetail `json:"authorization_details,omitempty"`
}

// AuthorizationCode is a single-use authorization_code grant artifact.
type AuthorizationCode struct {
	Code              string
	ClientID          string
	RedirectURI       string
	CodeChallenge     string
	Scopes            []string
	Resource          string
	State             string
	ExpiresAt         time.Time
	Used              bool
	IssueRefreshToken bool
}

// AccessToken is a bearer token minted from a code exchange or client_credentials.
type AccessToken struct {
	Token                string
	ClientID             string
	ClientName           string
	Scopes               []string
	Resource             string
	ExpiresAt            time.Time
	BoundPluginID         string
	AuthorizationDetails []permission.AuthorizationDetail
}

// RefreshToken mirrors AccessToken minus an expiry clock tied to the same grant.
type RefreshToken struct {
	Token                string
	ClientID             string
	ClientName           string
	Scopes               []string
	Resource             string
	BoundPluginID         string
	AuthorizationDetails []permission.AuthorizationDetail
	ExpiresAt            time.Time
}
