// Package oauthclient brokers the outbound OAuth 2.0 authorization-code
// grant a plugin declares against a third-party provider (its manifest's
// third_party_oauth block), as distinct from the host's own OAuthStore
// issuer that authenticates MCP callers. The plugin container never holds
// the provider's client secret: the host performs the redirect and token
// exchange and hands the plugin only the resulting access/refresh tokens.
package oauthclient

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/oauthstore"
)

// Broker builds per-plugin oauth2.Config values from manifest declarations
// and tracks in-flight authorization-code state.
type Broker struct {
	mu      sync.Mutex
	pending map[string]pendingAuth // state -> pending exchange
}

type pendingAuth struct {
	pluginID string
	config   oauth2.Config
	verifier string
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]pendingAuth)}
}

func configFor(pluginID, hostRedirectBase string, decl *manifest.PluginThirdPartyOAuth) (oauth2.Config, error) {
	if decl == nil {
		return oauth2.Config{}, nexuserr.Newf(nexuserr.InvalidManifest, "plugin %q declares no third_party_oauth block", pluginID)
	}
	redirectPath := decl.RedirectPath
	if redirectPath == "" {
		redirectPath = fmt.Sprintf("/oauth/callback/%s", pluginID)
	}
	return oauth2.Config{
		ClientID: decl.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  decl.AuthURL,
			TokenURL: decl.TokenURL,
		},
		RedirectURL: hostRedirectBase + redirectPath,
		Scopes:      decl.Scopes,
	}, nil
}

// AuthorizationURL starts an authorization-code grant for pluginID against
// its manifest-declared third-party provider, returning the URL the caller
// should be redirected to. A PKCE verifier is generated and held in memory
// keyed by the returned opaque state until ExchangeCode completes the
// round trip or the broker is discarded (a restarted host drops any
// in-flight third-party authorization, same as it drops live MCP sessions).
func (b *Broker) AuthorizationURL(pluginID, hostRedirectBase string, decl *manifest.PluginThirdPartyOAuth) (string, error) {
	cfg, err := configFor(pluginID, hostRedirectBase, decl)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	state, err := oauthstore.GenerateState()
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.RuntimeOther, "generating oauth state", err)
	}

	b.mu.Lock()
	b.pending[state] = pendingAuth{pluginID: pluginID, config: cfg, verifier: verifier}
	b.mu.Unlock()

	url := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return url, nil
}

// ExchangeCode completes the grant for the state returned to the
// redirect URI, exchanging code for a token at the provider's token
// endpoint. The pending entry is consumed whether or not the exchange
// succeeds.
func (b *Broker) ExchangeCode(ctx context.Context, state, code string) (pluginID string, token *oauth2.Token, err error) {
	b.mu.Lock()
	pending, ok := b.pending[state]
	delete(b.pending, state)
	b.mu.Unlock()
	if !ok {
		return "", nil, nexuserr.Newf(nexuserr.Protocol, "unknown or expired oauth state")
	}

	token, err = pending.config.Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return pending.pluginID, nil, nexuserr.Wrap(nexuserr.RuntimeOther, "exchanging third-party authorization code", err)
	}
	return pending.pluginID, token, nil
}

// TokenSource wraps an existing token in an oauth2.TokenSource that
// refreshes it automatically against the provider's token endpoint when it
// expires, using the same per-plugin config the original grant was issued
// under.
func (b *Broker) TokenSource(ctx context.Context, pluginID, hostRedirectBase string, decl *manifest.PluginThirdPartyOAuth, token *oauth2.Token) (oauth2.TokenSource, error) {
	cfg, err := configFor(pluginID, hostRedirectBase, decl)
	if err != nil {
		return nil, err
	}
	return cfg.TokenSource(ctx, token), nil
}
