package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/permission"
)

// AuthContext is what step 1 of the pipeline resolves a request to.
type AuthContext struct {
	// PluginID is the bound plugin, set for a plugin OAuth token or a
	// session minted from one. Empty for the loopback API key (host-level
	// trust, no plugin binding).
	PluginID string
	// AuthorizationDetails are the token's RFC 9396 grants, used by the
	// permission-check step before falling back to the PermissionService.
	AuthorizationDetails []permission.AuthorizationDetail
	// SessionID is set when authentication passed through the session
	// cache rather than re-validating a bearer token.
	SessionID string
}

// challengeHeader builds the RFC 6750 WWW-Authenticate challenge. A missing
// token gets the bare discovery form; an invalid one gets error="invalid_token".
func challengeHeader(realm, resourceMetadataURL string, invalid bool) string {
	var b strings.Builder
	b.WriteString(`Bearer realm="`)
	b.WriteString(realm)
	b.WriteString(`"`)
	if resourceMetadataURL != "" {
		b.WriteString(`, resource_metadata="`)
		b.WriteString(resourceMetadataURL)
		b.WriteString(`"`)
	}
	if invalid {
		b.WriteString(`, error="invalid_token"`)
	}
	return b.String()
}

// isLoopback reports whether addr (a net.Conn/http.Request RemoteAddr-style
// host[:port] or bare host) names the loopback interface, accepting
// IPv4-mapped IPv6 loopback too.
func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// bearerToken extracts the token from an Authorization header, comparing
// the scheme name case-insensitively per RFC 7235 section 2.1.
func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// Authenticate resolves r's bearer credential: a cached session id, a
// loopback-only API key, or a plugin OAuth access token. Returns an error
// wrapping nexuserr.InvalidToken for every failure mode; the caller is
// responsible for translating that into the two distinct 401 responses
// (missing vs. invalid) using MissingCredential.
func (gw *Gateway) Authenticate(r *http.Request) (*AuthContext, error) {
	if sid := r.Header.Get("X-Nexus-Session"); sid != "" {
		if pluginID, ok := gw.sessions.lookup(sid); ok {
			return &AuthContext{PluginID: pluginID, SessionID: sid}, nil
		}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nexuserr.New(nexuserr.InvalidToken, missingCredentialMarker)
	}

	token, ok := bearerToken(header)
	if !ok {
		return nil, nexuserr.New(nexuserr.InvalidToken, "unsupported authorization scheme")
	}

	if strings.HasPrefix(token, apiKeyPrefix) {
		if token != gw.apiKey {
			return nil, nexuserr.New(nexuserr.InvalidToken, "unknown api key")
		}
		if !isLoopback(r.RemoteAddr) {
			return nil, nexuserr.New(nexuserr.InvalidToken, "api key rejected: not loopback")
		}
		return &AuthContext{}, nil
	}

	at, ok := gw.oauth.ValidateAccessToken(token)
	if !ok {
		return nil, nexuserr.New(nexuserr.InvalidToken, "invalid or expired access token")
	}
	ac := &AuthContext{PluginID: at.BoundPluginID, AuthorizationDetails: at.AuthorizationDetails}
	if ac.PluginID != "" {
		ac.SessionID = gw.sessions.create(ac.PluginID)
	}
	return ac, nil
}

// missingCredentialMarker distinguishes "no Authorization header at all"
// (pure discovery challenge) from every other authentication failure
// (error="invalid_token" challenge). It is never shown to a caller; compare
// with MissingCredential.
const missingCredentialMarker = "no credential presented"

// MissingCredential reports whether err is the "no Authorization header"
// case, which gets the bare discovery WWW-Authenticate challenge instead of
// error="invalid_token".
func MissingCredential(err error) bool {
	return err != nil && err.Error() == missingCredentialMarker
}

// ChallengeHeader is the exported form of challengeHeader, for HTTP
// handlers building the 401 response.
func ChallengeHeader(realm, resourceMetadataURL string, err error) string {
	return challengeHeader(realm, resourceMetadataURL, !MissingCredential(err))
}
