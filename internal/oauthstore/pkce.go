package oauthstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// GenerateCodeVerifier returns a PKCE code_verifier: 96 random bytes,
// base64url-no-pad encoded (128 characters).
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 96)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateS256Challenge computes the S256 code_challenge for verifier.
func GenerateS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks verifier against the stored S256 challenge. RFC 7636
// §4.1 bounds the verifier length to [43, 128] before any hashing occurs.
func VerifyPKCE(verifier, challenge string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	computed := GenerateS256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GenerateState returns a random opaque state parameter.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeRedirectURI rewrites localhost to 127.0.0.1 and strips any
// fragment, per RFC 6749 §3.1.2. Falls back to the original string
// unchanged if it doesn't parse as a URL.
func NormalizeRedirectURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Hostname() == "localhost" {
		host := "127.0.0.1"
		if p := u.Port(); p != "" {
			host = host + ":" + p
		}
		u.Host = host
	}
	u.Fragment = ""
	return u.String()
}

// HashClientSecret hashes a plugin client secret with plain SHA-256 and
// base64url-no-pad encoding (not a slow KDF — secrets here are
// high-entropy, randomly generated, not user-chosen passwords).
func HashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyClientSecret constant-time compares secret against its stored hash.
func VerifyClientSecret(secret, storedHash string) bool {
	computed := HashClientSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// GenerateClientSecret returns a fresh random plugin client secret.
func GenerateClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateClientID returns a fresh random client id.
func GenerateClientID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client id: %w", err)
	}
	return prefix + "_" + strings.ToLower(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// GenerateToken returns a fresh random bearer/refresh token value.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
