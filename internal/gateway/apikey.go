package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const apiKeyPrefix = "nxk_"

// apiKeyFile persists the host's single loopback API key so it survives a
// restart instead of invalidating every local automation script each time.
func apiKeyFile(dataDir string) string {
	return filepath.Join(dataDir, "api_key")
}

// loadOrCreateAPIKey reads the persisted loopback API key, generating and
// persisting one on first run.
func loadOrCreateAPIKey(dataDir string) (string, error) {
	path := apiKeyFile(dataDir)
	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if strings.HasPrefix(key, apiKeyPrefix) {
			return key, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading api key: %w", err)
	}

	key, err := generateAPIKey()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("persisting api key: %w", err)
	}
	return key, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
