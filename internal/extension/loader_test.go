package extension

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/manifest"
)

func writeSignedFixtureManifest(t *testing.T, binPath string) *manifest.ExtensionManifest {
	t.Helper()
	binData, err := os.ReadFile(binPath)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sum := sha256.Sum256(binData)
	sig := ed25519.Sign(priv, sum[:])

	return &manifest.ExtensionManifest{
		ID:              "com.test.loaderext",
		DisplayName:     "Loader Test Extension",
		Version:         "1.0.0",
		AuthorPublicKey: hex.EncodeToString(pub),
		Operations: []manifest.OperationDef{
			{Name: "echo", RiskLevel: manifest.RiskLow},
		},
		Binaries: map[string]manifest.ExtensionBinary{
			platformKey(): {
				URL:       "file://" + binPath,
				SHA256:    hex.EncodeToString(sum[:]),
				Signature: base64.StdEncoding.EncodeToString(sig),
			},
		},
	}
}

func TestLoaderInstallEnableDisableRemove(t *testing.T) {
	bin := buildEchoExt(t)
	dataDir := t.TempDir()

	registry := NewRegistry()
	trusted, err := OpenTrustedKeys(dataDir)
	require.NoError(t, err)
	bus := event.NewBus()

	loader, err := NewLoader(dataDir, registry, trusted, bus, "1.0.0")
	require.NoError(t, err)

	m := writeSignedFixtureManifest(t, bin)
	require.NoError(t, loader.Install(m, ""))

	rec, ok := loader.Get(m.ID)
	require.True(t, ok)
	require.False(t, rec.Enabled)

	require.NoError(t, loader.Enable(context.Background(), m.ID))
	rec, _ = loader.Get(m.ID)
	require.True(t, rec.Enabled)

	_, ok = registry.Get(m.ID)
	require.True(t, ok)

	require.NoError(t, loader.Disable(m.ID))
	rec, _ = loader.Get(m.ID)
	require.False(t, rec.Enabled)

	require.NoError(t, loader.Remove(m.ID))
	_, ok = loader.Get(m.ID)
	require.False(t, ok)
}

func TestLoaderRejectsDigestMismatch(t *testing.T) {
	bin := buildEchoExt(t)
	dataDir := t.TempDir()
	registry := NewRegistry()
	trusted, err := OpenTrustedKeys(dataDir)
	require.NoError(t, err)

	loader, err := NewLoader(dataDir, registry, trusted, event.NewBus(), "1.0.0")
	require.NoError(t, err)

	// Serve the binary over HTTP: local file:// sources skip verification.
	data, err := os.ReadFile(bin)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	m := writeSignedFixtureManifest(t, bin)
	b := m.Binaries[platformKey()]
	b.URL = srv.URL + "/echoext"
	b.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	m.Binaries[platformKey()] = b

	err = loader.Install(m, "")
	require.Error(t, err)
}

func TestLoaderTOFUChangedKeyStillInstalls(t *testing.T) {
	bin := buildEchoExt(t)
	dataDir := t.TempDir()
	registry := NewRegistry()
	trusted, err := OpenTrustedKeys(dataDir)
	require.NoError(t, err)
	require.NoError(t, trusted.Trust("com.test.loaderext", "some-other-key"))

	loader, err := NewLoader(dataDir, registry, trusted, event.NewBus(), "1.0.0")
	require.NoError(t, err)

	m := writeSignedFixtureManifest(t, bin)
	require.NoError(t, loader.Install(m, ""))

	require.Equal(t, KeyChanged, trusted.Check(m.ID, "some-other-key-probe"))
}

func TestLoaderInstallLocalSkipsVerification(t *testing.T) {
	bin := buildEchoExt(t)
	dataDir := t.TempDir()
	registry := NewRegistry()
	trusted, err := OpenTrustedKeys(dataDir)
	require.NoError(t, err)
	loader, err := NewLoader(dataDir, registry, trusted, event.NewBus(), "1.0.0")
	require.NoError(t, err)

	manifestDir := t.TempDir()
	relBin := "echoext-local"
	if runtime.GOOS == "windows" {
		relBin += ".exe"
	}
	data, err := os.ReadFile(bin)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(manifestDir, relBin), data, 0o755))

	m := &manifest.ExtensionManifest{
		ID:              "com.test.locals",
		DisplayName:     "Local Dev Extension",
		Version:         "0.0.1",
		AuthorPublicKey: "dev-key",
		Operations: []manifest.OperationDef{
			{Name: "echo", RiskLevel: manifest.RiskLow},
		},
		Binaries: map[string]manifest.ExtensionBinary{
			platformKey(): {URL: relBin, SHA256: "unused", Signature: "unused"},
		},
	}
	manifestPath := filepath.Join(manifestDir, "manifest.json")
	mdata, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, mdata, 0o644))

	require.NoError(t, loader.InstallLocal(manifestPath))
	rec, ok := loader.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, filepath.Join(manifestDir, relBin), rec.BinaryPath)
}
