package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/runtime/memdriver"
	"github.com/nexusd/nexus/internal/store"
)

func testManifest(id, image string) *manifest.PluginManifest {
	return &manifest.PluginManifest{
		ID:      id,
		Name:    "Test Plugin",
		Version: "1.0.0",
		Image:   image,
		UI:      &manifest.PluginUI{Port: 8080, Path: "/"},
		MCP: &manifest.PluginMCP{
			Tools: []manifest.PluginMCPTool{{Name: "do-thing", InputSchema: map[string]any{"type": "object"}}},
		},
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *memdriver.Driver) {
	t.Helper()
	dir := t.TempDir()

	driver := memdriver.New()
	storage, err := OpenStorage(dir)
	require.NoError(t, err)
	perms, err := permission.NewService(dir)
	require.NoError(t, err)
	oauth, err := oauthstore.Open(dir)
	require.NoError(t, err)
	mcpSettings, err := store.OpenMcpSettings(dir)
	require.NoError(t, err)

	sp := New(dir, driver, storage, perms, oauth, mcpSettings, nil, Settings{}, "1.0.0")
	return sp, driver
}

func TestInstallAllocatesPortAndCreatesContainer(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()

	m := testManifest("com.test.alpha", "alpha:latest")
	p, err := sp.Install(ctx, m, []permission.Permission{{Kind: permission.FilesystemRead}}, nil, "https://example.com/alpha.json", "")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, p.Status)
	require.NotZero(t, p.AssignedPort)
	require.NotEmpty(t, p.ContainerID)
	require.NotEmpty(t, p.OAuthClientID)
	require.Equal(t, "example.com", p.ManifestURLOrigin)

	_, err = driver.Inspect(ctx, p.ContainerID)
	require.NoError(t, err)

	scopes, ok := sp.permissions.GetApprovedScopes("com.test.alpha", permission.Permission{Kind: permission.FilesystemRead})
	require.True(t, ok)
	require.NotNil(t, scopes)
	require.Empty(t, *scopes)
}

func TestInstallDigestMismatchFails(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()
	driver.SeedImage("alpha:latest", "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	m := testManifest("com.test.alpha", "alpha:latest")
	m.ImageDigest = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	_, err := sp.Install(ctx, m, nil, nil, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "digest mismatch")
}

func TestStartStopLifecycle(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()

	m := testManifest("com.test.beta", "beta:latest")
	installed, err := sp.Install(ctx, m, nil, nil, "", "")
	require.NoError(t, err)

	started, err := sp.Start(ctx, installed.Manifest.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, started.Status)
	require.NotEqual(t, installed.ContainerID, started.ContainerID, "start recreates the container")

	info, err := driver.Inspect(ctx, started.ContainerID)
	require.NoError(t, err)
	require.Equal(t, "running", string(info.State))

	stopped, err := sp.Stop(ctx, "com.test.beta")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, stopped.Status)

	_, valid := sp.oauth.ValidateAccessToken("anything")
	require.False(t, valid)
}

func TestTwoInstallsNeverCollideOnPort(t *testing.T) {
	sp, _ := newTestSupervisor(t)
	ctx := context.Background()

	a, err := sp.Install(ctx, testManifest("com.test.a", "a:latest"), nil, nil, "", "")
	require.NoError(t, err)
	b, err := sp.Install(ctx, testManifest("com.test.b", "b:latest"), nil, nil, "", "")
	require.NoError(t, err)

	require.NotEqual(t, a.AssignedPort, b.AssignedPort)
}

func TestRemoveCleansUpEverything(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()

	m := testManifest("com.test.gamma", "gamma:latest")
	installed, err := sp.Install(ctx, m, nil, nil, "", "")
	require.NoError(t, err)

	require.NoError(t, sp.Remove(ctx, "com.test.gamma"))

	_, ok := sp.storage.Get("com.test.gamma")
	require.False(t, ok)
	_, err = driver.Inspect(ctx, installed.ContainerID)
	require.Error(t, err)
	_, ok = sp.oauth.GetClientByPluginID("com.test.gamma")
	require.False(t, ok)
}

func TestUpdateRejectsDigestDowngrade(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()

	m := testManifest("com.test.delta", "delta:latest")
	m.ImageDigest = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	driver.SeedImage("delta:latest", m.ImageDigest)
	_, err := sp.Install(ctx, m, nil, nil, "", "")
	require.NoError(t, err)

	downgraded := testManifest("com.test.delta", "delta:latest")
	_, err = sp.Update(ctx, downgraded, "")
	require.Error(t, err)
}

func TestUpdatePreservesPortAndRestartsIfRunning(t *testing.T) {
	sp, driver := newTestSupervisor(t)
	ctx := context.Background()

	m := testManifest("com.test.epsilon", "epsilon:latest")
	installed, err := sp.Install(ctx, m, nil, nil, "", "")
	require.NoError(t, err)
	_, err = sp.Start(ctx, "com.test.epsilon")
	require.NoError(t, err)

	updatedManifest := testManifest("com.test.epsilon", "epsilon:v2")
	updated, err := sp.Update(ctx, updatedManifest, "")
	require.NoError(t, err)

	require.Equal(t, installed.AssignedPort, updated.AssignedPort)
	require.Equal(t, StatusRunning, updated.Status)

	info, err := driver.Inspect(ctx, updated.ContainerID)
	require.NoError(t, err)
	require.Equal(t, "running", string(info.State))
}
