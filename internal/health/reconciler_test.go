package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/plugin"
	"github.com/nexusd/nexus/internal/runtime"
	"github.com/nexusd/nexus/internal/runtime/memdriver"
)

type countingBumper struct{ n int }

func (b *countingBumper) BumpToolListVersion() { b.n++ }

func newTestStorage(t *testing.T) *plugin.Storage {
	t.Helper()
	s, err := plugin.OpenStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestReconcileRunningButContainerMissingBecomesError(t *testing.T) {
	storage := newTestStorage(t)
	driver := memdriver.New()
	bumper := &countingBumper{}
	r := New(driver, storage, nil, bumper)

	require.NoError(t, storage.Add(&plugin.Plugin{
		Manifest:    &manifest.PluginManifest{ID: "com.test.gone"},
		Status:      plugin.StatusRunning,
		ContainerID: "nonexistent",
	}))

	r.ReconcileOnce(context.Background())

	p, ok := storage.Get("com.test.gone")
	require.True(t, ok)
	require.Equal(t, plugin.StatusError, p.Status)
	require.Empty(t, p.ContainerID)
	require.Equal(t, 1, bumper.n)
}

func TestReconcileRunningButContainerStoppedBecomesStopped(t *testing.T) {
	storage := newTestStorage(t)
	driver := memdriver.New()
	r := New(driver, storage, nil, nil)
	ctx := context.Background()

	id, err := driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:   "nexus-com-test-sleepy",
		Image:  "sleepy:latest",
		Labels: map[string]string{"nexus.plugin.id": "com.test.sleepy"},
	})
	require.NoError(t, err)
	driver.SetContainerState(id, runtime.StateStopped)

	require.NoError(t, storage.Add(&plugin.Plugin{
		Manifest:    &manifest.PluginManifest{ID: "com.test.sleepy"},
		Status:      plugin.StatusRunning,
		ContainerID: id,
	}))

	r.ReconcileOnce(ctx)

	p, ok := storage.Get("com.test.sleepy")
	require.True(t, ok)
	require.Equal(t, plugin.StatusStopped, p.Status)
}

func TestReconcileStoppedButContainerRunningBecomesRunning(t *testing.T) {
	storage := newTestStorage(t)
	driver := memdriver.New()
	r := New(driver, storage, nil, nil)
	ctx := context.Background()

	id, err := driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:   "nexus-com-test-reborn",
		Image:  "reborn:latest",
		Labels: map[string]string{"nexus.plugin.id": "com.test.reborn"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.StartContainer(ctx, id))

	require.NoError(t, storage.Add(&plugin.Plugin{
		Manifest:    &manifest.PluginManifest{ID: "com.test.reborn"},
		Status:      plugin.StatusStopped,
		ContainerID: id,
	}))

	r.ReconcileOnce(ctx)

	p, ok := storage.Get("com.test.reborn")
	require.True(t, ok)
	require.Equal(t, plugin.StatusRunning, p.Status)
}

func TestReconcileNoChangeDoesNotBumpVersion(t *testing.T) {
	storage := newTestStorage(t)
	driver := memdriver.New()
	bumper := &countingBumper{}
	r := New(driver, storage, nil, bumper)
	ctx := context.Background()

	id, err := driver.CreateContainer(ctx, runtime.ContainerConfig{
		Name:   "nexus-com-test-steady",
		Image:  "steady:latest",
		Labels: map[string]string{"nexus.plugin.id": "com.test.steady"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.StartContainer(ctx, id))

	require.NoError(t, storage.Add(&plugin.Plugin{
		Manifest:    &manifest.PluginManifest{ID: "com.test.steady"},
		Status:      plugin.StatusRunning,
		ContainerID: id,
	}))

	r.ReconcileOnce(ctx)

	require.Equal(t, 0, bumper.n)
}
