package extension

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/manifest"
)

// buildEchoExt compiles the testdata echo extension once per test run.
func buildEchoExt(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	binPath := filepath.Join(dir, "echoext")
	if os.PathSeparator == '\\' {
		binPath += ".exe"
	}
	cmd := exec.Command("go", "build", "-o", binPath, "./testdata/echoext")
	cmd.Dir = "."
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "building echoext fixture: %s", string(out))
	return binPath
}

func testManifest(id string) *manifest.ExtensionManifest {
	return &manifest.ExtensionManifest{
		ID:              id,
		DisplayName:     "Echo Extension",
		Version:         "1.0.0",
		AuthorPublicKey: "test-key",
		Operations: []manifest.OperationDef{
			{Name: "echo", RiskLevel: manifest.RiskLow},
		},
	}
}

func TestProcessStartExecuteStop(t *testing.T) {
	bin := buildEchoExt(t)
	proc := NewProcess(testManifest("com.test.echo"), bin, "", t.TempDir())

	require.NoError(t, proc.Start(context.Background(), "1.0.0"))
	defer proc.Stop()

	require.True(t, proc.IsRunning())

	result, err := proc.Execute("echo", map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, proc.Stop())
}

func TestProcessCallExtensionIPC(t *testing.T) {
	bin := buildEchoExt(t)
	registry := NewRegistry()

	procA := NewProcess(testManifest("com.test.a"), bin, "", t.TempDir())
	require.NoError(t, procA.Start(context.Background(), "1.0.0"))
	defer procA.Stop()
	registry.Register(procA)

	procB := NewProcess(testManifest("com.test.b"), bin, "", t.TempDir())
	require.NoError(t, procB.Start(context.Background(), "1.0.0"))
	defer procB.Stop()
	registry.Register(procB)

	list := registry.ListExtensions()
	require.Len(t, list, 2)

	result, err := registry.Call("com.test.a", "com.test.b", "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = registry.Call("com.test.a", "com.test.a", "echo", nil)
	require.Error(t, err)
}

func TestProcessStartWithLaunchArgs(t *testing.T) {
	bin := buildEchoExt(t)
	proc := NewProcess(testManifest("com.test.launchargs"), bin, "--quiet --mode=echo", t.TempDir())

	require.NoError(t, proc.Start(context.Background(), "1.0.0"))
	defer proc.Stop()
	require.True(t, proc.IsRunning())
}

func TestProcessStartRejectsUnbalancedLaunchArgs(t *testing.T) {
	bin := buildEchoExt(t)
	proc := NewProcess(testManifest("com.test.badargs"), bin, `--flag="unterminated`, t.TempDir())

	err := proc.Start(context.Background(), "1.0.0")
	require.Error(t, err)
}

func TestProcessEventBusWiring(t *testing.T) {
	bin := buildEchoExt(t)
	bus := event.NewBus()

	proc := NewProcess(testManifest("com.test.events"), bin, "", t.TempDir())
	proc.SetBus(bus)
	require.NoError(t, proc.Start(context.Background(), "1.0.0"))
	defer proc.Stop()

	bus.Publish(event.PublishRequest{Type: "ping"}.IntoCloudEvent("nexus://host"))
}
