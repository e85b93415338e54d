package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceGrantDeferActivateRevoke(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir)
	require.NoError(t, err)

	perm := Permission{Kind: FilesystemRead}

	require.NoError(t, svc.Defer("com.test.jit", perm, &[]string{}))
	state, ok := svc.GetState("com.test.jit", perm)
	require.True(t, ok)
	require.Equal(t, Deferred, state)
	require.False(t, svc.HasPermission("com.test.jit", perm))

	require.NoError(t, svc.Activate("com.test.jit", perm))
	require.True(t, svc.HasPermission("com.test.jit", perm))

	require.NoError(t, svc.AddApprovedScope("com.test.jit", perm, "/tmp/x"))
	scopes, ok := svc.GetApprovedScopes("com.test.jit", perm)
	require.True(t, ok)
	require.Equal(t, []string{"/tmp/x"}, *scopes)

	// Reload from disk: state must survive the atomic write.
	reloaded, err := NewService(dir)
	require.NoError(t, err)
	require.True(t, reloaded.HasPermission("com.test.jit", perm))

	require.NoError(t, svc.Revoke("com.test.jit", perm))
	require.False(t, svc.HasPermission("com.test.jit", perm))
}

func TestServiceAtMostOneGrantPerPair(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir)
	require.NoError(t, err)

	perm := Permission{Kind: NetworkInternet}
	require.NoError(t, svc.Grant("p1", perm, nil))
	require.NoError(t, svc.Grant("p1", perm, nil))
	require.Len(t, svc.GetGrants("p1"), 1)
}

func TestServiceRevokeAll(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir)
	require.NoError(t, err)

	require.NoError(t, svc.Grant("p1", Permission{Kind: SystemInfo}, nil))
	require.NoError(t, svc.Grant("p1", Permission{Kind: ProcessList}, nil))
	require.NoError(t, svc.RevokeAll("p1"))

	for _, g := range svc.GetGrants("p1") {
		require.Equal(t, Revoked, g.State)
	}
}
