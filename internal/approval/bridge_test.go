package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestApprovalWithNoListenerDeniesImmediately(t *testing.T) {
	b := New()
	decision, err := b.RequestApproval(context.Background(), Request{Kind: KindRisk, Operation: "execute_command"})
	require.NoError(t, err)
	require.Equal(t, Deny, decision)
}

func TestRequestApprovalResolvedByListener(t *testing.T) {
	b := New()
	listener := b.Attach(1)

	go func() {
		req := <-listener
		require.Equal(t, "do-thing", req.Operation)
		b.Resolve(req.ID, Approve)
	}()

	decision, err := b.RequestApproval(context.Background(), Request{Kind: KindDeferredPermission, Operation: "do-thing"})
	require.NoError(t, err)
	require.Equal(t, Approve, decision)
}

func TestRequestApprovalTimesOutToDeny(t *testing.T) {
	b := New()
	b.SetTimeout(20 * time.Millisecond)
	b.Attach(1)

	decision, err := b.RequestApproval(context.Background(), Request{Kind: KindScope, Operation: "do-thing"})
	require.NoError(t, err)
	require.Equal(t, Deny, decision)
}

func TestDetachResolvesPendingToDeny(t *testing.T) {
	b := New()
	listener := b.Attach(1)

	resultCh := make(chan Decision, 1)
	go func() {
		d, err := b.RequestApproval(context.Background(), Request{Kind: KindRisk, Operation: "do-thing"})
		require.NoError(t, err)
		resultCh <- d
	}()

	<-listener
	b.Detach()

	select {
	case d := <-resultCh:
		require.Equal(t, Deny, d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for detach to resolve pending request")
	}
}

func TestAttachReplacesPriorListener(t *testing.T) {
	b := New()
	b.SetTimeout(20 * time.Millisecond)
	first := b.Attach(1)
	second := b.Attach(1)
	require.NotEqual(t, first, second)

	decision, err := b.RequestApproval(context.Background(), Request{Operation: "noop"})
	require.NoError(t, err)
	require.Equal(t, Deny, decision, "nothing reads the second listener, so the request times out")
	select {
	case <-first:
		t.Fatal("request should not reach the replaced listener")
	default:
	}
}
