package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkAppendAndQuery(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, Options{QueueSize: 16, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer sink.Close()

	subj := "com.test.lifecycle"
	sink.Append(Entry{Actor: ActorSystem, Severity: SeverityInfo, Action: "plugin.install", Subject: &subj, Result: ResultSuccess})
	sink.Append(Entry{Actor: ActorUser, Severity: SeverityWarn, Action: "plugin.scope_denied", Subject: &subj, Result: ResultFailure})

	require.Eventually(t, func() bool {
		entries, err := sink.Query(context.Background(), Filter{Subject: subj})
		return err == nil && len(entries) == 2
	}, time.Second, 10*time.Millisecond)

	entries, err := sink.Query(context.Background(), Filter{Action: "plugin.install"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ResultSuccess, entries[0].Result)
}

func TestSinkCleanupOld(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, Options{QueueSize: 16, FlushInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer sink.Close()

	old := time.Now().Add(-48 * time.Hour).Unix()
	sink.Append(Entry{Timestamp: old, Actor: ActorSystem, Severity: SeverityInfo, Action: "old.event", Result: ResultSuccess})

	require.Eventually(t, func() bool {
		entries, err := sink.Query(context.Background(), Filter{})
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	removed, err := sink.CleanupOld(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}
