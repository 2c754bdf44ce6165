package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
)

func TestSweepOnceRemovesOnlyGCEligibleSessions(t *testing.T) {
	log := eventlog.New()
	reg := NewRegistry(nil)

	orphanedLongAgo := New("orphan-old", "", "/tmp", nil)
	orphanedLongAgo.MarkChildExited()
	orphanedLongAgo.SetOwner("")
	orphanedLongAgo.orphanedAt = time.Now().Add(-time.Hour)
	reg.Add(orphanedLongAgo)

	stillOwned := New("owned", "", "/tmp", nil)
	stillOwned.SetOwner("conn-a")
	reg.Add(stillOwned)

	recentlyOrphaned := New("orphan-recent", "", "/tmp", nil)
	recentlyOrphaned.MarkChildExited()
	recentlyOrphaned.SetOwner("")
	reg.Add(recentlyOrphaned)

	sweeper := NewSweeper(reg, log, time.Minute)
	sweeper.sweepOnce()

	_, ok := reg.Get("orphan-old")
	assert.False(t, ok, "long-orphaned session with exited child must be reaped")
	_, ok = reg.Get("owned")
	assert.True(t, ok, "owned session must never be reaped")
	_, ok = reg.Get("orphan-recent")
	assert.True(t, ok, "recently orphaned session must survive until grace elapses")
}

func TestSweepOnceAppendsSessionRemovedForReapedSession(t *testing.T) {
	log := eventlog.New()
	reg := NewRegistry(nil)

	sub, err := log.Subscribe(eventlog.GlobalPartition, 0, 16)
	require.NoError(t, err)
	defer sub.Close()

	s := New("orphan-old", "", "/tmp", nil)
	s.MarkChildExited()
	s.SetOwner("")
	s.orphanedAt = time.Now().Add(-time.Hour)
	reg.Add(s)

	sweeper := NewSweeper(reg, log, time.Minute)
	sweeper.sweepOnce()

	select {
	case ev := <-sub.Events:
		assert.Equal(t, eventlog.KindSessionRemoved, ev.Kind)
		assert.Equal(t, "orphan-old", ev.SourceSessionID)
	case <-time.After(time.Second):
		t.Fatal("expected a SessionRemoved event for the reaped session")
	}
}
