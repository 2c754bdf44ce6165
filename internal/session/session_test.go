package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsInStartingStateUnowned(t *testing.T) {
	s := New("sess-1", "", "/tmp", []string{"claude"})
	assert.Equal(t, StateStarting, s.State())
	assert.Equal(t, "", s.Owner())
	assert.Empty(t, s.Subscribers())
}

func TestSetOwnerClearsOrphanClockOnReclaim(t *testing.T) {
	s := New("sess-1", "", "/tmp", nil)
	s.SetOwner("conn-a")
	assert.Equal(t, "conn-a", s.Owner())

	s.SetOwner("")
	assert.False(t, s.orphanEligibleForGC(time.Hour, time.Now()), "freshly orphaned session must not be GC-eligible before grace elapses")

	s.SetOwner("conn-b")
	assert.Equal(t, "conn-b", s.Owner())
}

func TestOrphanEligibleForGCRequiresNoSubscribersAndChildExited(t *testing.T) {
	s := New("sess-1", "", "/tmp", nil)
	s.AddSubscriber("conn-a")
	s.SetOwner("")
	s.MarkChildExited()

	past := time.Now().Add(-time.Hour)
	assert.False(t, s.orphanEligibleForGC(time.Minute, past), "must not GC while a subscriber remains")

	s.RemoveSubscriber("conn-a")
	assert.False(t, s.orphanEligibleForGC(time.Minute, time.Now()), "must not GC before the grace period elapses")

	later := time.Now().Add(2 * time.Minute)
	assert.True(t, s.orphanEligibleForGC(time.Minute, later))
}

func TestOrphanNotEligibleIfChildStillRunning(t *testing.T) {
	s := New("sess-1", "", "/tmp", nil)
	s.SetOwner("")
	later := time.Now().Add(time.Hour)
	assert.False(t, s.orphanEligibleForGC(time.Minute, later), "an orphaned session must not be reaped while its child process is still alive")
}

func TestSetStateRecordsFailReasonOnlyForFailed(t *testing.T) {
	s := New("sess-1", "", "/tmp", nil)
	s.SetState(StateCompleted, "ignored")
	assert.Empty(t, s.FailReason())

	s.SetState(StateFailed, "spawn: exec: no such file")
	assert.Equal(t, "spawn: exec: no such file", s.FailReason())
	assert.True(t, s.State().Terminal())
}

func TestRegistryAddGetListRemove(t *testing.T) {
	r := NewRegistry(nil)
	s := New("sess-1", "label", "/tmp", []string{"claude"})
	r.Add(s)

	got, ok := r.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, s, got)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].ID)

	r.Remove("sess-1")
	_, ok = r.Get("sess-1")
	assert.False(t, ok)
}

func TestRegistryMustGetUnknownSessionReturnsAppError(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.MustGet("does-not-exist")
	require.Error(t, err)
}
