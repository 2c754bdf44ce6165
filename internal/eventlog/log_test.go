package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicOffsets(t *testing.T) {
	l := New()
	partition := SessionPartition("s1")

	e1, err := l.Append(partition, KindUserInput, []byte("hello"))
	require.NoError(t, err)
	e2, err := l.Append(partition, KindUserInput, []byte("world"))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e1.Offset)
	assert.Equal(t, uint64(1), e2.Offset)
	assert.NotEqual(t, e1.EventID, e2.EventID)
	assert.True(t, e1.EventID < e2.EventID, "UUIDv7 event-ids must sort time-ordered")
}

func TestSubscribeFromZeroReplaysThenGoesLive(t *testing.T) {
	l := New()
	partition := SessionPartition("s1")

	_, err := l.Append(partition, KindUserInput, []byte("before"))
	require.NoError(t, err)

	sub, err := l.Subscribe(partition, 0, 16)
	require.NoError(t, err)
	defer sub.Close()

	first := requireEvent(t, sub)
	assert.Equal(t, []byte("before"), first.Payload)

	_, err = l.Append(partition, KindUserInput, []byte("after"))
	require.NoError(t, err)

	second := requireEvent(t, sub)
	assert.Equal(t, []byte("after"), second.Payload)
	assert.Equal(t, first.Offset+1, second.Offset)
}

func TestTwoSubscribersObserveIdenticalOrder(t *testing.T) {
	l := New()
	partition := SessionPartition("s1")

	subA, err := l.Subscribe(partition, 0, 16)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := l.Subscribe(partition, 0, 16)
	require.NoError(t, err)
	defer subB.Close()

	payloads := []string{"hello\n", "world\n"}
	for _, p := range payloads {
		_, err := l.Append(partition, KindPtyOutput, []byte(p))
		require.NoError(t, err)
	}

	for _, want := range payloads {
		a := requireEvent(t, subA)
		b := requireEvent(t, subB)
		assert.Equal(t, []byte(want), a.Payload)
		assert.Equal(t, a.Offset, b.Offset)
		assert.Equal(t, a.EventID, b.EventID)
	}
}

func TestGetRangeReturnsOldestFirstWithCursor(t *testing.T) {
	l := New()
	partition := SessionPartition("s1")

	for i := 0; i < 5; i++ {
		_, err := l.Append(partition, KindPtyOutput, []byte{byte(i)})
		require.NoError(t, err)
	}

	page, hasMore, err := l.GetRange(partition, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Offset)
	assert.Equal(t, uint64(4), page[1].Offset)
	assert.True(t, hasMore)

	cursor := page[0].EventID
	olderPage, hasMoreOlder, err := l.GetRange(partition, &cursor, 10)
	require.NoError(t, err)
	require.Len(t, olderPage, 3)
	assert.False(t, hasMoreOlder)
	for _, ev := range olderPage {
		assert.True(t, ev.EventID < cursor)
	}
}

func TestGetRangeEmptyPartitionReturnsEmptyBatch(t *testing.T) {
	l := New()
	page, hasMore, err := l.GetRange(SessionPartition("unknown"), nil, 50)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.False(t, hasMore)
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	l := New()
	partition := SessionPartition("s1")

	sub, err := l.Subscribe(partition, 0, 1)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append(partition, KindPtyOutput, []byte{byte(i)})
		require.NoError(t, err)
	}

	select {
	case <-sub.Dropped:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be dropped for lag, append must never block on a slow consumer")
	}
}

func TestFirehoseSeesEventsAcrossPartitions(t *testing.T) {
	l := New()

	sub, err := l.SubscribeFirehose(16)
	require.NoError(t, err)
	defer sub.Close()

	_, err = l.Append(SessionPartition("s1"), KindUserInput, []byte("a"))
	require.NoError(t, err)
	_, err = l.Append(SessionPartition("s2"), KindUserInput, []byte("b"))
	require.NoError(t, err)
	_, err = l.Append(GlobalPartition, KindClientConnected, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		ev := requireEvent(t, sub)
		seen[ev.Partition] = true
	}
	assert.True(t, seen[SessionPartition("s1")])
	assert.True(t, seen[SessionPartition("s2")])
	assert.True(t, seen[GlobalPartition])
}

func TestGetFirehoseRangePagesAcrossPartitions(t *testing.T) {
	l := New()

	_, err := l.Append(SessionPartition("s1"), KindUserInput, []byte("a"))
	require.NoError(t, err)
	_, err = l.Append(SessionPartition("s2"), KindUserInput, []byte("b"))
	require.NoError(t, err)

	page, hasMore, err := l.GetFirehoseRange(nil, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 2)
}

func requireEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
