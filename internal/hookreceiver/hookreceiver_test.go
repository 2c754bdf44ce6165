package hookreceiver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
)

func TestFireAndForgetHookPublishesAndReturnsImmediately(t *testing.T) {
	log := eventlog.New()
	r := New(log, time.Second)
	partition := eventlog.SessionPartition("sess-1")

	sub, err := log.Subscribe(partition, 0, 8)
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	resp := r.Handle(TypeStop, "sess-1", json.RawMessage(`{"reason":"done"}`))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "fire-and-forget hooks must not wait")
	assert.JSONEq(t, `{}`, string(resp))

	select {
	case ev := <-sub.Events:
		assert.Equal(t, eventlog.KindHook, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a Hook event to be published")
	}
}

func TestResponseCapableHookWaitsForRespond(t *testing.T) {
	log := eventlog.New()
	r := New(log, 2*time.Second)
	partition := eventlog.GlobalPartition

	sub, err := log.Subscribe(partition, 0, 8)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan json.RawMessage, 1)
	go func() {
		done <- r.Handle(TypeUserPromptSubmitted, "", json.RawMessage(`{"prompt":"hi"}`))
	}()

	var invocationID string
	select {
	case ev := <-sub.Events:
		var body struct {
			InvocationID string `json:"invocation_id"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &body))
		invocationID = body.InvocationID
	case <-time.After(time.Second):
		t.Fatal("expected Hook event before response wait completes")
	}

	delivered := r.Respond(invocationID, json.RawMessage(`{"allow":true}`))
	assert.True(t, delivered)

	select {
	case resp := <-done:
		assert.JSONEq(t, `{"allow":true}`, string(resp))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Handle to return")
	}
}

func TestResponseCapableHookTimesOutToEmptyResponse(t *testing.T) {
	log := eventlog.New()
	r := New(log, 20*time.Millisecond)

	resp := r.Handle(TypeSessionStarted, "sess-1", json.RawMessage(`{}`))
	assert.JSONEq(t, `{}`, string(resp))
}

func TestRespondWithNoWaiterReturnsFalse(t *testing.T) {
	log := eventlog.New()
	r := New(log, time.Second)
	assert.False(t, r.Respond("no-such-invocation", json.RawMessage(`{}`)))
}
