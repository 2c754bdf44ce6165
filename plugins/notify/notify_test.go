package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
)

func TestOnLoadRequiresWebhookURL(t *testing.T) {
	p := &Plugin{}
	err := p.OnLoad(pluginhostContextWithConfig(t, config{}))
	assert.Error(t, err)
}

func TestPostSendsWebhookOnSessionFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Plugin{}
	require.NoError(t, p.OnLoad(pluginhostContextWithConfig(t, config{WebhookURL: srv.URL, OnFailure: true})))

	payload, _ := json.Marshal(sessionStateChangedPayload{SessionID: "sess-1", State: "Failed", Reason: "boom"})
	p.OnEvent(eventlog.Event{Kind: eventlog.KindSessionStateChanged, Payload: payload})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPostIgnoresCompletedWhenNotConfigured(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := &Plugin{}
	require.NoError(t, p.OnLoad(pluginhostContextWithConfig(t, config{WebhookURL: srv.URL})))

	payload, _ := json.Marshal(sessionStateChangedPayload{SessionID: "sess-1", State: "Completed"})
	p.OnEvent(eventlog.Event{Kind: eventlog.KindSessionStateChanged, Payload: payload})

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&hits))
}

func TestRateLimitStopsAfterConfiguredCount(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := &Plugin{}
	require.NoError(t, p.OnLoad(pluginhostContextWithConfig(t, config{WebhookURL: srv.URL, OnFailure: true, RateLimit: 1})))

	payload, _ := json.Marshal(sessionStateChangedPayload{SessionID: "sess-1", State: "Failed"})
	p.OnEvent(eventlog.Event{Kind: eventlog.KindSessionStateChanged, Payload: payload})
	p.OnEvent(eventlog.Event{Kind: eventlog.KindSessionStateChanged, Payload: payload})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

// pluginhostContextWithConfig builds a *pluginhost.Context carrying cfg as
// its JSON config block, using the package's exported construction path
// (Context fields are private, so this goes through
// pluginhost.NewTestContext, which needs no loaded Host).
func pluginhostContextWithConfig(t *testing.T, cfg config) *pluginhost.Context {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return pluginhost.NewTestContext(raw)
}
