package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/hookreceiver"
	"github.com/relaybroker/relaybroker/internal/permission"
	"github.com/relaybroker/relaybroker/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T) (*gin.Engine, *API, eventlog.Log, *session.Registry) {
	t.Helper()
	log := eventlog.New()
	registry := session.NewRegistry(nil)
	permissions := permission.NewTracker(log)
	api := New(log, registry, permissions, "test-vapid-key")

	r := gin.New()
	api.RegisterRoutes(r, nil)
	return r, api, log, registry
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListSessionsReturnsEmptyWhenNoneRegistered(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body["sessions"])
}

func TestGetSessionReturns404ForUnknownID(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodGet, "/api/sessions/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSessionReturnsSnapshot(t *testing.T) {
	r, _, _, registry := newTestAPI(t)
	registry.Add(session.New("sess-1", "test", "/tmp", []string{"/bin/cat"}))

	w := doJSON(r, http.MethodGet, "/api/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "sess-1", snap.ID)
}

func TestPostInputPublishesUserInputEvent(t *testing.T) {
	r, _, log, registry := newTestAPI(t)
	registry.Add(session.New("sess-1", "test", "/tmp", []string{"/bin/cat"}))

	sub, err := log.Subscribe(eventlog.SessionPartition("sess-1"), 0, 8)
	require.NoError(t, err)
	defer sub.Close()

	w := doJSON(r, http.MethodPost, "/api/sessions/sess-1/input", inputRequest{Bytes: []byte("hi"), SourceTag: "Web"})
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, eventlog.KindUserInput, ev.Kind)
		assert.Equal(t, []byte("hi"), ev.Payload)
		assert.Equal(t, eventlog.SourceWeb, ev.InputSource)
	case <-time.After(time.Second):
		t.Fatal("expected UserInput event")
	}
}

func TestPostInputUnknownSessionReturns404(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodPost, "/api/sessions/no-such-id/input", inputRequest{Bytes: []byte("hi")})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostPermissionPublishesRunningStateForTrackedInvocation(t *testing.T) {
	r, _, log, _ := newTestAPI(t)

	sub, err := log.Subscribe(eventlog.SessionPartition("sess-1"), 0, 8)
	require.NoError(t, err)
	defer sub.Close()

	hooks := hookreceiver.New(log, 50*time.Millisecond)
	hooks.Handle(hookreceiver.TypePermissionNeeded, "sess-1", json.RawMessage(`{}`))

	invocationID := waitForInvocationID(t, sub)

	w := doJSON(r, http.MethodPost, "/api/sessions/sess-1/permission", permissionRequest{
		InvocationID: invocationID,
		Payload:      json.RawMessage(`{"allow":true}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["delivered"])

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events:
			if ev.Kind != eventlog.KindSessionStateChanged {
				continue
			}
			var payload struct {
				State string `json:"state"`
			}
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
			assert.Equal(t, "Running", payload.State)
			return
		case <-deadline:
			t.Fatal("expected SessionStateChanged(Running) after permission decision")
		}
	}
}

func TestPostPermissionUnknownInvocationReturns404(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodPost, "/api/sessions/sess-1/permission", permissionRequest{
		InvocationID: "no-such-invocation",
		Payload:      json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostPermissionMissingInvocationIDIsBadRequest(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodPost, "/api/sessions/sess-1/permission", permissionRequest{Payload: json.RawMessage(`{}`)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetVapidKeyReturnsConfiguredKey(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodGet, "/api/push/vapid-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "test-vapid-key", body["vapid_public_key"])
}

func TestPushSubscribeAndDeleteRoundTrip(t *testing.T) {
	r, api, _, _ := newTestAPI(t)

	req := pushSubscribeRequest{Endpoint: "https://push.example/abc"}
	req.Keys.P256dh = "p256dh-key"
	req.Keys.Auth = "auth-key"

	w := doJSON(r, http.MethodPost, "/api/push/subscribe", req)
	require.Equal(t, http.StatusCreated, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	id := body["id"]
	require.NotEmpty(t, id)
	assert.Len(t, api.push.List(), 1)

	w2 := doJSON(r, http.MethodDelete, "/api/push/subscribe/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w2.Code)
	assert.Empty(t, api.push.List())
}

func TestPushSubscribeRejectsMissingEndpoint(t *testing.T) {
	r, _, _, _ := newTestAPI(t)
	w := doJSON(r, http.MethodPost, "/api/push/subscribe", pushSubscribeRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// waitForInvocationID reads the Hook event Handle just published off sub
// and returns its invocation id. The permission.Tracker under test learns
// the same invocation-id/session-id correlation asynchronously from its
// own firehose subscription, so callers must give it a moment before
// posting a decision for the id returned here.
func waitForInvocationID(t *testing.T, sub *eventlog.Subscription) string {
	t.Helper()
	select {
	case ev := <-sub.Events:
		require.Equal(t, eventlog.KindHook, ev.Kind)
		var decoded struct {
			InvocationID string `json:"invocation_id"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
		time.Sleep(20 * time.Millisecond)
		return decoded.InvocationID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Hook event")
		return ""
	}
}
