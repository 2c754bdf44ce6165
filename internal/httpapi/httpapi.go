// Package httpapi implements the non-core HTTP surface from spec.md §6:
// a thin REST view over the session registry and PTY input for clients
// that don't want a WebSocket, the hook-permission decision endpoint, and
// a push-subscription registry. Per spec.md §1's Non-goals ("Web Push...
// specified here only as trust tags"; "Storage engines for... push
// subscriptions... specified only by the interface the broker exposes to
// plugins"), the push endpoints are intentionally the bare interface
// contract, not a VAPID-signing web-push client — delivering a push
// message is a plugin's job, reached through the same subscription
// registry this package exposes.
//
// Grounded in the teacher's Gin handler style throughout
// api/internal/handlers (typed request/response structs, gin.H error
// bodies, route groups), adapted from a multi-tenant REST API onto this
// single-broker's three concerns.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/ids"
	"github.com/relaybroker/relaybroker/internal/permission"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
	"github.com/relaybroker/relaybroker/internal/session"
)

// API wires the session registry, event log, and permission tracker into
// a Gin router group.
type API struct {
	log         eventlog.Log
	sessions    *session.Registry
	permissions *permission.Tracker
	push        *PushStore
	vapidKey    string
}

// New builds an API. vapidPublicKey may be empty if push is not
// configured for this deployment.
func New(log eventlog.Log, sessions *session.Registry, permissions *permission.Tracker, vapidPublicKey string) *API {
	return &API{
		log:         log,
		sessions:    sessions,
		permissions: permissions,
		push:        NewPushStore(),
		vapidKey:    vapidPublicKey,
	}
}

// RegisterRoutes mounts the /api surface, plus every Enabled plugin's
// declared routes under /api/plugins/:name.
func (a *API) RegisterRoutes(router gin.IRouter, plugins *pluginhost.Host) {
	router.GET("/api/sessions", a.listSessions)
	router.GET("/api/sessions/:id", a.getSession)
	router.POST("/api/sessions/:id/input", a.postInput)
	router.POST("/api/sessions/:id/permission", a.postPermission)

	router.GET("/api/push/vapid-key", a.getVapidKey)
	router.POST("/api/push/subscribe", a.postPushSubscribe)
	router.DELETE("/api/push/subscribe/:id", a.deletePushSubscribe)

	if plugins == nil {
		return
	}
	for _, route := range plugins.Routes() {
		mountPluginRoute(router, route)
	}
}

func mountPluginRoute(router gin.IRouter, route pluginhost.RouteSpec) {
	path := "/api/plugins" + route.Path
	handler := func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		status, resp := route.Handler(body)
		c.Data(status, "application/json", resp)
	}
	switch route.Method {
	case http.MethodGet:
		router.GET(path, handler)
	case http.MethodPost:
		router.POST(path, handler)
	case http.MethodPut:
		router.PUT(path, handler)
	case http.MethodDelete:
		router.DELETE(path, handler)
	default:
		router.POST(path, handler)
	}
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.sessions.List()})
}

func (a *API) getSession(c *gin.Context) {
	sess, ok := a.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "message": "no such session"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

type inputRequest struct {
	Bytes     []byte `json:"bytes"`
	SourceTag string `json:"source_tag,omitempty"`
}

func (a *API) postInput(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := a.sessions.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "message": "no such session"})
		return
	}

	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	source := eventlog.InputSource(req.SourceTag)
	if source == "" {
		source = eventlog.SourceSystem
	}
	if _, err := a.log.Append(eventlog.SessionPartition(sessionID), eventlog.KindUserInput, req.Bytes,
		eventlog.WithInputSource(source), eventlog.WithSourceSession(sessionID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to publish input"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type permissionRequest struct {
	InvocationID string          `json:"invocation_id"`
	Payload      json.RawMessage `json:"payload"`
}

// postPermission implements spec.md §3/§6's permission decision endpoint:
// a browser client answers a permission_needed prompt here. permission_needed
// is deliberately excluded from HookReceiver's response-capable hook types
// (spec.md §4.3 scopes those to "session started" and "user prompt
// submitted" only), so this does not round-trip through hookreceiver.Respond
// — it instead resolves the invocation against the permission.Tracker's own
// record of which session raised it, and publishes the session's exit from
// WaitingForPermission directly onto that session's partition.
func (a *API) postPermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if req.InvocationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invocation_id is required"})
		return
	}

	sessionID, ok := a.permissions.Resolve(req.InvocationID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_invocation", "message": "no pending permission request for this invocation_id"})
		return
	}

	statePayload, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		Reason    string `json:"reason,omitempty"`
	}{sessionID, string(session.StateRunning), string(req.Payload)})
	if _, err := a.log.Append(eventlog.SessionPartition(sessionID), eventlog.KindSessionStateChanged, statePayload, eventlog.WithSourceSession(sessionID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to publish permission decision"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

func (a *API) getVapidKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"vapid_public_key": a.vapidKey})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) postPushSubscribe(c *gin.Context) {
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "endpoint is required"})
		return
	}
	id := ids.New()
	a.push.Add(id, Subscription{Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth})
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *API) deletePushSubscribe(c *gin.Context) {
	a.push.Remove(c.Param("id"))
	c.Status(http.StatusNoContent)
}
