package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/relaybroker/relaybroker/internal/auth"
	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/hookreceiver"
	"github.com/relaybroker/relaybroker/internal/logger"
	"github.com/relaybroker/relaybroker/internal/metrics"
	"github.com/relaybroker/relaybroker/internal/ptymanager"
	"github.com/relaybroker/relaybroker/internal/session"
)

// Config bounds Gateway behavior: per-connection queue depth, the late-
// joiner replay page size, and the default child command used when
// Attach creates a brand new session (spec.md §4.4's Attach message
// carries only session_id/name, so the argv/cwd of the spawned assistant
// is a broker-wide configuration choice, not a per-attach parameter —
// see DESIGN.md's Open Question decision).
type Config struct {
	SendQueueSize  int
	PageSize       int
	DefaultArgv    []string
	DefaultCwd     string

	// InputRatePerSecond/InputBurst bound the per-connection Input/Resize
	// message rate (SPEC_FULL.md §12), grounded in the teacher's
	// internal/middleware/ratelimit.go token-bucket limiter — one bucket
	// per connection here instead of per client IP, since a flooding
	// connection on an already-open socket is the threat, not a flood of
	// HTTP requests.
	InputRatePerSecond float64
	InputBurst         int
}

// Gateway is the WebSocket broker (spec.md §4.4).
type Gateway struct {
	log      eventlog.Log
	sessions *session.Registry
	ptyMgr   *ptymanager.Manager
	cfg      Config

	upgrader websocket.Upgrader
	drops    metrics.DropRecorder

	mu         sync.RWMutex
	conns      map[ConnID]*conn
	nextConnID uint64
}

// New builds a Gateway over the given shared components.
func New(log eventlog.Log, sessions *session.Registry, ptyMgr *ptymanager.Manager, cfg Config) *Gateway {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.DefaultCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DefaultCwd = home
		} else {
			cfg.DefaultCwd = "."
		}
	}
	if cfg.InputRatePerSecond <= 0 {
		cfg.InputRatePerSecond = 50
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = 100
	}
	return &Gateway{
		log:      log,
		sessions: sessions,
		ptyMgr:   ptyMgr,
		cfg:      cfg,
		conns:    make(map[ConnID]*conn),
		drops:    metrics.NoopRecorder{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetDropRecorder swaps in a DropRecorder for lag-induced disconnects
// (spec.md §5). Optional — a Gateway built via New already has a no-op
// recorder, so deployments without Redis configured pay nothing for this.
func (g *Gateway) SetDropRecorder(r metrics.DropRecorder) {
	g.drops = r
}

// ServeWS upgrades r to a WebSocket connection classified with authCtx
// and runs its protocol loop until it disconnects.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, authCtx auth.Context) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := ConnID(atomic.AddUint64(&g.nextConnID, 1))
	c := newConn(id, ws, authCtx, g, g.cfg.SendQueueSize)

	g.mu.Lock()
	g.conns[id] = c
	g.mu.Unlock()

	source := string(authCtx.Trust)
	c.enqueue(authContext(source, authCtx.Identity))

	g.publishClientConnection(eventlog.KindClientConnected, c.id)

	go c.writePump()
	c.readPump()
}

// FirehosePartition is the sentinel `partition` value a client passes to
// FetchOlder to page backward through the firehose feed instead of a
// single session's history (spec.md §6's /ws/firehose and /ws/assessment
// surfaces share this protocol).
const FirehosePartition = "firehose"

// ServeFirehose upgrades r to a WebSocket connection on the global,
// cross-session event feed (spec.md §6's /ws/firehose and /ws/assessment
// endpoints) — same accept/dispatch machinery as ServeWS, but the
// connection is immediately subscribed to every event on every
// partition, filtered per-connection by SetFilters.
func (g *Gateway) ServeFirehose(w http.ResponseWriter, r *http.Request, authCtx auth.Context) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("firehose websocket upgrade failed")
		return
	}

	id := ConnID(atomic.AddUint64(&g.nextConnID, 1))
	c := newConn(id, ws, authCtx, g, g.cfg.SendQueueSize)
	c.isFirehose = true

	g.mu.Lock()
	g.conns[id] = c
	g.mu.Unlock()

	c.enqueue(authContext(string(authCtx.Trust), authCtx.Identity))

	page, hasMore, err := g.log.GetFirehoseRange(nil, g.cfg.PageSize)
	if err != nil {
		logger.Gateway().Error().Err(err).Msg("failed to load firehose history")
	} else {
		wireEvents := make([]wireEvent, len(page))
		for i, ev := range page {
			wireEvents[i] = toWireEvent(ev)
		}
		oldestEventID := ""
		if len(page) > 0 {
			oldestEventID = page[0].EventID
		}
		c.enqueue(eventsBatchMsg(FirehosePartition, wireEvents, oldestEventID, hasMore))
	}

	sub, err := g.log.SubscribeFirehose(g.cfg.SendQueueSize)
	if err != nil {
		logger.Gateway().Error().Err(err).Msg("failed to open firehose subscription")
	} else {
		go g.forwardFirehoseEvents(c, sub)
	}

	go c.writePump()
	c.readPump()
}

func (g *Gateway) forwardFirehoseEvents(c *conn, sub *eventlog.Subscription) {
	defer sub.Close()
	for ev := range sub.Events {
		if !c.matchesFirehoseFilter(ev) {
			continue
		}
		c.enqueue(wireMsgForEvent(ev))
	}
}

// dispatch parses one client message and routes it by its type tag.
// Unknown tags are rejected with a protocol error rather than silently
// ignored (spec.md §9's "exhaustive matching at the boundary").
func (g *Gateway) dispatch(c *conn, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(errorMsg("bad_request", "malformed message: "+err.Error(), ""))
		return
	}

	switch msg.Type {
	case msgAttach:
		g.handleAttach(c, msg)
	case msgSubscribe:
		for _, sid := range msg.SessionIDs {
			g.subscribeToSession(c, sid)
		}
	case msgUnsubscribe:
		for _, sid := range msg.SessionIDs {
			g.unsubscribeFromSession(c, sid)
		}
	case msgInput:
		g.handleInput(c, msg)
	case msgResize:
		g.handleResize(c, msg)
	case msgKill:
		g.handleKill(c, msg)
	case msgListSessions:
		g.handleListSessions(c, msg)
	case msgFetchOlder:
		g.handleFetchOlder(c, msg)
	case msgSetFilters:
		g.handleSetFilters(c, msg)
	default:
		c.enqueue(errorMsg("bad_request", "unknown message type: "+msg.Type, msg.RequestID))
	}
}

// handleAttach implements spec.md §4.4's "session-creation protocol":
// Attach is the sole primitive, idempotent, and the first Attach
// implicitly becomes the owner.
func (g *Gateway) handleAttach(c *conn, msg ClientMessage) {
	if msg.SessionID == "" {
		c.enqueue(errorMsg("bad_request", "attach requires session_id", msg.RequestID))
		return
	}

	sess, existed := g.sessions.Get(msg.SessionID)
	if !existed {
		sess = session.New(msg.SessionID, msg.Name, g.cfg.DefaultCwd, g.cfg.DefaultArgv)
		g.sessions.Add(sess)
		go g.watchSessionLifecycle(sess)
		if err := g.ptyMgr.Spawn(ptymanager.SpawnRequest{
			SessionID:   msg.SessionID,
			Argv:        g.cfg.DefaultArgv,
			Cwd:         g.cfg.DefaultCwd,
			Env:         os.Environ(),
			InitialSize: ptymanager.DefaultSize(),
		}); err != nil {
			logger.Gateway().Error().Err(err).Str("session_id", msg.SessionID).Msg("spawn failed")
		}
	}

	if sess.Owner() == "" {
		sess.SetOwner(c.id.String())
		c.markOwner(msg.SessionID)
	}
	sess.AddSubscriber(c.id.String())
	g.sessions.PersistSnapshot(sess)

	g.subscribeToSession(c, msg.SessionID)
	c.enqueue(attachAck(msg.SessionID))
}

// subscribeToSession sends the late-joiner catch-up page then transitions
// the connection's cursor for this session to live mode, per spec.md
// §4.4's "Late-joiner catch-up": no event delivered twice, none skipped
// between the page and the live cursor.
func (g *Gateway) subscribeToSession(c *conn, sessionID string) {
	if c.isSubscribed(sessionID) {
		return
	}
	sess, err := g.sessions.MustGet(sessionID)
	if err != nil {
		c.enqueue(errorMsg("unknown_session", err.Error(), ""))
		return
	}

	partition := eventlog.SessionPartition(sessionID)
	page, hasMore, err := g.log.GetRange(partition, nil, g.cfg.PageSize)
	if err != nil {
		c.enqueue(errorMsg("internal", "failed to load session history", ""))
		return
	}

	var fromOffset uint64
	oldestEventID := ""
	if len(page) > 0 {
		oldestEventID = page[0].EventID
		fromOffset = page[len(page)-1].Offset + 1
	}

	wireEvents := make([]wireEvent, len(page))
	for i, ev := range page {
		wireEvents[i] = toWireEvent(ev)
	}
	c.enqueue(eventsBatchMsg(partition, wireEvents, oldestEventID, hasMore))

	sub, err := g.log.Subscribe(partition, fromOffset, g.cfg.SendQueueSize)
	if err != nil {
		c.enqueue(errorMsg("internal", "failed to subscribe to session", ""))
		return
	}
	c.addSubscription(sessionID, sub)
	sess.AddSubscriber(c.id.String())

	go g.forwardSessionEvents(c, sub)
}

func (g *Gateway) forwardSessionEvents(c *conn, sub *eventlog.Subscription) {
	for ev := range sub.Events {
		c.enqueue(wireMsgForEvent(ev))
	}
}

// watchSessionLifecycle keeps sess's in-memory State current by observing
// the events PtyManager and HookReceiver publish to its own partition,
// per spec.md §3: "transitions Starting→Running when the PTY yields its
// first byte ... WaitingForPermission is entered when a PermissionRequest
// hook is observed and left when a PermissionResponse is published".
// PtyManager and HookReceiver only ever touch the append-only log, never
// the *session.Session object itself, so this goroutine is what mirrors
// the log's lifecycle events into the in-memory model Snapshot() reads.
// It exits once a terminal state is reached, since no further transition
// can occur after that.
func (g *Gateway) watchSessionLifecycle(sess *session.Session) {
	sub, err := g.log.Subscribe(eventlog.SessionPartition(sess.ID), 0, 32)
	if err != nil {
		logger.Gateway().Error().Err(err).Str("session_id", sess.ID).Msg("failed to watch session lifecycle")
		return
	}
	defer sub.Close()

	for ev := range sub.Events {
		switch ev.Kind {
		case eventlog.KindSessionStateChanged:
			var payload struct {
				State  string `json:"state"`
				Reason string `json:"reason,omitempty"`
			}
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				continue
			}
			state := session.State(payload.State)
			sess.SetState(state, payload.Reason)
			g.sessions.PersistSnapshot(sess)
			if state.Terminal() {
				sess.MarkChildExited()
				return
			}
		case eventlog.KindHook:
			var payload struct {
				HookType string `json:"hook_type"`
			}
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				continue
			}
			if payload.HookType == string(hookreceiver.TypePermissionNeeded) {
				sess.SetState(session.StateWaitingForPermission, "")
				g.sessions.PersistSnapshot(sess)
			}
		}
	}
}

func (g *Gateway) unsubscribeFromSession(c *conn, sessionID string) {
	sub := c.removeSubscription(sessionID)
	if sub != nil {
		sub.Close()
	}
	if sess, ok := g.sessions.Get(sessionID); ok {
		sess.RemoveSubscriber(c.id.String())
	}
}

func (g *Gateway) handleInput(c *conn, msg ClientMessage) {
	if msg.SessionID == "" {
		c.enqueue(errorMsg("bad_request", "input requires session_id", msg.RequestID))
		return
	}
	if !c.limiter.Allow() {
		c.enqueue(errorMsg("rate_limited", "too many input messages, slow down", msg.RequestID))
		return
	}
	source := eventlog.InputSource(msg.SourceTag)
	if source == "" {
		source = eventlog.SourceSystem
	}
	partition := eventlog.SessionPartition(msg.SessionID)
	if _, err := g.log.Append(partition, eventlog.KindUserInput, msg.Bytes, eventlog.WithInputSource(source), eventlog.WithSourceSession(msg.SessionID)); err != nil {
		c.enqueue(errorMsg("internal", "failed to publish input", msg.RequestID))
	}
}

func (g *Gateway) handleResize(c *conn, msg ClientMessage) {
	if !c.limiter.Allow() {
		c.enqueue(errorMsg("rate_limited", "too many resize messages, slow down", msg.RequestID))
		return
	}
	if err := g.ptyMgr.Resize(msg.SessionID, ptymanager.Size{Rows: msg.Rows, Cols: msg.Cols}); err != nil {
		c.enqueue(errorMsg("unknown_session", err.Error(), msg.RequestID))
	}
}

func (g *Gateway) handleKill(c *conn, msg ClientMessage) {
	sig := signalFromName(msg.Signal)
	if err := g.ptyMgr.Kill(msg.SessionID, sig); err != nil {
		c.enqueue(errorMsg("unknown_session", err.Error(), msg.RequestID))
	}
}

func (g *Gateway) handleListSessions(c *conn, msg ClientMessage) {
	snaps := g.sessions.List()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	summaries := make([]sessionSummary, len(snaps))
	for i, s := range snaps {
		summaries[i] = sessionSummary{ID: s.ID, Label: s.Label, State: string(s.State), SubscriberCount: s.SubscriberCount}
	}
	c.enqueue(sessionListMsg(msg.RequestID, summaries))
}

func (g *Gateway) handleFetchOlder(c *conn, msg ClientMessage) {
	if msg.Partition == "" {
		c.enqueue(errorMsg("bad_request", "fetch_older requires partition", msg.RequestID))
		return
	}
	var page []eventlog.Event
	var hasMore bool
	var err error
	if msg.Partition == FirehosePartition {
		page, hasMore, err = g.log.GetFirehoseRange(msg.BeforeEventID, msg.Limit)
	} else {
		page, hasMore, err = g.log.GetRange(msg.Partition, msg.BeforeEventID, msg.Limit)
	}
	if err != nil {
		c.enqueue(errorMsg("invalid_cursor", err.Error(), msg.RequestID))
		return
	}
	wireEvents := make([]wireEvent, len(page))
	for i, ev := range page {
		wireEvents[i] = toWireEvent(ev)
	}
	oldestEventID := ""
	if len(page) > 0 {
		oldestEventID = page[0].EventID
	}
	c.enqueue(eventsBatchMsg(msg.Partition, wireEvents, oldestEventID, hasMore))
}

func (g *Gateway) handleSetFilters(c *conn, msg ClientMessage) {
	c.mu.Lock()
	c.firehoseTypes = make(map[string]struct{}, len(msg.Types))
	for _, t := range msg.Types {
		c.firehoseTypes[t] = struct{}{}
	}
	c.firehoseSession = msg.Session
	c.mu.Unlock()
}

// onDisconnect implements spec.md §4.4's ownership-transfer protocol and
// §3's Connection lifecycle (Closed → unsubscribe all, transfer or
// orphan owned sessions, publish ClientDisconnected).
func (g *Gateway) onDisconnect(c *conn) {
	c.closeOnce.Do(func() {
		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()

		for sessionID, sub := range c.allSubscriptions() {
			sub.Close()
			if sess, ok := g.sessions.Get(sessionID); ok {
				sess.RemoveSubscriber(c.id.String())
			}
		}

		for _, sessionID := range c.ownedSessionIDs() {
			g.transferOrOrphan(sessionID, c.id)
		}

		close(c.send)

		g.publishClientConnection(eventlog.KindClientDisconnected, c.id)
	})
}

// publishClientConnection appends a ClientConnected/ClientDisconnected
// event carrying the connection id, per spec.md §3's event-kind table
// ("ClientConnected / ClientDisconnected | connection id | Gateway") — a
// nil payload would leave no way to tell which connection the event
// refers to.
func (g *Gateway) publishClientConnection(kind eventlog.Kind, id ConnID) {
	payload, _ := json.Marshal(struct {
		ConnectionID string `json:"connection_id"`
	}{id.String()})
	if _, err := g.log.Append(eventlog.GlobalPartition, kind, payload); err != nil {
		logger.Gateway().Error().Err(err).Str("connection_id", id.String()).Str("kind", string(kind)).Msg("failed to publish connection event")
	}
}

// transferOrOrphan picks the lowest-connection-id remaining subscriber of
// sessionID as the new owner, or marks the session orphaned if none
// remain — exactly one of the two happens, per spec.md §8 invariant 4.
func (g *Gateway) transferOrOrphan(sessionID string, oldOwner ConnID) {
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		return
	}

	var candidates []ConnID
	for _, subID := range sess.Subscribers() {
		id, err := parseConnID(subID)
		if err != nil || id == oldOwner {
			continue
		}
		g.mu.RLock()
		_, stillConnected := g.conns[id]
		g.mu.RUnlock()
		if stillConnected {
			candidates = append(candidates, id)
		}
	}

	partition := eventlog.SessionPartition(sessionID)

	if len(candidates) == 0 {
		sess.SetOwner("")
		g.sessions.PersistSnapshot(sess)
		return
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	newOwner := candidates[0]
	sess.SetOwner(newOwner.String())
	g.sessions.PersistSnapshot(sess)

	g.mu.RLock()
	newOwnerConn, ok := g.conns[newOwner]
	g.mu.RUnlock()
	if ok {
		newOwnerConn.markOwner(sessionID)
	}

	payload := ownershipTransferredMsg(sessionID, oldOwner.String(), newOwner.String())
	if _, err := g.log.Append(partition, eventlog.KindOwnershipTransferred, payload, eventlog.WithSourceSession(sessionID)); err != nil {
		logger.Gateway().Error().Err(err).Str("session_id", sessionID).Msg("failed to publish OwnershipTransferred")
	}
}

func toWireEvent(ev eventlog.Event) wireEvent {
	return wireEvent{
		EventID:   ev.EventID,
		Offset:    ev.Offset,
		Partition: ev.Partition,
		Kind:      string(ev.Kind),
		Payload:   ev.Payload,
	}
}
