package gateway

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/relaybroker/relaybroker/internal/auth"
	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ConnID uniquely identifies an accepted connection. It is assigned as a
// monotonically increasing counter (rather than a UUID) specifically so
// ownership-transfer tiebreaking ("lowest connection-id") is a plain
// numeric comparison, per spec.md §4.4.
type ConnID uint64

// String renders the id the way it appears on the wire (old_owner/new_owner
// fields, diagnostics).
func (c ConnID) String() string { return strconv.FormatUint(uint64(c), 10) }

// conn is one accepted WebSocket connection and its protocol state,
// grounded in the teacher's websocket.Client (hub.go): a buffered send
// channel plus readPump/writePump goroutines, generalized here to also
// track this connection's per-session subscriptions and owned session.
type conn struct {
	id       ConnID
	ws       *websocket.Conn
	authCtx  auth.Context
	send     chan []byte
	gateway  *Gateway

	isFirehose bool

	// limiter bounds this connection's Input/Resize message rate
	// (SPEC_FULL.md §12), one bucket per connection so a single flooding
	// client can't starve others sharing the same IP-keyed HTTP limiter.
	limiter *rate.Limiter

	mu            sync.Mutex
	subscriptions map[string]*eventlog.Subscription // session-id -> live cursor
	ownedSessions map[string]struct{}
	firehoseTypes map[string]struct{} // set_filters: empty means "all kinds"
	firehoseSession string

	closeOnce sync.Once
}

// matchesFirehoseFilter reports whether ev passes this connection's
// current SetFilters selection (spec.md §4.4: "Filters set by SetFilters
// apply per-connection to the firehose stream").
func (c *conn) matchesFirehoseFilter(ev eventlog.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.firehoseTypes) > 0 {
		if _, ok := c.firehoseTypes[string(ev.Kind)]; !ok {
			return false
		}
	}
	if c.firehoseSession != "" && ev.SourceSessionID != c.firehoseSession && ev.Partition != eventlog.SessionPartition(c.firehoseSession) {
		return false
	}
	return true
}

func newConn(id ConnID, ws *websocket.Conn, authCtx auth.Context, gw *Gateway, queueSize int) *conn {
	ratePerSecond := 50.0
	burst := 100
	if gw != nil {
		ratePerSecond = gw.cfg.InputRatePerSecond
		burst = gw.cfg.InputBurst
	}
	return &conn{
		id:            id,
		ws:            ws,
		authCtx:       authCtx,
		send:          make(chan []byte, queueSize),
		gateway:       gw,
		limiter:       rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		subscriptions: make(map[string]*eventlog.Subscription),
		ownedSessions: make(map[string]struct{}),
	}
}

// enqueue attempts a non-blocking send to this connection's outbound
// queue. A full queue means the connection is lagging; per spec.md §5
// backpressure policy, it is dropped with a terminal notification rather
// than allowed to block the producer.
func (c *conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		logger.Gateway().Warn().Str("connection_id", c.id.String()).Msg("connection send queue full, disconnecting for lag")
		c.enqueueDrop()
	}
}

func (c *conn) enqueueDrop() {
	select {
	case c.send <- errorMsg("lag_exceeded", "send queue overflowed, reconnect with a fresh cursor", ""):
	default:
	}
	if c.gateway != nil && c.gateway.drops != nil {
		c.gateway.drops.RecordDrop(c.id.String())
	}
	c.ws.Close()
}

func (c *conn) addSubscription(sessionID string, sub *eventlog.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sessionID] = sub
}

func (c *conn) removeSubscription(sessionID string) *eventlog.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[sessionID]
	if !ok {
		return nil
	}
	delete(c.subscriptions, sessionID)
	return sub
}

func (c *conn) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[sessionID]
	return ok
}

func (c *conn) allSubscriptions() map[string]*eventlog.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*eventlog.Subscription, len(c.subscriptions))
	for k, v := range c.subscriptions {
		out[k] = v
	}
	return out
}

func (c *conn) markOwner(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedSessions[sessionID] = struct{}{}
}

func (c *conn) unmarkOwner(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ownedSessions, sessionID)
}

func (c *conn) ownedSessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ownedSessions))
	for id := range c.ownedSessions {
		out = append(out, id)
	}
	return out
}

// writePump pumps queued messages (and periodic pings) to the WebSocket.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client messages and dispatches them to the Gateway,
// until the connection errors or closes.
func (c *conn) readPump() {
	defer c.gateway.onDisconnect(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.gateway.dispatch(c, data)
	}
}
