// Package permission correlates outstanding "permission needed" hook
// invocations with the session that raised them, and lets an HTTP handler
// resolve one by publishing the session's own exit from WaitingForPermission
// (spec.md §3: "WaitingForPermission is entered when a PermissionRequest
// hook is observed and left when a PermissionResponse is published").
//
// This is deliberately a separate component from hookreceiver.Receiver's
// waiters map: permission_needed is correctly excluded from HookReceiver's
// response-capable set (spec.md §4.3 scopes response injection to
// "session started" and "user prompt submitted" only), so the hook
// invocation itself is fire-and-forget. Tracker learns the
// invocation-id/session-id correlation by observing the Hook events
// HookReceiver publishes, the same way any other log consumer would,
// rather than reaching into HookReceiver's internals.
//
// Grounded in the teacher's internal/middleware/ratelimit.go cleanup-loop
// shape: a mutex-guarded map with a periodic sweep bounding unresolved
// entries that are never claimed.
package permission

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/hookreceiver"
	"github.com/relaybroker/relaybroker/internal/logger"
)

// pendingTTL bounds how long an unresolved permission request is tracked
// before the sweep drops it; a request nobody ever answers must not leak
// memory forever.
const pendingTTL = time.Hour

type entry struct {
	sessionID string
	trackedAt time.Time
}

// Tracker watches the firehose for permission_needed Hook events and
// records which session each invocation belongs to, so a later decision
// (keyed only by invocation id, per spec.md §6's permission endpoint) can
// be published to the right session partition.
type Tracker struct {
	log eventlog.Log

	mu      sync.Mutex
	pending map[string]entry
}

// NewTracker builds a Tracker and starts its background watch of log.
func NewTracker(log eventlog.Log) *Tracker {
	t := &Tracker{
		log:     log,
		pending: make(map[string]entry),
	}
	go t.watch()
	go t.sweepLoop()
	return t
}

func (t *Tracker) watch() {
	sub, err := t.log.SubscribeFirehose(64)
	if err != nil {
		logger.Hook().Error().Err(err).Msg("permission tracker failed to subscribe to firehose")
		return
	}
	defer sub.Close()

	for ev := range sub.Events {
		if ev.Kind != eventlog.KindHook {
			continue
		}
		var payload struct {
			InvocationID string `json:"invocation_id"`
			HookType     string `json:"hook_type"`
			SessionID    string `json:"session_id,omitempty"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.HookType != string(hookreceiver.TypePermissionNeeded) || payload.SessionID == "" {
			continue
		}
		t.track(payload.InvocationID, payload.SessionID)
	}
}

func (t *Tracker) track(invocationID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[invocationID] = entry{sessionID: sessionID, trackedAt: time.Now()}
}

// Resolve looks up and consumes the session id a pending permission_needed
// invocation belongs to. It returns ok=false if invocationID is unknown —
// never tracked, already resolved, or swept for staleness.
func (t *Tracker) Resolve(invocationID string) (sessionID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.pending[invocationID]
	if !found {
		return "", false
	}
	delete(t.pending, invocationID)
	return e.sessionID, true
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		t.mu.Lock()
		for id, e := range t.pending {
			if now.Sub(e.trackedAt) >= pendingTTL {
				delete(t.pending, id)
			}
		}
		t.mu.Unlock()
	}
}
