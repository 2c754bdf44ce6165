// Package hookreceiver implements spec.md §4.3: it accepts JSON callbacks
// from child processes (invoked out-of-process via cmd/relayhookctl at
// specific lifecycle points), publishes exactly one Hook event per
// invocation, and — for the subset of hook types that support response
// injection — synchronously collects a response from an interested
// consumer within a bounded wait.
//
// Grounded in the teacher's internal/events/subscriber.go
// (ControllerSyncRequestEvent's request/response-over-bus pattern: publish
// a request event, wait on a correlation id for a reply) reworked from a
// NATS round trip into an in-process channel keyed by invocation id, since
// HookReceiver's consumers are in-process plugins, not another service.
package hookreceiver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/ids"
	"github.com/relaybroker/relaybroker/internal/logger"
)

// Type is one of the fixed hook lifecycle points a child process may
// invoke. The enumeration matches spec.md §4.3's list verbatim.
type Type string

const (
	TypeSessionStarted     Type = "session_started"
	TypeUserPromptSubmitted Type = "user_prompt_submitted"
	TypeToolUsePre          Type = "tool_use_pre"
	TypeToolUsePost         Type = "tool_use_post"
	TypePermissionNeeded    Type = "permission_needed"
	TypeStop                Type = "stop"
	TypeSubAgentStop        Type = "sub_agent_stop"
	TypeNotification        Type = "notification"
	TypePreCompact          Type = "pre_compact"
	TypeSessionEnd          Type = "session_end"
)

// responseCapable is the subset of hook types for which the receiver must
// synchronously collect and return a response payload.
var responseCapable = map[Type]bool{
	TypeSessionStarted:      true,
	TypeUserPromptSubmitted: true,
}

// IsResponseCapable reports whether t supports response injection.
func IsResponseCapable(t Type) bool {
	return responseCapable[t]
}

// hookEventPayload is the JSON body of a published Hook event.
type hookEventPayload struct {
	InvocationID string          `json:"invocation_id"`
	HookType     Type            `json:"hook_type"`
	SessionID    string          `json:"session_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Receiver publishes Hook events and brokers response-capable hooks'
// bounded wait for a reply.
type Receiver struct {
	log        eventlog.Log
	waitBudget time.Duration

	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

// New builds a Receiver. waitBudget bounds how long a response-capable
// invocation blocks before falling back to an empty response (spec.md
// §4.3 Failure semantics: "a hook invocation must never block the child
// indefinitely").
func New(log eventlog.Log, waitBudget time.Duration) *Receiver {
	if waitBudget <= 0 {
		waitBudget = 5 * time.Second
	}
	return &Receiver{
		log:        log,
		waitBudget: waitBudget,
		waiters:    make(map[string]chan json.RawMessage),
	}
}

// Handle publishes a Hook event for the given invocation and, for
// response-capable hook types, waits up to the configured budget for a
// consumer to call Respond with the same invocation id. Publication
// happens before any response is returned, and always happens exactly
// once per call, even if the consumer-response wait times out.
func (r *Receiver) Handle(hookType Type, sessionID string, payload json.RawMessage) json.RawMessage {
	invocationID := ids.New()

	var waitCh chan json.RawMessage
	if IsResponseCapable(hookType) {
		waitCh = make(chan json.RawMessage, 1)
		r.mu.Lock()
		r.waiters[invocationID] = waitCh
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.waiters, invocationID)
			r.mu.Unlock()
		}()
	}

	partition := eventlog.GlobalPartition
	if sessionID != "" {
		partition = eventlog.SessionPartition(sessionID)
	}

	body, err := json.Marshal(hookEventPayload{
		InvocationID: invocationID,
		HookType:     hookType,
		SessionID:    sessionID,
		Payload:      payload,
	})
	if err != nil {
		logger.Hook().Error().Err(err).Str("hook_type", string(hookType)).Msg("failed to marshal hook event payload")
		return json.RawMessage(`{}`)
	}

	opts := []eventlog.AppendOption{}
	if sessionID != "" {
		opts = append(opts, eventlog.WithSourceSession(sessionID))
	}
	if _, err := r.log.Append(partition, eventlog.KindHook, body, opts...); err != nil {
		logger.Hook().Error().Err(err).Str("hook_type", string(hookType)).Msg("failed to publish Hook event")
		return json.RawMessage(`{}`)
	}

	if waitCh == nil {
		return json.RawMessage(`{}`)
	}

	select {
	case resp := <-waitCh:
		return resp
	case <-time.After(r.waitBudget):
		logger.Hook().Warn().Str("invocation_id", invocationID).Str("hook_type", string(hookType)).
			Msg("hook response wait timed out, returning empty response")
		return json.RawMessage(`{}`)
	}
}

// Respond delivers a response payload to a pending response-capable
// invocation. It returns false if no waiter is registered for
// invocationID (already timed out, or not response-capable), in which
// case the caller's response is simply dropped.
//
// When more than one consumer responds to the same invocation (e.g. two
// plugins both subscribed to a user_prompt_submitted Hook event), the first
// response wins; later ones are logged as a no-op rather than silently
// discarded (spec.md §9's open question on multi-client arbitration,
// resolved here with the suggested default).
func (r *Receiver) Respond(invocationID string, payload json.RawMessage) bool {
	r.mu.Lock()
	ch, ok := r.waiters[invocationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		logger.Hook().Info().Str("invocation_id", invocationID).
			Msg("ignoring late response: an earlier response already won for this invocation")
		return false
	}
}
