// Package gateway implements the WebSocket broker from spec.md §4.4: the
// per-connection protocol state machine that translates between the wire
// protocol and (EventLog append/subscribe, PtyManager) operations, fans
// out subscriptions, and enforces per-connection backpressure.
//
// Grounded in the teacher's internal/websocket (hub.go's
// register/unregister/broadcast channel pattern and agent_hub.go's
// connection registry), reworked from a multi-tenant org-scoped broadcast
// hub into a per-session subscription-fan-out broker, since this system
// has no tenancy concept — only sessions, connections, and subscriptions.
package gateway

import (
	"encoding/json"

	"github.com/relaybroker/relaybroker/internal/eventlog"
)

// ClientMessage is the flattened envelope for every Client → Server
// message in spec.md §4.4. Exactly one Type variant's fields are
// populated per message; unused fields are omitted from the wire form.
type ClientMessage struct {
	Type string `json:"type"`

	RequestID string `json:"request_id,omitempty"`

	// Attach
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`

	// Subscribe / Unsubscribe
	SessionIDs []string `json:"session_ids,omitempty"`

	// Input
	Bytes     []byte `json:"bytes,omitempty"`
	SourceTag string `json:"source_tag,omitempty"`

	// Resize
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Kill
	Signal string `json:"signal,omitempty"`

	// FetchOlder
	Partition     string  `json:"partition,omitempty"`
	BeforeEventID *string `json:"before_event_id,omitempty"`
	Limit         int     `json:"limit,omitempty"`

	// SetFilters
	Types   []string `json:"types,omitempty"`
	Session string   `json:"session,omitempty"`
}

const (
	msgAttach       = "attach"
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgInput        = "input"
	msgResize       = "resize"
	msgKill         = "kill"
	msgListSessions = "list_sessions"
	msgFetchOlder   = "fetch_older"
	msgSetFilters   = "set_filters"
)

// Server → Client message constructors. Each returns the already-marshaled
// wire bytes, matching spec.md §4.4's exhaustive fixed set. wireMsgForEvent
// below is what actually reaches for these from a log event; none of them
// are called directly from the forwarding loops.

func marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"failed to encode server message"}`)
	}
	return b
}

func attachAck(sessionID string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}{"attach_ack", sessionID})
}

func authContext(source string, identity string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		Source   string `json:"source"`
		Identity string `json:"identity,omitempty"`
	}{"auth_context", source, identity})
}

func errorMsg(code, message, requestID string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}{"error", code, message, requestID})
}

func sessionListMsg(requestID string, sessions []sessionSummary) []byte {
	return marshal(struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id,omitempty"`
		Sessions  []sessionSummary `json:"sessions"`
	}{"session_list", requestID, sessions})
}

type sessionSummary struct {
	ID              string `json:"id"`
	Label           string `json:"label,omitempty"`
	State           string `json:"state"`
	SubscriberCount int    `json:"subscriber_count"`
}

func eventsBatchMsg(partition string, events []wireEvent, oldestEventID string, hasMore bool) []byte {
	return marshal(struct {
		Type          string      `json:"type"`
		Partition     string      `json:"partition"`
		Events        []wireEvent `json:"events"`
		OldestEventID string      `json:"oldest_event_id,omitempty"`
		HasMore       bool        `json:"has_more"`
	}{"events_batch", partition, events, oldestEventID, hasMore})
}

type wireEvent struct {
	EventID   string `json:"event_id"`
	Offset    uint64 `json:"offset"`
	Partition string `json:"partition"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
}

func eventMsg(ev wireEvent) []byte {
	return marshal(struct {
		Type  string    `json:"type"`
		Event wireEvent `json:"event"`
	}{"event", ev})
}

func ptyOutputMsg(sessionID string, data []byte) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Bytes     []byte `json:"bytes"`
	}{"pty_output", sessionID, data})
}

func sessionCreatedMsg(sessionID string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}{"session_created", sessionID})
}

func sessionRemovedMsg(sessionID string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}{"session_removed", sessionID})
}

func sessionStateMsg(sessionID, state, reason string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		Reason    string `json:"reason,omitempty"`
	}{"session_state", sessionID, state, reason})
}

func ownershipTransferredMsg(sessionID string, oldOwner, newOwner string) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		OldOwner  string `json:"old_owner,omitempty"`
		NewOwner  string `json:"new_owner,omitempty"`
	}{"ownership_transferred", sessionID, oldOwner, newOwner})
}

func clientConnectedMsg(connID string) []byte {
	return marshal(struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
	}{"client_connected", connID})
}

func clientDisconnectedMsg(connID string) []byte {
	return marshal(struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
	}{"client_disconnected", connID})
}

// wireMsgForEvent dispatches a log event to the named constructor spec.md
// §4.4 assigns its Kind, falling back to the generic eventMsg envelope for
// kinds with no dedicated top-level type (Hook, OwnershipTransferred) or
// whose payload doesn't parse as the shape its constructor expects.
func wireMsgForEvent(ev eventlog.Event) []byte {
	switch ev.Kind {
	case eventlog.KindPtyOutput:
		return ptyOutputMsg(ev.SourceSessionID, ev.Payload)
	case eventlog.KindSessionCreated:
		return sessionCreatedMsg(ev.SourceSessionID)
	case eventlog.KindSessionRemoved:
		return sessionRemovedMsg(ev.SourceSessionID)
	case eventlog.KindSessionStateChanged:
		var payload struct {
			State  string `json:"state"`
			Reason string `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return eventMsg(toWireEvent(ev))
		}
		return sessionStateMsg(ev.SourceSessionID, payload.State, payload.Reason)
	case eventlog.KindClientConnected:
		var payload struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return eventMsg(toWireEvent(ev))
		}
		return clientConnectedMsg(payload.ConnectionID)
	case eventlog.KindClientDisconnected:
		var payload struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return eventMsg(toWireEvent(ev))
		}
		return clientDisconnectedMsg(payload.ConnectionID)
	default:
		return eventMsg(toWireEvent(ev))
	}
}
