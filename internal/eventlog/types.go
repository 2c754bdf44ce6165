// Package eventlog implements the single ordering authority described in
// spec.md §4.1: an append-only, per-partition offset-ordered event log with
// late-joiner replay via paginated history and a live tail subscription.
//
// Grounded in the teacher's internal/events package (NATS-based pub/sub
// between the API and platform controllers): the same "publish an envelope,
// let independent consumers subscribe" shape, reworked here as a single
// in-process ordering authority instead of a cross-process message bus,
// since the broker is single-node (spec.md §1 Non-goals).
package eventlog

import "time"

// Kind enumerates the closed set of event kinds from spec.md §3. The
// enumeration is closed and extensible only by versioning — callers must
// not invent new kinds at runtime.
type Kind string

const (
	KindPtyOutput            Kind = "PtyOutput"
	KindPtyExit              Kind = "PtyExit"
	KindUserInput            Kind = "UserInput"
	KindSessionCreated       Kind = "SessionCreated"
	KindSessionRemoved       Kind = "SessionRemoved"
	KindSessionStateChanged  Kind = "SessionStateChanged"
	KindOwnershipTransferred Kind = "OwnershipTransferred"
	KindHook                 Kind = "Hook"
	KindClientConnected      Kind = "ClientConnected"
	KindClientDisconnected   Kind = "ClientDisconnected"
	KindPluginLoaded         Kind = "PluginLoaded"
)

// InputSource tags who produced a UserInput event.
type InputSource string

const (
	SourceCli    InputSource = "Cli"
	SourceWeb    InputSource = "Web"
	SourceSystem InputSource = "System"
)

// GlobalPartition is the well-known partition for broker-wide events
// (SessionRemoved, PluginLoaded, ClientConnected/Disconnected).
const GlobalPartition = "global"

// SessionPartition returns the partition key for a given session-id.
func SessionPartition(sessionID string) string {
	return "session:" + sessionID
}

// Event is a single immutable record in the log. Payload is opaque bytes
// for PtyOutput and UserInput and JSON for every other (structured) kind,
// or empty — the log
// itself never interprets Payload, only the producer and consumers do.
type Event struct {
	EventID         string      `json:"event_id"`
	Offset          uint64      `json:"offset"`
	Partition       string      `json:"partition"`
	Timestamp       time.Time   `json:"timestamp"`
	Kind            Kind        `json:"kind"`
	Payload         []byte      `json:"payload"`
	SourceSessionID string      `json:"source_session_id,omitempty"`
	InputSource     InputSource `json:"input_source,omitempty"`
}
