// Package session implements the Session data model and registry from
// spec.md §3: the unit of ownership for a single interactive child process,
// its lifecycle, its subscriber set, and ownership transfer/orphan GC.
//
// Grounded in the teacher's session bookkeeping split across
// internal/db (sessions table), internal/websocket (AgentHub's connection
// registry pattern), and internal/plugins/scheduler.go (cron-driven
// periodic sweep), reworked here around PTY ownership instead of
// container/VM lifecycle.
package session

import (
	"sync"
	"time"
)

// State is a Session's lifecycle state, spec.md §3.
type State string

const (
	StateStarting             State = "Starting"
	StateRunning               State = "Running"
	StateWaitingForPermission State = "WaitingForPermission"
	StateCompleted             State = "Completed"
	StateFailed                 State = "Failed"
)

// Terminal reports whether a state is one of the two terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is the unit of ownership described in spec.md §3.
type Session struct {
	ID    string
	Label string
	Cwd   string
	Argv  []string

	mu          sync.Mutex
	state       State
	ownerConnID string
	subscribers map[string]struct{}
	orphanedAt  time.Time
	childExited bool
	failReason  string
	createdAt   time.Time
}

// New creates a Session in the Starting state with no owner and no
// subscribers; the first Attach call is expected to claim ownership.
func New(id, label, cwd string, argv []string) *Session {
	return &Session{
		ID:          id,
		Label:       label,
		Cwd:         cwd,
		Argv:        argv,
		state:       StateStarting,
		subscribers: make(map[string]struct{}),
		createdAt:   time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to a new lifecycle state. reason is
// recorded only for StateFailed.
func (s *Session) SetState(state State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == StateFailed {
		s.failReason = reason
	}
}

// FailReason returns the reason recorded for a Failed session, if any.
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// Owner returns the current owner connection-id, or "" if orphaned.
//
// Per spec.md invariant 3, the caller must tolerate the owner disconnecting
// between this read and its use — this method makes no promise the
// returned id is still connected.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerConnID
}

// SetOwner assigns a new owner and clears any orphan timer. Passing ""
// marks the session orphaned and starts the orphan clock.
func (s *Session) SetOwner(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerConnID = connID
	if connID == "" {
		s.orphanedAt = time.Now()
	} else {
		s.orphanedAt = time.Time{}
	}
}

// AddSubscriber registers connID as a subscriber of this session.
func (s *Session) AddSubscriber(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[connID] = struct{}{}
}

// RemoveSubscriber removes connID from this session's subscriber set.
func (s *Session) RemoveSubscriber(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, connID)
}

// Subscribers returns a snapshot of the current subscriber connection-ids.
func (s *Session) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		out = append(out, id)
	}
	return out
}

// IsSubscribed reports whether connID currently subscribes to this session.
func (s *Session) IsSubscribed(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribers[connID]
	return ok
}

// MarkChildExited records that the backing child process has exited, which
// the orphan sweeper uses to decide whether an orphaned session is eligible
// for removal (spec.md §3: "destroyed ... after a configured grace period
// of being orphaned with no subscribers", combined with §4.2's rule that a
// PTY EOF alone must not destroy the partition).
func (s *Session) MarkChildExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.childExited = true
}

// orphanEligibleForGC reports whether this session has been orphaned with
// no subscribers for at least grace, and its child has exited.
func (s *Session) orphanEligibleForGC(grace time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerConnID != "" {
		return false
	}
	if len(s.subscribers) > 0 {
		return false
	}
	if s.orphanedAt.IsZero() {
		return false
	}
	if !s.childExited {
		return false
	}
	return now.Sub(s.orphanedAt) >= grace
}

// Snapshot is an immutable view of a Session's metadata, used for the
// HTTP /api/sessions responses and for Store persistence.
type Snapshot struct {
	ID              string   `json:"id"`
	Label           string   `json:"label,omitempty"`
	Cwd             string   `json:"cwd"`
	Argv            []string `json:"argv"`
	State           State    `json:"state"`
	OwnerConnID     string   `json:"owner_connection_id,omitempty"`
	SubscriberCount int      `json:"subscriber_count"`
	FailReason      string   `json:"fail_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot captures the session's current metadata.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.ID,
		Label:           s.Label,
		Cwd:             s.Cwd,
		Argv:            append([]string(nil), s.Argv...),
		State:           s.state,
		OwnerConnID:     s.ownerConnID,
		SubscriberCount: len(s.subscribers),
		FailReason:      s.failReason,
		CreatedAt:       s.createdAt,
	}
}
