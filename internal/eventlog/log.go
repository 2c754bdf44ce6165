package eventlog

import (
	"errors"
	"sync"
	"time"

	"github.com/relaybroker/relaybroker/internal/ids"
	"github.com/relaybroker/relaybroker/internal/logger"
)

// ErrResumeImpossible is returned by Subscribe when the requested offset
// references an event this log no longer retains. The in-memory
// implementation never prunes, so this is reserved for a future
// retention-aware backend (spec.md §9 Open Question on log persistence).
var ErrResumeImpossible = errors.New("eventlog: resume impossible, requested offset below retained window")

// AppendOption customizes an Append call.
type AppendOption func(*Event)

// WithSourceSession tags the event with its originating session-id, used
// for events appended to the global partition that still reference a
// specific session (e.g. SessionRemoved).
func WithSourceSession(sessionID string) AppendOption {
	return func(e *Event) { e.SourceSessionID = sessionID }
}

// WithInputSource tags a UserInput event with its client-kind origin.
func WithInputSource(src InputSource) AppendOption {
	return func(e *Event) { e.InputSource = src }
}

// Log is the EventLog contract from spec.md §4.1.
type Log interface {
	// Append durably records an event on partition and returns it with its
	// assigned event-id and offset. It only fails on resource exhaustion.
	Append(partition string, kind Kind, payload []byte, opts ...AppendOption) (Event, error)

	// Subscribe returns a live cursor over partition starting at fromOffset
	// inclusive, replaying retained history before transitioning to live
	// delivery. The returned Subscription must be closed by the caller.
	Subscribe(partition string, fromOffset uint64, bufferSize int) (*Subscription, error)

	// GetRange returns up to limit events on partition with event-id
	// strictly less than before (nil means "the newest end"), oldest-first
	// within the page (newest-last), plus whether older events remain.
	GetRange(partition string, before *string, limit int) ([]Event, bool, error)

	// SubscribeFirehose returns a live cursor over every event appended to
	// any partition, in append-completion order, for the /ws/firehose and
	// /ws/assessment surfaces (spec.md §6). Unlike Subscribe, there is no
	// resumable offset — a firehose cursor always starts live; callers
	// wanting history first should call GetFirehoseRange.
	SubscribeFirehose(bufferSize int) (*Subscription, error)

	// GetFirehoseRange is GetRange's cross-partition counterpart, paged by
	// event-id (UUIDv7, so lexicographic order is time order).
	GetFirehoseRange(before *string, limit int) ([]Event, bool, error)
}

// Subscription is a live cursor returned by Log.Subscribe.
type Subscription struct {
	Events <-chan Event
	// Dropped is closed if the subscription was terminated for lag —
	// the consumer must reconnect with a fresh cursor (spec.md §5).
	Dropped <-chan struct{}

	cancel func()
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// memLog is the in-memory EventLog implementation. Per the Open Question in
// spec.md §9, a purely in-memory log is sufficient for every testable
// property and end-to-end scenario in §8; durable replay across process
// restarts is left to a future file- or database-backed Log implementation
// behind the same interface.
type memLog struct {
	mu         sync.Mutex
	partitions map[string]*partition
	firehose   *partition
}

// New returns an in-memory Log.
func New() Log {
	return &memLog{
		partitions: make(map[string]*partition),
		firehose:   &partition{key: "__firehose__", subs: make(map[*subscriber]struct{})},
	}
}

func (l *memLog) partitionFor(key string) *partition {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.partitions[key]
	if !ok {
		p = &partition{key: key, subs: make(map[*subscriber]struct{})}
		l.partitions[key] = p
	}
	return p
}

func (l *memLog) Append(partitionKey string, kind Kind, payload []byte, opts ...AppendOption) (Event, error) {
	ev := Event{
		EventID:   ids.New(),
		Partition: partitionKey,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&ev)
	}
	stored, err := l.partitionFor(partitionKey).append(ev)
	if err != nil {
		return stored, err
	}
	// Mirror into the firehose feed under its own offset sequence — see
	// SubscribeFirehose. This intentionally happens after the partition
	// append completes rather than under the same lock, so a slow
	// firehose subscriber can never hold up session-partition delivery.
	l.firehose.append(stored)
	return stored, nil
}

func (l *memLog) Subscribe(partitionKey string, fromOffset uint64, bufferSize int) (*Subscription, error) {
	return l.partitionFor(partitionKey).subscribe(fromOffset, bufferSize)
}

func (l *memLog) GetRange(partitionKey string, before *string, limit int) ([]Event, bool, error) {
	return l.partitionFor(partitionKey).getRange(before, limit)
}

func (l *memLog) SubscribeFirehose(bufferSize int) (*Subscription, error) {
	// A firehose cursor always starts live (fromOffset beyond anything
	// retained), since its own offset numbering is an internal fanout
	// sequence, not something a caller can meaningfully resume from
	// across restarts.
	l.firehose.mu.Lock()
	from := l.firehose.nextOffset
	l.firehose.mu.Unlock()
	return l.firehose.subscribe(from, bufferSize)
}

func (l *memLog) GetFirehoseRange(before *string, limit int) ([]Event, bool, error) {
	return l.firehose.getRange(before, limit)
}

// partition is a single ordered, append-only sub-stream with its own
// monotonic offset sequence, serialized by a single mutex. Holding this
// mutex across the (fast, non-blocking) act of fanning a new event out to
// subscribers is what gives spec.md invariant 1 (total per-partition order
// observed identically by every consumer).
type partition struct {
	mu         sync.Mutex
	key        string
	events     []Event
	nextOffset uint64
	subs       map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan Event
	dropped chan struct{}
}

func (p *partition) append(ev Event) (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev.Offset = p.nextOffset
	p.nextOffset++
	p.events = append(p.events, ev)

	for sub := range p.subs {
		p.deliverLocked(sub, ev)
	}
	return ev, nil
}

// deliverLocked must be called with p.mu held. A full subscriber buffer
// means the subscriber is lagging; per spec.md §5 it is dropped rather
// than allowed to block the publisher.
func (p *partition) deliverLocked(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		p.dropLocked(sub)
	}
}

func (p *partition) dropLocked(sub *subscriber) {
	if _, ok := p.subs[sub]; !ok {
		return
	}
	delete(p.subs, sub)
	close(sub.ch)
	close(sub.dropped)
	logger.EventLog().Warn().Str("partition", p.key).Msg("subscriber dropped: lag exceeded")
}

func (p *partition) subscribe(fromOffset uint64, bufferSize int) (*Subscription, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &subscriber{
		ch:      make(chan Event, bufferSize),
		dropped: make(chan struct{}),
	}
	p.subs[sub] = struct{}{}

	// Replay retained backlog under the same lock used by append, so no
	// live event can be interleaved out of order with the backlog.
	for _, ev := range p.events {
		if ev.Offset < fromOffset {
			continue
		}
		p.deliverLocked(sub, ev)
		if _, stillSubscribed := p.subs[sub]; !stillSubscribed {
			break
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[sub]; ok {
				delete(p.subs, sub)
				close(sub.ch)
			}
		})
	}

	return &Subscription{Events: sub.ch, Dropped: sub.dropped, cancel: cancel}, nil
}

func (p *partition) getRange(before *string, limit int) ([]Event, bool, error) {
	if limit <= 0 {
		limit = 200
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	end := len(p.events)
	if before != nil {
		end = 0
		for i, ev := range p.events {
			if ev.EventID >= *before {
				break
			}
			end = i + 1
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]Event, end-start)
	copy(page, p.events[start:end])
	return page, start > 0, nil
}
