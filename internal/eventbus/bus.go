// Package eventbus is a typed, in-process publish/subscribe bus consumed by
// external UIs and the metrics layer (spec.md §4.12). It is the in-process
// core of the teacher's pkg/events.ConnectionManager with the WebSocket and
// Postgres LISTEN/NOTIFY transport stripped out — those belong to the
// out-of-scope transport layer (spec.md §1).
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the event-bus event kinds from spec.md §4.12/§6.
type Kind string

const (
	KindEventIngested       Kind = "event_ingested"
	KindAnalysisStarted     Kind = "analysis_started"
	KindStageCompleted      Kind = "stage_completed"
	KindAnalysisCompleted   Kind = "analysis_completed"
	KindAnalysisFailed      Kind = "analysis_failed"
	KindPlanBuilt           Kind = "plan_built"
	KindActionStarted       Kind = "action_started"
	KindActionCompleted     Kind = "action_completed"
	KindActionFailed        Kind = "action_failed"
	KindQueueEnqueued       Kind = "queue_enqueued"
	KindQueueApproved       Kind = "queue_approved"
	KindQueueRejected       Kind = "queue_rejected"
	KindQueueUndone         Kind = "queue_undone"
	KindCalibrationUpdated  Kind = "calibration_updated"
)

// Event is a single bus message. CorrelationID is the event_id for
// per-event events.
type Event struct {
	Type          Kind           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// subscriberBufferSize bounds the per-subscriber ring buffer (spec.md
// §4.12: "bounded per-subscriber ring buffer that drops oldest on
// overflow").
const subscriberBufferSize = 256

// Bus is a typed in-process pub/sub bus. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
}

type subscription struct {
	kinds map[Kind]bool // empty set means "all kinds"
	ch    chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscription)}
}

// Subscribe registers a new subscriber interested in the given kinds (all
// kinds if empty) and returns its id, receive channel, and an Unsubscribe
// func. The channel is a bounded ring buffer: publish never blocks on a
// slow subscriber — the oldest buffered event is dropped to make room.
func (b *Bus) Subscribe(kinds ...Kind) (id string, ch <-chan Event, unsubscribe func()) {
	id = uuid.NewString()
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	sub := &subscription{kinds: set, ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers an event to every interested subscriber, fire-and-forget.
// A subscriber whose buffer is full has its oldest event dropped to make
// room — publishers are never blocked by a slow consumer.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if len(s.kinds) == 0 || s.kinds[evt.Type] {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.ch, evt)
	}
}

// deliver attempts a non-blocking send; on overflow it drops the oldest
// buffered event and retries once so the newest event is never silently
// lost in favor of a stale one.
func deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
		// Buffer refilled by a concurrent publisher between the drop and
		// this retry; acceptable to drop the newest event in that race.
	}
}

// SubscriberCount reports the current number of subscribers (diagnostics).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
