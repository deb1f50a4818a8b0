package bus

import (
	"sync"

	"go.uber.org/zap"
)

// ChangeEvent is what subscribers receive from the hub: the bus name plus
// the ChangePayload emitted by a TopicStore mutation.
type ChangeEvent struct {
	Bus     string
	Payload ChangePayload
}

// subscriberQueue is a bounded channel a subscriber callback may only
// enqueue onto — never block on downstream work — per spec invariant 6
// and spec §9's explicit re-architecture note turning the teacher's
// "de facto rule" into an enforced one.
type subscriberQueue struct {
	ch chan ChangeEvent
}

// BusChangeHub is the map of subscriber-id -> callback named in spec §3
// ("BusChangeHub"). One hub serves every bus: each subscriber receives
// the change events of all buses, each tagged with its bus name. Adapted
// from ats/storage/observer.go's
// global-observer-registry pattern: instead of `go observer.OnX(...)` per
// event (one goroutine per observer per event, unbounded), Emit enqueues
// onto each subscriber's bounded channel and drops-with-a-log on a full
// queue, so a stalled subscriber can never block a writer.
type BusChangeHub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriberQueue // subscriber id -> queue
	log         *zap.SugaredLogger
}

// NewBusChangeHub constructs an empty hub.
func NewBusChangeHub(log *zap.SugaredLogger) *BusChangeHub {
	return &BusChangeHub{
		subscribers: make(map[string]*subscriberQueue),
		log:         log.Named("bus.hub"),
	}
}

// Register adds a subscriber and returns the channel it must drain.
// queueDepth bounds how many undelivered ChangeEvents may queue before
// Emit starts dropping for that subscriber.
func (h *BusChangeHub) Register(subscriberID string, queueDepth int) <-chan ChangeEvent {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	q := &subscriberQueue{ch: make(chan ChangeEvent, queueDepth)}
	h.mu.Lock()
	h.subscribers[subscriberID] = q
	h.mu.Unlock()
	return q.ch
}

// Unregister removes a subscriber and closes its channel.
func (h *BusChangeHub) Unregister(subscriberID string) {
	h.mu.Lock()
	q, ok := h.subscribers[subscriberID]
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
	if ok {
		close(q.ch)
	}
}

// Emit invokes every subscriber's "callback" — which, per invariant 6,
// consists only of enqueueing onto its bounded channel — for a mutation
// on bus. The hub's own lock is held only to copy the subscriber list;
// the enqueue itself happens outside the lock (spec §5 "Shared-resource
// policy": "held only while copying the callback list; callbacks run
// outside the lock").
func (h *BusChangeHub) Emit(bus string, payload ChangePayload) {
	h.mu.RLock()
	queues := make([]*subscriberQueue, 0, len(h.subscribers))
	for _, q := range h.subscribers {
		queues = append(queues, q)
	}
	h.mu.RUnlock()

	event := ChangeEvent{Bus: bus, Payload: payload}
	for _, q := range queues {
		select {
		case q.ch <- event:
		default:
			h.log.Warnw("subscriber queue full, dropping change event", "bus", bus)
		}
	}
}
