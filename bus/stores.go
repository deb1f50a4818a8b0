package bus

import (
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// Names of the six buses named in spec §3: "messages, events, lifecycle,
// runs, export, plus memory".
const (
	BusMessages  = "messages"
	BusEvents    = "events"
	BusLifecycle = "lifecycle"
	BusRuns      = "runs"
	BusExport    = "export"
	BusMemory    = "memory"
)

var allBuses = []string{BusMessages, BusEvents, BusLifecycle, BusRuns, BusExport, BusMemory}

// Stores owns one TopicStore per bus plus the shared hub and subscription
// table, giving a ControlPlane a single object satisfying
// ipc.BusStore. This is the package-level "avoid module singletons"
// encapsulation named in spec §9's design note on in-process global
// mutable state.
type Stores struct {
	hub   *BusChangeHub
	subs  *SubscriptionTable
	byBus map[string]*TopicStore
}

// NewStores constructs the six named TopicStores sharing one hub and one
// subscription table.
func NewStores(log *zap.SugaredLogger, limits Limits) *Stores {
	hub := NewBusChangeHub(log)
	s := &Stores{
		hub:   hub,
		subs:  NewSubscriptionTable(),
		byBus: make(map[string]*TopicStore, len(allBuses)),
	}
	for _, name := range allBuses {
		s.byBus[name] = NewTopicStore(name, limits, hub)
	}
	return s
}

// Hub returns the shared BusChangeHub, for the dispatcher to register
// against.
func (s *Stores) Hub() *BusChangeHub { return s.hub }

// Subscriptions returns the shared SubscriptionTable, for the dispatcher
// to read subscriber rules from.
func (s *Stores) Subscriptions() *SubscriptionTable { return s.subs }

// Store returns the named bus's underlying TopicStore, for callers (like
// the Run protocol) that want direct typed access instead of the
// map[string]any-based ipc.BusStore interface.
func (s *Stores) Store(bus string) (*TopicStore, error) {
	ts, ok := s.byBus[bus]
	if !ok {
		return nil, errors.Newf("unknown bus %q", bus)
	}
	return ts, nil
}

func eventsToMaps(events []Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, e.AsMap())
	}
	return out
}

// GetRecent implements ipc.BusStore.
func (s *Stores) GetRecent(bus, topic string, limit int) ([]map[string]any, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return nil, err
	}
	return eventsToMaps(ts.GetRecent(topic, limit)), nil
}

// GetSince implements ipc.BusStore.
func (s *Stores) GetSince(bus, topic string, afterSeq uint64, limit int) ([]map[string]any, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return nil, err
	}
	return eventsToMaps(ts.GetSince(topic, afterSeq, limit)), nil
}

// Query implements ipc.BusStore, converting the router's generic
// filter map into a QueryFilter.
func (s *Stores) Query(bus string, filter map[string]any, limit int) ([]map[string]any, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return nil, err
	}
	qf := QueryFilter{}
	if v, ok := filter["topic"].(string); ok {
		qf.Topic = v
	}
	if v, ok := filter["plugin_id"].(string); ok {
		qf.PluginID = v
	}
	if v, ok := filter["source"].(string); ok {
		qf.Source = v
	}
	if v, ok := filter["kind"].(string); ok {
		qf.Kind = v
	}
	if v, ok := filter["type"].(string); ok {
		qf.Type = v
	}
	if v, ok := filter["priority_min"]; ok {
		qf.PriorityMin = toInt(v)
	}
	if v, ok := filter["since_ts"].(time.Time); ok {
		qf.SinceTs = v
	}
	if v, ok := filter["until_ts"].(time.Time); ok {
		qf.UntilTs = v
	}
	return eventsToMaps(ts.Query(qf, limit)), nil
}

// Publish implements ipc.BusStore.
func (s *Stores) Publish(bus, topic string, payload map[string]any) (uint64, uint64, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return 0, 0, err
	}
	return ts.Publish(topic, payload)
}

// Delete implements ipc.BusStore.
func (s *Stores) Delete(bus, topic, id string) (uint64, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return 0, err
	}
	return ts.Delete(topic, id)
}

// Subscribe implements ipc.BusStore: registers sub_id on bus and returns
// the bus's current revision (spec §6 "Bus subscription request":
// "-> { ok:true, sub_id, bus, rev }").
func (s *Stores) Subscribe(bus, subID, fromPlugin string, rules []string, debounceMs int, plan map[string]any) (uint64, error) {
	ts, err := s.Store(bus)
	if err != nil {
		return 0, err
	}
	if err := s.subs.Add(Subscription{
		SubID: subID, FromPlugin: fromPlugin, Bus: bus,
		Rules: rules, Deliver: "delta", Plan: plan, DebounceMs: debounceMs,
	}); err != nil {
		return 0, err
	}
	return ts.Revision(), nil
}

// Unsubscribe implements ipc.BusStore.
func (s *Stores) Unsubscribe(bus, subID string) error {
	s.subs.Remove(bus, subID)
	return nil
}
