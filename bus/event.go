// Package bus implements the event-bus store (spec §4.3): ordered,
// append-only, bounded per-topic stores with monotonic sequence numbers,
// soft-delete tombstones, per-bus revision counters, and the
// change-notification hub.
//
// Grounded on ats/storage/bounded_store.go (bounded/quota'd storage shape)
// and ats/storage/observer.go (async change-notification pattern); see
// DESIGN.md.
package bus

import "time"

// Index is the small server-side-filterable projection of payload fields
// named in spec §3 ("Event (stored)").
type Index struct {
	PluginID  string
	Source    string
	Priority  int
	Kind      string
	Type      string
	Timestamp time.Time
	ID        string
}

// Event is one stored record: `{seq, ts, store, topic, payload, index}`
// (spec §3).
type Event struct {
	Seq     uint64
	Ts      time.Time
	Store   string
	Topic   string
	Payload map[string]any
	Index   Index
}

// Light strips Payload, returning the "light" projection form named in
// spec §4.3 ("Query semantics").
func (e Event) Light() Event {
	light := e
	light.Payload = nil
	return light
}

// AsMap renders the event as a plain map for transport across the
// ipc.BusStore interface boundary (keeping package ipc free of a
// dependency on package bus's concrete types).
func (e Event) AsMap() map[string]any {
	m := map[string]any{
		"seq":   e.Seq,
		"ts":    e.Ts,
		"store": e.Store,
		"topic": e.Topic,
		"index": map[string]any{
			"plugin_id": e.Index.PluginID,
			"source":    e.Index.Source,
			"priority":  e.Index.Priority,
			"kind":      e.Index.Kind,
			"type":      e.Index.Type,
			"timestamp": e.Index.Timestamp,
			"id":        e.Index.ID,
		},
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	return m
}

// projection builds an Index from a payload map, reading the well-known
// index fields named in spec §3 and defaulting absent ones.
func projection(payload map[string]any, ts time.Time) Index {
	idx := Index{Timestamp: ts}
	if v, ok := payload["plugin_id"].(string); ok {
		idx.PluginID = v
	}
	if v, ok := payload["source"].(string); ok {
		idx.Source = v
	}
	if v, ok := payload["priority"]; ok {
		idx.Priority = toInt(v)
	}
	if v, ok := payload["kind"].(string); ok {
		idx.Kind = v
	}
	if v, ok := payload["type"].(string); ok {
		idx.Type = v
	}
	if v, ok := payload["id"].(string); ok {
		idx.ID = v
	}
	return idx
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
