package bus

import (
	"sync"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// Subscription is the `BusSubscription` entity of spec §3: `{sub_id,
// from_plugin, bus, rules, deliver, plan, debounce_ms, timeout}`.
// Registered via BUS_SUBSCRIBE; keyed by (bus, sub_id). The timeout field
// is not stored per subscription: every push uses the dispatcher's
// Config.PushTimeout.
type Subscription struct {
	SubID      string
	FromPlugin string
	Bus        string
	Rules      []string // deltas whose op is not in Rules are dropped (spec §4.4)
	Deliver    string   // only "delta" is supported in this core (spec §4.4)
	Plan       map[string]any
	DebounceMs int
}

// AllowsOp reports whether op is in the subscription's Rules list.
func (s Subscription) AllowsOp(op string) bool {
	for _, r := range s.Rules {
		if r == op {
			return true
		}
	}
	return false
}

// SubscriptionTable owns every live Subscription, keyed by (bus, sub_id)
// as spec §3 requires. It is consulted by both the router (register/
// remove) and the bus subscription dispatcher (look up who to fan out
// to).
type SubscriptionTable struct {
	mu   sync.RWMutex
	subs map[string]map[string]Subscription // bus -> sub_id -> Subscription
}

// NewSubscriptionTable constructs an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{subs: make(map[string]map[string]Subscription)}
}

// Add registers sub, keyed by (sub.Bus, sub.SubID).
func (t *SubscriptionTable) Add(sub Subscription) error {
	if sub.Bus == "" || sub.SubID == "" {
		return errors.New("subscription requires both bus and sub_id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[sub.Bus]; !ok {
		t.subs[sub.Bus] = make(map[string]Subscription)
	}
	t.subs[sub.Bus][sub.SubID] = sub
	return nil
}

// Remove removes one subscription.
func (t *SubscriptionTable) Remove(bus, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.subs[bus]; ok {
		delete(m, subID)
	}
}

// RemoveByPlugin removes every subscription owned by pluginID, per spec
// §3's "BusSubscription" lifecycle: "removed by BUS_UNSUBSCRIBE or when
// the subscribing plugin stops."
func (t *SubscriptionTable) RemoveByPlugin(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for bus, subs := range t.subs {
		for id, sub := range subs {
			if sub.FromPlugin == pluginID {
				delete(t.subs[bus], id)
			}
		}
	}
}

// ForBus returns every subscription registered on bus.
func (t *SubscriptionTable) ForBus(bus string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.subs[bus]
	out := make([]Subscription, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	return out
}
