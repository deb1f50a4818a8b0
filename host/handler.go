package host

// HandlerKind classifies how a handler is dispatched (spec §4.1 "Dispatch
// rules"), named directly from original_source/plugin/sdk/decorators.py's
// annotation shapes.
type HandlerKind int

const (
	KindSync HandlerKind = iota
	KindAsync
	KindWorker
)

// EventHandler is the immutable-after-scan descriptor for one plugin
// member found during the static scan (spec §3 "EventHandler", §4.5).
//
// Extra carries the descriptor fields spec §9's generic
// {schema, kind, auto_start, worker_spec, checkpoint_policy} shape doesn't
// give a dedicated struct field to: for EventType == "timer", Extra
// ["interval_seconds"] (float64) is the sleep between auto-started runs
// (spec §4.1 step 5); for a custom event, Extra["trigger_method"]
// ("auto" or "manual") gates whether AutoStart launches it in the
// background at boot (spec §4.1 step 6).
type EventHandler struct {
	PluginID    string
	EventType   string // "plugin_entry", "lifecycle", "timer", "message", or a custom type
	EventID     string
	InputSchema map[string]any
	Kind        HandlerKind
	AutoStart   bool
	Checkpoint  bool // run a checkpoint after a successful dispatch
	MethodName  string // diagnostic fallback: the underlying method name, which may differ from EventID
	Extra       map[string]any
}

// IntervalSeconds reads Extra["interval_seconds"], defaulting to 60 when
// absent or malformed (spec §4.1 step 5's "timer.interval ... seconds").
func (h EventHandler) IntervalSeconds() float64 {
	if v, ok := h.Extra["interval_seconds"].(float64); ok && v > 0 {
		return v
	}
	return 60
}

// TriggerMethod reads Extra["trigger_method"], defaulting to "manual"
// (spec §4.1 step 6's "trigger_method == \"auto\"").
func (h EventHandler) TriggerMethod() string {
	if v, ok := h.Extra["trigger_method"].(string); ok && v != "" {
		return v
	}
	return "manual"
}

// CompositeKey returns "{plugin_id}.{event_id}", one of the two index keys
// named in spec §3.
func (h EventHandler) CompositeKey() string {
	return h.PluginID + "." + h.EventID
}

// TypedKey returns "{plugin_id}:{event_type}:{event_id}", the other index
// key named in spec §3.
func (h EventHandler) TypedKey() string {
	return h.PluginID + ":" + h.EventType + ":" + h.EventID
}

// PluginRecord is the registry's view of a loaded plugin (spec §3
// "PluginRecord").
type PluginRecord struct {
	PluginID      string
	Name          string
	Description   string
	Version       string
	SDKVersion    string
	Dependencies  []Dependency
	EntriesByKind map[string][]EventHandler // keyed by EventType
}

// Index builds the two composite-key lookup maps named in spec §4.5 from
// the record's entries. The scan that populates EntriesByKind MUST be
// idempotent (spec §4.5); Index is a pure read and safe to call any
// number of times.
func (r *PluginRecord) Index() (byComposite map[string]EventHandler, byTyped map[string]EventHandler) {
	byComposite = make(map[string]EventHandler)
	byTyped = make(map[string]EventHandler)
	for _, handlers := range r.EntriesByKind {
		for _, h := range handlers {
			byComposite[h.CompositeKey()] = h
			byTyped[h.TypedKey()] = h
		}
	}
	return byComposite, byTyped
}
