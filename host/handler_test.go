package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventHandler_Keys(t *testing.T) {
	h := EventHandler{PluginID: "plugin-a", EventType: "lifecycle", EventID: "on_start"}
	assert.Equal(t, "plugin-a.on_start", h.CompositeKey())
	assert.Equal(t, "plugin-a:lifecycle:on_start", h.TypedKey())
}

func TestPluginRecord_Index_EmptyRecord(t *testing.T) {
	r := &PluginRecord{PluginID: "plugin-a"}
	byComposite, byTyped := r.Index()
	assert.Empty(t, byComposite)
	assert.Empty(t, byTyped)
}

func TestPluginRecord_Index_BuildsBothMaps(t *testing.T) {
	r := &PluginRecord{
		PluginID: "plugin-a",
		EntriesByKind: map[string][]EventHandler{
			"lifecycle": {
				{PluginID: "plugin-a", EventType: "lifecycle", EventID: "on_start"},
				{PluginID: "plugin-a", EventType: "lifecycle", EventID: "on_stop"},
			},
			"timer": {
				{PluginID: "plugin-a", EventType: "timer", EventID: "tick"},
			},
		},
	}
	byComposite, byTyped := r.Index()

	assert.Len(t, byComposite, 3)
	assert.Contains(t, byComposite, "plugin-a.on_start")
	assert.Contains(t, byComposite, "plugin-a.tick")

	assert.Len(t, byTyped, 3)
	assert.Contains(t, byTyped, "plugin-a:lifecycle:on_start")
	assert.Contains(t, byTyped, "plugin-a:timer:tick")
}

func TestEventHandler_IntervalSeconds(t *testing.T) {
	assert.Equal(t, float64(60), EventHandler{}.IntervalSeconds(), "defaults to 60 when Extra is unset")
	assert.Equal(t, float64(60), EventHandler{Extra: map[string]any{"interval_seconds": "not-a-number"}}.IntervalSeconds())
	assert.Equal(t, float64(60), EventHandler{Extra: map[string]any{"interval_seconds": 0.0}}.IntervalSeconds(), "non-positive falls back to the default")
	assert.Equal(t, 5.5, EventHandler{Extra: map[string]any{"interval_seconds": 5.5}}.IntervalSeconds())
}

func TestEventHandler_TriggerMethod(t *testing.T) {
	assert.Equal(t, "manual", EventHandler{}.TriggerMethod(), "defaults to manual when Extra is unset")
	assert.Equal(t, "manual", EventHandler{Extra: map[string]any{"trigger_method": 42}}.TriggerMethod())
	assert.Equal(t, "auto", EventHandler{Extra: map[string]any{"trigger_method": "auto"}}.TriggerMethod())
}
