package host

import (
	"context"
	"time"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// Registry satisfies ipc.PluginCaller and bus/dispatch.PluginPusher by
// looking up the target plugin's live PluginHost and delegating. Keeping
// these thin adapters on Registry (rather than exposing PluginHost
// directly to the router/dispatcher) is what lets package ipc and package
// bus/dispatch depend only on small interfaces instead of on package host.

// Alive implements ipc.PluginCaller / bus/dispatch.PluginPusher.
func (r *Registry) Alive(pluginID string) bool {
	h, ok := r.Host(pluginID)
	if !ok {
		return false
	}
	return h.Alive()
}

// Trigger looks up pluginID's live host and invokes its named entry
// directly, for callers (the Run protocol) that address an entry_id
// rather than an (event_type, event_id) custom event.
func (r *Registry) Trigger(ctx context.Context, pluginID, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	h, ok := r.Host(pluginID)
	if !ok {
		return ipc.Result{}, errors.Wrap(ErrPluginNotFound, pluginID)
	}
	return h.Trigger(ctx, entryID, args, timeout)
}

// TriggerCustomEvent implements ipc.PluginCaller.
func (r *Registry) TriggerCustomEvent(ctx context.Context, pluginID, eventType, eventID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	h, ok := r.Host(pluginID)
	if !ok {
		return ipc.Result{}, errors.Wrap(ErrPluginNotFound, pluginID)
	}
	return h.TriggerCustomEvent(ctx, eventType, eventID, args, timeout)
}

// PushBusChange implements bus/dispatch.PluginPusher.
func (r *Registry) PushBusChange(ctx context.Context, pluginID, subID, busName, op string, delta map[string]any, timeout time.Duration) error {
	h, ok := r.Host(pluginID)
	if !ok {
		return errors.Wrap(ErrPluginNotFound, pluginID)
	}
	return h.PushBusChange(ctx, subID, busName, op, delta, timeout)
}
