package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePluginCaller struct {
	mu      sync.Mutex
	aliveOf map[string]bool
	result  Result
	err     error
}

func (f *fakePluginCaller) Alive(pluginID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveOf[pluginID]
}

func (f *fakePluginCaller) TriggerCustomEvent(ctx context.Context, pluginID, eventType, eventID string, args map[string]any, timeout time.Duration) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

type fakeBusStore struct {
	mu          sync.Mutex
	recent      []map[string]any
	lastPublish struct {
		bus, topic string
		payload    map[string]any
	}
	lastQuery struct {
		bus    string
		filter map[string]any
	}
	lastDelete struct{ bus, topic, id string }
	lastSub    struct {
		bus, subID, fromPlugin string
		rules                  []string
	}
	unsubscribed string
	publishErr   error
}

func (f *fakeBusStore) GetRecent(bus, topic string, limit int) ([]map[string]any, error) {
	return f.recent, nil
}

func (f *fakeBusStore) GetSince(bus, topic string, afterSeq uint64, limit int) ([]map[string]any, error) {
	return f.recent, nil
}

func (f *fakeBusStore) Query(bus string, filter map[string]any, limit int) ([]map[string]any, error) {
	f.lastQuery.bus = bus
	f.lastQuery.filter = filter
	return f.recent, nil
}

func (f *fakeBusStore) Publish(bus, topic string, payload map[string]any) (uint64, uint64, error) {
	if f.publishErr != nil {
		return 0, 0, f.publishErr
	}
	f.lastPublish.bus = bus
	f.lastPublish.topic = topic
	f.lastPublish.payload = payload
	return 1, 1, nil
}

func (f *fakeBusStore) Delete(bus, topic, id string) (uint64, error) {
	f.lastDelete = struct{ bus, topic, id string }{bus, topic, id}
	return 2, nil
}

func (f *fakeBusStore) Subscribe(bus, subID, fromPlugin string, rules []string, debounceMs int, plan map[string]any) (uint64, error) {
	f.lastSub.bus = bus
	f.lastSub.subID = subID
	f.lastSub.fromPlugin = fromPlugin
	f.lastSub.rules = rules
	return 3, nil
}

func (f *fakeBusStore) Unsubscribe(bus, subID string) error {
	f.unsubscribed = subID
	return nil
}

type fakeConfigService struct {
	cfg map[string]any
	err error
}

func (f *fakeConfigService) Get(pluginID string) (map[string]any, error)    { return f.cfg, f.err }
func (f *fakeConfigService) Update(pluginID string, patch map[string]any) error {
	if f.err != nil {
		return f.err
	}
	for k, v := range patch {
		f.cfg[k] = v
	}
	return nil
}
func (f *fakeConfigService) Base(pluginID string) (map[string]any, error) { return f.cfg, f.err }
func (f *fakeConfigService) Profiles(pluginID string) ([]string, error)   { return []string{"fast"}, f.err }
func (f *fakeConfigService) Profile(pluginID, profile string) (map[string]any, error) {
	return f.cfg, f.err
}
func (f *fakeConfigService) Effective(pluginID string) (map[string]any, error) { return f.cfg, f.err }

func newTestRouter(t *testing.T) (*Router, *fakePluginCaller, *fakeBusStore, *fakeConfigService) {
	t.Helper()
	plugins := &fakePluginCaller{aliveOf: map[string]bool{}}
	bus := &fakeBusStore{}
	cfg := &fakeConfigService{cfg: map[string]any{}}
	broker := NewRequestBroker(zaptest.NewLogger(t).Sugar())
	r := NewRouter(zaptest.NewLogger(t).Sugar(), broker, plugins, bus, cfg)
	return r, plugins, bus, cfg
}

func TestRouter_Dispatch_UnknownType(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{Type: "BOGUS", Timeout: time.Second})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrCodeNotFound), resp.Error.Code)
}

func TestRouter_DispatchPluginToPlugin_NotAlive(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginToPlugin,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-b",
			"event_id":  "evt-1",
		},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrNotReady), resp.Error.Code)
}

func TestRouter_DispatchPluginToPlugin_MissingFields(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginToPlugin,
		Timeout: time.Second,
		Params:  map[string]any{},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrValidation), resp.Error.Code)
}

func TestRouter_DispatchPluginToPlugin_Success(t *testing.T) {
	r, plugins, _, _ := newTestRouter(t)
	plugins.aliveOf["plugin-b"] = true
	plugins.result = Result{Success: true, Data: "pong"}

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginToPlugin,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-b",
			"event_id":  "evt-1",
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestRouter_DispatchPluginToPlugin_CallerError(t *testing.T) {
	r, plugins, _, _ := newTestRouter(t)
	plugins.aliveOf["plugin-b"] = true
	plugins.result = Result{Success: false, Error: &StructuredError{Code: string(ErrCodeTimeout), Message: "timed out"}}

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginToPlugin,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-b",
			"event_id":  "evt-1",
		},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrCodeTimeout), resp.Error.Code)
}

func TestRouter_DispatchPluginToPlugin_RateLimited(t *testing.T) {
	r, plugins, _, _ := newTestRouter(t)
	r.SetPluginToPluginRateLimit(1, 1) // one token, no refill within the test
	plugins.aliveOf["plugin-b"] = true
	plugins.result = Result{Success: true, Data: "pong"}

	req := RoutedRequest{
		Type:    ReqPluginToPlugin,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-b",
			"event_id":  "evt-1",
		},
	}

	first := r.Dispatch(context.Background(), req)
	require.Nil(t, first.Error)

	second := r.Dispatch(context.Background(), req)
	require.NotNil(t, second.Error)
	assert.Equal(t, string(ErrRateLimited), second.Error.Code)
}

func TestRouter_DispatchPluginToPlugin_RateLimitIsPerCallerCalleePair(t *testing.T) {
	r, plugins, _, _ := newTestRouter(t)
	r.SetPluginToPluginRateLimit(1, 1)
	plugins.aliveOf["plugin-b"] = true
	plugins.result = Result{Success: true, Data: "pong"}

	req := RoutedRequest{
		Type:       ReqPluginToPlugin,
		FromPlugin: "plugin-a",
		Timeout:    time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-b",
			"event_id":  "evt-1",
		},
	}
	exhausted := r.Dispatch(context.Background(), req)
	require.Nil(t, exhausted.Error)

	req.FromPlugin = "plugin-c"
	resp := r.Dispatch(context.Background(), req)
	require.Nil(t, resp.Error, "a different caller has its own token bucket")
}

func TestRouter_DispatchPluginQuery_FiltersByID(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	snapshot := []map[string]any{
		{"plugin_id": "plugin-a"},
		{"plugin_id": "plugin-b"},
	}
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginQuery,
		Timeout: time.Second,
		Params: map[string]any{
			"snapshot":  snapshot,
			"plugin_id": "plugin-a",
		},
	})
	require.Nil(t, resp.Error)
	out := resp.Result.([]map[string]any)
	require.Len(t, out, 1)
	assert.Equal(t, "plugin-a", out[0]["plugin_id"])
}

func TestRouter_DispatchPluginConfig_RequiresPluginID(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginConfigGet,
		Timeout: time.Second,
		Params:  map[string]any{},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrValidation), resp.Error.Code)
}

func TestRouter_DispatchPluginConfig_RejectsCrossPluginAccess(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginConfigGet,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id":     "plugin-a",
			"own_plugin_id": "plugin-b",
		},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrPermissionDenied), resp.Error.Code)
}

func TestRouter_DispatchPluginConfig_GetAndUpdate(t *testing.T) {
	r, _, _, cfg := newTestRouter(t)
	cfg.cfg["x"] = 1

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginConfigGet,
		Timeout: time.Second,
		Params:  map[string]any{"plugin_id": "plugin-a"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, cfg.cfg, resp.Result)

	resp = r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginConfigUpdate,
		Timeout: time.Second,
		Params: map[string]any{
			"plugin_id": "plugin-a",
			"patch":     map[string]any{"y": 2},
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, 2, cfg.cfg["y"])
}

func TestRouter_DispatchSystemConfigGet(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	r.SetSystemConfigAllowList(map[string]any{"feature_x": true})

	resp := r.Dispatch(context.Background(), RoutedRequest{Type: ReqPluginSystemConfigGet, Timeout: time.Second})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"feature_x": true}, resp.Result)
}

func TestRouter_DispatchBusGet_PlainRecent(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	bus.recent = []map[string]any{{"id": "e1"}}

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqMessageGet,
		Timeout: time.Second,
		Params:  map[string]any{"topic": "alerts"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, bus.recent, resp.Result)
}

func TestRouter_DispatchBusGet_WithQueryFilters(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqEventGet,
		Timeout: time.Second,
		Params:  map[string]any{"plugin_id": "plugin-a"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "events", bus.lastQuery.bus)
}

func TestRouter_DispatchBusGet_AfterSeq(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	bus.recent = []map[string]any{{"id": "e2"}}

	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqLifecycleGet,
		Timeout: time.Second,
		Params:  map[string]any{"after_seq": int64(5)},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, bus.recent, resp.Result)
}

func TestRouter_DispatchMessagePush_RequiresTopicAndPayload(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{Type: ReqMessagePush, Timeout: time.Second, Params: map[string]any{}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrValidation), resp.Error.Code)
}

func TestRouter_DispatchMessagePush_Success(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqMessagePush,
		Timeout: time.Second,
		Params: map[string]any{
			"topic":   "alerts",
			"payload": map[string]any{"msg": "hi"},
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "messages", bus.lastPublish.bus)
	assert.Equal(t, "alerts", bus.lastPublish.topic)
}

func TestRouter_DispatchExportPush_UsesExportBus(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqExportPush,
		Timeout: time.Second,
		Params: map[string]any{
			"topic":   "progress",
			"payload": map[string]any{"stage": "start"},
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "export", bus.lastPublish.bus)
}

func TestRouter_DispatchRunUpdate_UsesRunsBus(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqRunUpdate,
		Timeout: time.Second,
		Params: map[string]any{
			"topic":   "run-1",
			"payload": map[string]any{"status": "done"},
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "runs", bus.lastPublish.bus)
}

func TestRouter_DispatchBusDel_RequiresID(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{Type: ReqMessageDel, Timeout: time.Second, Params: map[string]any{}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrValidation), resp.Error.Code)
}

func TestRouter_DispatchBusDel_Success(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqEventDel,
		Timeout: time.Second,
		Params:  map[string]any{"topic": "alerts", "id": "e1"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "events", bus.lastDelete.bus)
	assert.Equal(t, "e1", bus.lastDelete.id)
}

func TestRouter_DispatchBusSubscribeAndUnsubscribe(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:       ReqBusSubscribe,
		Timeout:    time.Second,
		FromPlugin: "plugin-a",
		Params: map[string]any{
			"bus":    "events",
			"sub_id": "sub-1",
			"rules":  []any{"alert.*"},
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "plugin-a", bus.lastSub.fromPlugin)
	assert.Equal(t, []string{"alert.*"}, bus.lastSub.rules)

	resp = r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqBusUnsubscribe,
		Timeout: time.Second,
		Params:  map[string]any{"bus": "events", "sub_id": "sub-1"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "sub-1", bus.unsubscribed)
}

func TestRouter_DispatchMemoryQuery_UsesMemoryBus(t *testing.T) {
	r, _, bus, _ := newTestRouter(t)
	bus.recent = []map[string]any{{"id": "m1"}}
	resp := r.Dispatch(context.Background(), RoutedRequest{Type: ReqMemoryQuery, Timeout: time.Second, Params: map[string]any{}})
	require.Nil(t, resp.Error)
	assert.Equal(t, bus.recent, resp.Result)
}

func TestRouter_PluginConfig_PropagatesServiceError(t *testing.T) {
	r, _, _, cfg := newTestRouter(t)
	cfg.err = assertErr{"boom"}
	resp := r.Dispatch(context.Background(), RoutedRequest{
		Type:    ReqPluginConfigGet,
		Timeout: time.Second,
		Params:  map[string]any{"plugin_id": "plugin-a"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrInternal), resp.Error.Code)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
