package ipc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// defaultPluginToPluginRate/Burst bound how often one plugin may call
// another through PLUGIN_TO_PLUGIN before the router starts replying
// RATE_LIMITED, grounded on the teacher's pulse budget/schedule rate
// limiting (golang.org/x/time/rate.NewLimiter).
const (
	defaultPluginToPluginRate  = 50 // requests/sec, per (caller, callee) pair
	defaultPluginToPluginBurst = 100
)

// RequestType enumerates the request router's dispatch table (spec §4.2
// "Request router").
type RequestType string

const (
	ReqPluginToPlugin       RequestType = "PLUGIN_TO_PLUGIN"
	ReqPluginQuery          RequestType = "PLUGIN_QUERY"
	ReqPluginConfigGet      RequestType = "PLUGIN_CONFIG_GET"
	ReqPluginConfigUpdate   RequestType = "PLUGIN_CONFIG_UPDATE"
	ReqPluginConfigBase     RequestType = "PLUGIN_CONFIG_BASE"
	ReqPluginConfigProfiles RequestType = "PLUGIN_CONFIG_PROFILES"
	ReqPluginConfigProfile  RequestType = "PLUGIN_CONFIG_PROFILE"
	ReqPluginConfigEffective RequestType = "PLUGIN_CONFIG_EFFECTIVE"
	ReqPluginSystemConfigGet RequestType = "PLUGIN_SYSTEM_CONFIG_GET"
	ReqMessageGet           RequestType = "MESSAGE_GET"
	ReqEventGet             RequestType = "EVENT_GET"
	ReqLifecycleGet         RequestType = "LIFECYCLE_GET"
	ReqMessagePush          RequestType = "MESSAGE_PUSH"
	ReqMessageDel           RequestType = "MESSAGE_DEL"
	ReqEventDel             RequestType = "EVENT_DEL"
	ReqLifecycleDel         RequestType = "LIFECYCLE_DEL"
	ReqBusSubscribe         RequestType = "BUS_SUBSCRIBE"
	ReqBusUnsubscribe       RequestType = "BUS_UNSUBSCRIBE"
	ReqUserContextGet       RequestType = "USER_CONTEXT_GET"
	ReqMemoryQuery          RequestType = "MEMORY_QUERY"
	ReqExportPush           RequestType = "EXPORT_PUSH"
	ReqRunUpdate            RequestType = "RUN_UPDATE"
)

// RoutedRequest is one inbound cross-plugin request, read off the
// cross-plugin request channel (spec §4.2 "Router main loop").
type RoutedRequest struct {
	Type       RequestType
	RequestID  string
	FromPlugin string
	Params     map[string]any
	Timeout    time.Duration
}

// RoutedResponse is the router's reply to a RoutedRequest.
type RoutedResponse struct {
	Result any
	Error  *StructuredError
}

// ErrorCode is the open enumeration of well-known error codes (spec §6
// "Structured result envelope").
type ErrorCode string

const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	ErrNotReady          ErrorCode = "NOT_READY"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrInternal          ErrorCode = "INTERNAL"
	ErrInvalidResponse   ErrorCode = "INVALID_RESPONSE"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrCommunication     ErrorCode = "COMMUNICATION_ERROR"
)

// PluginCaller is the subset of PluginHost-level behavior the router
// needs, expressed as an interface to keep this package decoupled from
// package host (which itself depends on package ipc).
type PluginCaller interface {
	TriggerCustomEvent(ctx context.Context, pluginID, eventType, eventID string, args map[string]any, timeout time.Duration) (Result, error)
	Alive(pluginID string) bool
}

// BusStore is the subset of the event-bus store (package bus) the router
// needs, again expressed as an interface for the same reason.
type BusStore interface {
	GetRecent(bus, topic string, limit int) ([]map[string]any, error)
	GetSince(bus, topic string, afterSeq uint64, limit int) ([]map[string]any, error)
	Query(bus string, filter map[string]any, limit int) ([]map[string]any, error)
	Publish(bus, topic string, payload map[string]any) (seq uint64, rev uint64, err error)
	Delete(bus, topic, id string) (rev uint64, err error)
	Subscribe(bus, subID, fromPlugin string, rules []string, debounceMs int, plan map[string]any) (rev uint64, err error)
	Unsubscribe(bus, subID string) error
}

// ConfigService is the subset of plugin-config behavior the router needs
// for PLUGIN_CONFIG_* requests.
type ConfigService interface {
	Get(pluginID string) (map[string]any, error)
	Update(pluginID string, patch map[string]any) error
	Base(pluginID string) (map[string]any, error)
	Profiles(pluginID string) ([]string, error)
	Profile(pluginID, profile string) (map[string]any, error)
	Effective(pluginID string) (map[string]any, error)
}

// Router is the process-wide request dispatcher (spec §4.2). Its own
// state is the system-config allow-list and the PLUGIN_TO_PLUGIN rate
// limiters; all domain state lives behind the PluginCaller/BusStore/ConfigService interfaces it is
// constructed with.
type Router struct {
	log     *zap.SugaredLogger
	broker  *RequestBroker
	plugins PluginCaller
	bus     BusStore
	config  ConfigService

	// systemConfigAllowList is the sanitized settings subset returned by
	// PLUGIN_SYSTEM_CONFIG_GET (original_source/plugin/server/requests/system_config.py
	// confirms this is an explicit allow-list, not the full config).
	systemConfigAllowList map[string]any
	systemConfigMu        sync.RWMutex

	// ppLimiters holds one token-bucket limiter per (caller, callee) pair
	// for PLUGIN_TO_PLUGIN requests, lazily created on first use.
	ppLimiters  map[string]*rate.Limiter
	ppLimiterMu sync.Mutex
	ppRate      rate.Limit
	ppBurst     int
}

// NewRouter constructs a Router.
func NewRouter(log *zap.SugaredLogger, broker *RequestBroker, plugins PluginCaller, bus BusStore, config ConfigService) *Router {
	return &Router{
		log:                   log.Named("ipc.router"),
		broker:                broker,
		plugins:               plugins,
		bus:                   bus,
		config:                config,
		systemConfigAllowList: make(map[string]any),
		ppLimiters:            make(map[string]*rate.Limiter),
		ppRate:                rate.Limit(defaultPluginToPluginRate),
		ppBurst:               defaultPluginToPluginBurst,
	}
}

// SetPluginToPluginRateLimit overrides the per-pair PLUGIN_TO_PLUGIN token
// bucket. Existing per-pair limiters are discarded, so every pair starts
// a fresh bucket with the new settings on its next call.
func (r *Router) SetPluginToPluginRateLimit(ratePerSecond float64, burst int) {
	r.ppLimiterMu.Lock()
	defer r.ppLimiterMu.Unlock()
	r.ppRate = rate.Limit(ratePerSecond)
	r.ppBurst = burst
	r.ppLimiters = make(map[string]*rate.Limiter)
}

func (r *Router) pluginToPluginLimiter(fromPlugin, toPlugin string) *rate.Limiter {
	key := fromPlugin + "->" + toPlugin
	r.ppLimiterMu.Lock()
	defer r.ppLimiterMu.Unlock()
	lim, ok := r.ppLimiters[key]
	if !ok {
		lim = rate.NewLimiter(r.ppRate, r.ppBurst)
		r.ppLimiters[key] = lim
	}
	return lim
}

// SetSystemConfigAllowList replaces the sanitized settings snapshot served
// by PLUGIN_SYSTEM_CONFIG_GET.
func (r *Router) SetSystemConfigAllowList(snapshot map[string]any) {
	r.systemConfigMu.Lock()
	defer r.systemConfigMu.Unlock()
	r.systemConfigAllowList = snapshot
}

// Dispatch handles one RoutedRequest, returning a RoutedResponse. It never
// panics on an unknown type; per spec §4.2 "Router main loop", an unknown
// type is logged and dropped (returned here as a NOT_FOUND-coded error so
// callers still get a well-formed reply instead of silence).
func (r *Router) Dispatch(ctx context.Context, req RoutedRequest) RoutedResponse {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	switch req.Type {
	case ReqPluginToPlugin:
		return r.dispatchPluginToPlugin(ctx, req)
	case ReqPluginQuery:
		return r.dispatchPluginQuery(req)
	case ReqPluginConfigGet, ReqPluginConfigUpdate, ReqPluginConfigBase,
		ReqPluginConfigProfiles, ReqPluginConfigProfile, ReqPluginConfigEffective:
		return r.dispatchPluginConfig(req)
	case ReqPluginSystemConfigGet:
		return r.dispatchSystemConfigGet()
	case ReqMessageGet:
		return r.dispatchBusGet("messages", req)
	case ReqEventGet:
		return r.dispatchBusGet("events", req)
	case ReqLifecycleGet:
		return r.dispatchBusGet("lifecycle", req)
	case ReqMessagePush:
		return r.dispatchMessagePush(req)
	case ReqMessageDel:
		return r.dispatchBusDel("messages", req)
	case ReqEventDel:
		return r.dispatchBusDel("events", req)
	case ReqLifecycleDel:
		return r.dispatchBusDel("lifecycle", req)
	case ReqBusSubscribe:
		return r.dispatchBusSubscribe(req)
	case ReqBusUnsubscribe:
		return r.dispatchBusUnsubscribe(req)
	case ReqUserContextGet:
		return r.dispatchUserContextGet(req)
	case ReqMemoryQuery:
		return r.dispatchBusGet("memory", req)
	case ReqExportPush:
		return r.dispatchBusPush("export", req)
	case ReqRunUpdate:
		return r.dispatchBusPush("runs", req)
	default:
		r.log.Warnw("dropping request of unknown type", "type", req.Type, "request_id", req.RequestID)
		return errResponse(ErrCodeNotFound, "unknown request type: "+string(req.Type), false)
	}
}

func errResponse(code ErrorCode, message string, retriable bool) RoutedResponse {
	return RoutedResponse{Error: &StructuredError{Code: string(code), Message: message, Retriable: retriable}}
}

func (r *Router) dispatchPluginToPlugin(ctx context.Context, req RoutedRequest) RoutedResponse {
	targetID, _ := req.Params["plugin_id"].(string)
	eventType, _ := req.Params["event_type"].(string)
	eventID, _ := req.Params["event_id"].(string)
	args, _ := req.Params["args"].(map[string]any)

	if targetID == "" || eventID == "" {
		return errResponse(ErrValidation, "plugin_id and event_id are required", false)
	}
	if !r.plugins.Alive(targetID) {
		return errResponse(ErrNotReady, "plugin '"+targetID+"' is not running", false)
	}
	if !r.pluginToPluginLimiter(req.FromPlugin, targetID).Allow() {
		return errResponse(ErrRateLimited, "plugin-to-plugin call rate exceeded for "+req.FromPlugin+" -> "+targetID, true)
	}

	res, err := r.plugins.TriggerCustomEvent(ctx, targetID, eventType, eventID, args, req.Timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return errResponse(ErrCodeTimeout, "plugin-to-plugin call timed out", true)
		}
		return errResponse(ErrCommunication, err.Error(), true)
	}
	if !res.Success {
		if res.Error != nil {
			return RoutedResponse{Error: res.Error}
		}
		return errResponse(ErrInternal, "plugin-to-plugin call failed", false)
	}
	return RoutedResponse{Result: res.Data}
}

func (r *Router) dispatchPluginQuery(req RoutedRequest) RoutedResponse {
	// Snapshotting the plugin registry/status/indexed events is performed
	// by the caller-supplied PluginCaller/registry in practice; the router
	// itself only applies the request's filters to whatever snapshot the
	// caller attaches via Params["snapshot"], keeping this package free of
	// a dependency on package host's concrete registry type.
	snapshot, _ := req.Params["snapshot"].([]map[string]any)
	return RoutedResponse{Result: applyPluginQueryFilters(snapshot, req.Params)}
}

func applyPluginQueryFilters(snapshot []map[string]any, params map[string]any) []map[string]any {
	pluginID, hasID := params["plugin_id"].(string)
	if !hasID || pluginID == "" || pluginID == "*" {
		return snapshot
	}
	out := make([]map[string]any, 0, len(snapshot))
	for _, rec := range snapshot {
		if id, _ := rec["plugin_id"].(string); id == pluginID {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Router) dispatchPluginConfig(req RoutedRequest) RoutedResponse {
	if r.config == nil {
		return errResponse(ErrNotReady, "config service unavailable", false)
	}
	pluginID, _ := req.Params["plugin_id"].(string)
	owner, _ := req.Params["own_plugin_id"].(string)
	if pluginID == "" {
		return errResponse(ErrValidation, "plugin_id is required", false)
	}
	if owner != "" && owner != pluginID {
		return errResponse(ErrPermissionDenied, "plugins may only access their own config", false)
	}

	var (
		result any
		err    error
	)
	switch req.Type {
	case ReqPluginConfigGet:
		result, err = r.config.Get(pluginID)
	case ReqPluginConfigUpdate:
		patch, _ := req.Params["patch"].(map[string]any)
		err = r.config.Update(pluginID, patch)
	case ReqPluginConfigBase:
		result, err = r.config.Base(pluginID)
	case ReqPluginConfigProfiles:
		result, err = r.config.Profiles(pluginID)
	case ReqPluginConfigProfile:
		profile, _ := req.Params["profile"].(string)
		result, err = r.config.Profile(pluginID, profile)
	case ReqPluginConfigEffective:
		result, err = r.config.Effective(pluginID)
	}
	if err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: result}
}

func (r *Router) dispatchSystemConfigGet() RoutedResponse {
	r.systemConfigMu.RLock()
	defer r.systemConfigMu.RUnlock()
	return RoutedResponse{Result: r.systemConfigAllowList}
}

func (r *Router) dispatchBusGet(busName string, req RoutedRequest) RoutedResponse {
	topic, _ := req.Params["topic"].(string)
	limit := intParam(req.Params, "limit", 100)

	if afterSeq, ok := uintParam(req.Params, "after_seq"); ok {
		items, err := r.bus.GetSince(busName, topic, afterSeq, limit)
		if err != nil {
			return errResponse(ErrInternal, err.Error(), false)
		}
		return RoutedResponse{Result: items}
	}

	if hasQueryFilters(req.Params) {
		items, err := r.bus.Query(busName, req.Params, limit)
		if err != nil {
			return errResponse(ErrInternal, err.Error(), false)
		}
		return RoutedResponse{Result: items}
	}

	items, err := r.bus.GetRecent(busName, topic, limit)
	if err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: items}
}

func hasQueryFilters(params map[string]any) bool {
	for _, key := range []string{"plugin_id", "source", "kind", "type", "priority_min", "since_ts", "until_ts"} {
		if v, ok := params[key]; ok && v != nil && v != "*" {
			return true
		}
	}
	return false
}

func (r *Router) dispatchMessagePush(req RoutedRequest) RoutedResponse {
	return r.dispatchBusPush("messages", req)
}

func (r *Router) dispatchBusPush(busName string, req RoutedRequest) RoutedResponse {
	topic, _ := req.Params["topic"].(string)
	payload, _ := req.Params["payload"].(map[string]any)
	if topic == "" || payload == nil {
		return errResponse(ErrValidation, "topic and payload are required", false)
	}
	seq, rev, err := r.bus.Publish(busName, topic, payload)
	if err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: map[string]any{"seq": seq, "rev": rev}}
}

func (r *Router) dispatchBusDel(busName string, req RoutedRequest) RoutedResponse {
	topic, _ := req.Params["topic"].(string)
	id, _ := req.Params["id"].(string)
	if id == "" {
		return errResponse(ErrValidation, "id is required", false)
	}
	rev, err := r.bus.Delete(busName, topic, id)
	if err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: map[string]any{"id": id, "rev": rev}}
}

func (r *Router) dispatchBusSubscribe(req RoutedRequest) RoutedResponse {
	busName, _ := req.Params["bus"].(string)
	subID, _ := req.Params["sub_id"].(string)
	rules := stringSliceParam(req.Params, "rules")
	debounce := intParam(req.Params, "debounce_ms", 0)
	plan, _ := req.Params["plan"].(map[string]any)

	if busName == "" || subID == "" {
		return errResponse(ErrValidation, "bus and sub_id are required", false)
	}
	rev, err := r.bus.Subscribe(busName, subID, req.FromPlugin, rules, debounce, plan)
	if err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: map[string]any{"sub_id": subID, "bus": busName, "rev": rev}}
}

func (r *Router) dispatchBusUnsubscribe(req RoutedRequest) RoutedResponse {
	busName, _ := req.Params["bus"].(string)
	subID, _ := req.Params["sub_id"].(string)
	if err := r.bus.Unsubscribe(busName, subID); err != nil {
		return errResponse(ErrInternal, err.Error(), false)
	}
	return RoutedResponse{Result: map[string]any{"ok": true}}
}

func (r *Router) dispatchUserContextGet(req RoutedRequest) RoutedResponse {
	// Bounded per-bucket history with TTL: served from the "events" bus
	// under a per-user topic, consistent with the rest of the router's
	// bus-backed reads.
	return r.dispatchBusGet("events", req)
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func uintParam(params map[string]any, key string) (uint64, bool) {
	switch v := params[key].(type) {
	case uint64:
		return v, true
	case int:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case float64:
		return uint64(v), true
	default:
		return 0, false
	}
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]string)
	if ok {
		return raw
	}
	rawAny, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rawAny))
	for _, v := range rawAny {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// RunLoop is the router's main loop (spec §4.2 "Router main loop"):
// blocking read with a 100ms timeout on inbound, periodic 30s sweep of
// expired responses.
func (r *Router) RunLoop(ctx context.Context, inbound <-chan RoutedRequest, reply func(requestID string, resp RoutedResponse)) {
	sweepTicker := time.NewTicker(30 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			r.broker.Sweep()
		case req, ok := <-inbound:
			if !ok {
				return
			}
			resp := r.Dispatch(ctx, req)
			reply(req.RequestID, resp)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
