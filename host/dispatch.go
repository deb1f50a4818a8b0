package host

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
	"github.com/wislap/N.E.K.O-sub001/ipc/fastplane"
)

// ErrInvalidArgument marks a handler failure as the child's own
// "invalid-argument" class (spec §4.1 dispatch rules: "on invalid-argument
// type errors, reply with a structured error"), distinct from an
// unexpected internal failure. Wrap a handler's validation failure with
// errors.Mark(err, ErrInvalidArgument) (or errors.Is against it) so
// dispatchCommand can classify it.
var ErrInvalidArgument = errors.New("invalid argument")

// HandlerFunc is one plugin entry point, invoked with the merged args of a
// TRIGGER/TRIGGER_CUSTOM command.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// RegisteredHandler pairs a HandlerFunc with the dispatch-mode metadata
// spec §4.1 names.
type RegisteredHandler struct {
	Kind       HandlerKind
	Fn         HandlerFunc
	Checkpoint bool // run a checkpoint after a successful execution
}

// FreezeFunc returns the plugin's current freezable state, or false if it
// has none to offer.
type FreezeFunc func() (map[string]any, bool)

// RestoreFunc applies previously-persisted freezable state to the plugin
// instance, called once before the command loop begins if persistence is
// enabled and a checkpoint exists for this plugin (spec §4.1 step 3).
type RestoreFunc func(state map[string]any)

// FastPlaneCaller is the plugin-side handle for reaching another plugin or
// the bus over the fast plane (spec §4.1 step 1(c), §4.2's request/
// response envelope). A plugin process that never initiates outbound
// calls (it only answers TRIGGER/TRIGGER_CUSTOM/BUS_CHANGE commands the
// host pushes) leaves this nil.
type FastPlaneCaller interface {
	Call(ctx context.Context, req fastplane.Request) (fastplane.Response, error)
}

// PluginContext is the handle ChildRuntime hands to a plugin instance at
// construction (spec §4.1 step 1): "(a) logger, (b) the child's IPC
// endpoints, (c) convenience clients to the bus and plugin-call, (d)
// config access, (e) optional freeze/checkpoint helper." The child's IPC
// endpoint (b) is ChildRuntime itself, reached through RegisterEntry/
// RegisterCustomEvent rather than a raw wire handle — a plugin instance
// never touches the wire transport directly.
type PluginContext struct {
	PluginID   string
	Log        *zap.SugaredLogger
	Config     map[string]any
	Call       FastPlaneCaller
	Freeze     FreezeFunc
	Restore    RestoreFunc
	Checkpoint CheckpointBackend
}

// ChildRuntime is the reference command-loop contract a plugin binary
// built against this module implements (spec §4.1 "child runtime loop
// contract"): read Commands from the host over the wire transport,
// dispatch by HandlerKind, reply with Results. Grounded on
// pulse/async/worker.go's bounded worker pool (graceful sizing, wg-based
// drain) generalized to the per-entry dispatch-mode split spec §4.1
// requires, and on ipc.PopWithStop's short-poll idiom for the async-helper
// "poll a done flag" path.
type ChildRuntime struct {
	pluginID    string
	execTimeout time.Duration

	mu               sync.RWMutex
	byEntry          map[string]RegisteredHandler
	entryMeta        map[string]EventHandler
	byEventKey       map[string]RegisteredHandler
	eventMeta        map[string]EventHandler
	freeze           FreezeFunc
	restore          RestoreFunc
	checkpoint       CheckpointBackend
	config           map[string]any
	caller           FastPlaneCaller
	lifecycleStartup func(ctx context.Context) error

	workerSem chan struct{}

	in  *wireReader
	out *wireWriter
	log *zap.SugaredLogger

	stopped atomic.Bool
}

// NewChildRuntime constructs a ChildRuntime that reads Commands from in
// and writes Results/Status/Message frames to out (typically the child's
// stdin/stdout, symmetric with host.go's wireWriter/wireReader).
func NewChildRuntime(pluginID string, in io.Reader, out io.Writer, workerPoolSize int, execTimeout time.Duration, log *zap.SugaredLogger) *ChildRuntime {
	if workerPoolSize <= 0 {
		workerPoolSize = 16
	}
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	return &ChildRuntime{
		pluginID:    pluginID,
		execTimeout: execTimeout,
		byEntry:     make(map[string]RegisteredHandler),
		entryMeta:   make(map[string]EventHandler),
		byEventKey:  make(map[string]RegisteredHandler),
		eventMeta:   make(map[string]EventHandler),
		workerSem:   make(chan struct{}, workerPoolSize),
		in:          newWireReader(in),
		out:         newWireWriter(out),
		log:         log.Named("host.child").With("plugin_id", pluginID),
	}
}

// RegisterEntry registers a static handler addressable by entry id
// (TRIGGER), along with its EventHandler descriptor so Run's boot
// sequence can auto-start it when meta.EventType == "timer" and
// meta.AutoStart (spec §4.1 step 5).
func (c *ChildRuntime) RegisterEntry(meta EventHandler, h RegisteredHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEntry[meta.EventID] = h
	c.entryMeta[meta.EventID] = meta
}

// RegisterCustomEvent registers a handler addressable by (event_type,
// event_id) (TRIGGER_CUSTOM, the plugin-to-plugin call path), along with
// its EventHandler descriptor so Run's boot sequence can auto-start it
// when meta.AutoStart and meta.TriggerMethod() == "auto" (spec §4.1 step
// 6).
func (c *ChildRuntime) RegisterCustomEvent(meta EventHandler, h RegisteredHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := meta.EventType + ":" + meta.EventID
	c.byEventKey[key] = h
	c.eventMeta[key] = meta
}

// RegisterLifecycleStartup wires the plugin's lifecycle.startup hook,
// invoked once during boot before the command loop accepts commands
// (spec §4.1 step 4). A failing or panicking hook is logged and does not
// prevent boot (spec §7: "the child's lifecycle.startup failure is
// logged but does not prevent command-loop entry").
func (c *ChildRuntime) RegisterLifecycleStartup(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycleStartup = fn
}

// SetFreezable wires the plugin's checkpoint save/restore paths: freeze
// reports current state for Freeze/post-execution checkpoints, restore
// applies previously-persisted state during boot (spec §4.1 step 3).
func (c *ChildRuntime) SetFreezable(freeze FreezeFunc, restore RestoreFunc, backend CheckpointBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeze = freeze
	c.restore = restore
	c.checkpoint = backend
}

// SetConfig wires the plugin's config snapshot, exposed to the instance
// through PluginContext.Config (spec §4.1 step 1(d)).
func (c *ChildRuntime) SetConfig(cfg map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}

// SetCaller wires the fast-plane client a plugin instance uses for
// outbound bus/plugin-to-plugin calls, exposed through
// PluginContext.Call (spec §4.1 step 1(c)).
func (c *ChildRuntime) SetCaller(caller FastPlaneCaller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = caller
}

// Context returns the PluginContext to hand to the user's plugin
// constructor (spec §4.1 step 1). Call it after SetConfig/SetCaller/
// SetFreezable, before Run.
func (c *ChildRuntime) Context() PluginContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return PluginContext{
		PluginID:   c.pluginID,
		Log:        c.log,
		Config:     c.config,
		Call:       c.caller,
		Freeze:     c.freeze,
		Restore:    c.restore,
		Checkpoint: c.checkpoint,
	}
}

// Run executes the child's full boot sequence (spec §4.1 steps 3-6) and
// then its command loop: read one Command at a time, dispatch it,
// continue until STOP or the transport closes (spec §4.1 step 7).
func (c *ChildRuntime) Run(ctx context.Context) error {
	c.boot(ctx)
	for {
		if c.stopped.Load() {
			return nil
		}
		kind, body, err := c.in.next()
		if err != nil {
			return err
		}
		if kind != frameCommand {
			c.log.Warnw("child received non-command frame, ignoring", "kind", kind)
			continue
		}
		cmd, err := decodeCommand(body)
		if err != nil {
			c.log.Warnw("dropping malformed command frame", "error", err)
			continue
		}

		if cmd.Type == ipc.CmdStop {
			c.stopped.Store(true)
			return nil
		}
		c.dispatchCommand(ctx, cmd)
	}
}

// boot runs the child's pre-loop startup sequence (spec §4.1 steps 3-6):
// restore persisted freezable state, invoke the lifecycle-startup hook,
// then launch auto-started timers and custom events in the background.
// None of these steps can fail boot: a restore or lifecycle-startup
// error is logged and boot proceeds, so the plugin remains addressable
// once the command loop is entered (spec §7).
func (c *ChildRuntime) boot(ctx context.Context) {
	c.restoreFreezableState()
	c.runLifecycleStartup(ctx)
	c.startAutoTimers(ctx)
	c.startAutoCustomEvents(ctx)
}

// restoreFreezableState loads any previously-persisted checkpoint and
// applies it through restore before the command loop accepts commands
// (spec §4.1 step 3: "If the plugin declared freezable state and
// persistence is enabled, restore state from the configured backend
// before accepting commands").
func (c *ChildRuntime) restoreFreezableState() {
	c.mu.RLock()
	checkpoint, restore := c.checkpoint, c.restore
	c.mu.RUnlock()
	if checkpoint == nil || restore == nil {
		return
	}
	state, found, err := checkpoint.Load(c.pluginID)
	if err != nil {
		c.log.Warnw("failed to load persisted checkpoint, starting with no restored state", "error", err)
		return
	}
	if !found {
		return
	}
	restore(state)
}

// runLifecycleStartup invokes the registered lifecycle.startup hook
// (spec §4.1 step 4), catching panics the same way invoke does so a
// broken hook cannot prevent command-loop entry.
func (c *ChildRuntime) runLifecycleStartup(ctx context.Context) {
	c.mu.RLock()
	fn := c.lifecycleStartup
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnw("lifecycle startup panicked", "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		c.log.Warnw("lifecycle startup failed", "error", err)
	}
}

// startAutoTimers launches one goroutine per registered entry whose
// descriptor is EventType == "timer" with AutoStart set, running the
// handler and sleeping IntervalSeconds() until ctx is done (spec §4.1
// step 5).
func (c *ChildRuntime) startAutoTimers(ctx context.Context) {
	c.mu.RLock()
	type timer struct {
		entryID string
		meta    EventHandler
		h       RegisteredHandler
	}
	var timers []timer
	for entryID, meta := range c.entryMeta {
		if meta.EventType == "timer" && meta.AutoStart {
			timers = append(timers, timer{entryID, meta, c.byEntry[entryID]})
		}
	}
	c.mu.RUnlock()

	for _, t := range timers {
		go c.runTimerLoop(ctx, t.entryID, t.meta, t.h)
	}
}

func (c *ChildRuntime) runTimerLoop(ctx context.Context, entryID string, meta EventHandler, h RegisteredHandler) {
	interval := time.Duration(meta.IntervalSeconds() * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stopped.Load() {
				return
			}
			res := c.invoke(ctx, ipc.Command{RequestID: NewRequestID(), Type: ipc.CmdTrigger, EntryID: entryID}, h.Fn)
			if !res.Success {
				c.log.Warnw("auto-started timer handler failed", "entry_id", entryID, "error", res.Error)
			} else {
				c.maybeCheckpoint(h)
			}
		}
	}
}

// startAutoCustomEvents launches each registered custom event whose
// descriptor has AutoStart set and TriggerMethod() == "auto" once, in the
// background, at boot (spec §4.1 step 6).
func (c *ChildRuntime) startAutoCustomEvents(ctx context.Context) {
	c.mu.RLock()
	type autoEvent struct {
		meta EventHandler
		h    RegisteredHandler
	}
	var events []autoEvent
	for key, meta := range c.eventMeta {
		if meta.AutoStart && meta.TriggerMethod() == "auto" {
			events = append(events, autoEvent{meta, c.byEventKey[key]})
		}
	}
	c.mu.RUnlock()

	for _, e := range events {
		go func(meta EventHandler, h RegisteredHandler) {
			res := c.invoke(ctx, ipc.Command{
				RequestID: NewRequestID(), Type: ipc.CmdTriggerCustom,
				EventType: meta.EventType, EventID: meta.EventID,
			}, h.Fn)
			if !res.Success {
				c.log.Warnw("auto-started custom event handler failed",
					"event_type", meta.EventType, "event_id", meta.EventID, "error", res.Error)
			} else {
				c.maybeCheckpoint(h)
			}
		}(e.meta, e.h)
	}
}

func (c *ChildRuntime) lookup(cmd ipc.Command) (RegisteredHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch cmd.Type {
	case ipc.CmdTrigger:
		h, ok := c.byEntry[cmd.EntryID]
		return h, ok
	case ipc.CmdTriggerCustom:
		h, ok := c.byEventKey[cmd.EventType+":"+cmd.EventID]
		return h, ok
	default:
		return RegisteredHandler{}, false
	}
}

// dispatchCommand implements spec §4.1's three-way dispatch rule. Every
// path is bounded by c.execTimeout and replies exactly once on res_ch.
func (c *ChildRuntime) dispatchCommand(ctx context.Context, cmd ipc.Command) {
	if cmd.Type == ipc.CmdBusChange || cmd.Type == ipc.CmdFreeze {
		c.runInline(ctx, cmd, c.freezeOrBusChangeHandler(cmd))
		return
	}

	handler, ok := c.lookup(cmd)
	if !ok {
		c.reply(cmd.RequestID, ipc.Result{
			RequestID: cmd.RequestID,
			Success:   false,
			Error:     &ipc.StructuredError{Code: "NOT_FOUND", Message: "no handler registered for this request"},
		})
		return
	}

	switch handler.Kind {
	case KindWorker:
		c.runWorker(ctx, cmd, handler)
	case KindAsync:
		c.runAsyncHelper(ctx, cmd, handler)
	default:
		c.runInline(ctx, cmd, handler.Fn)
		c.maybeCheckpoint(handler)
	}
}

func (c *ChildRuntime) freezeOrBusChangeHandler(cmd ipc.Command) HandlerFunc {
	if cmd.Type == ipc.CmdFreeze {
		return func(ctx context.Context, _ map[string]any) (any, error) {
			if c.freeze == nil {
				return map[string]any{}, nil
			}
			state, ok := c.freeze()
			if !ok {
				return map[string]any{}, nil
			}
			return state, nil
		}
	}
	// BUS_CHANGE: delivery acknowledgement only; a real plugin SDK would
	// forward this to the subscriber's own callback. Acking here lets the
	// dispatcher's push-timeout/circuit-breaker logic observe success.
	return func(ctx context.Context, _ map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	}
}

// runWorker submits the handler to the bounded worker pool (spec §4.1:
// "submit to a bounded thread pool; the command loop never blocks"). If
// the pool is saturated, submission itself waits up to execTimeout before
// failing the call with a TIMEOUT result rather than blocking the loop
// forever.
func (c *ChildRuntime) runWorker(ctx context.Context, cmd ipc.Command, handler RegisteredHandler) {
	select {
	case c.workerSem <- struct{}{}:
	default:
		go func() {
			select {
			case c.workerSem <- struct{}{}:
				c.executeAndReply(ctx, cmd, handler)
			case <-time.After(c.execTimeout):
				c.reply(cmd.RequestID, timeoutResult(cmd.RequestID, "worker pool saturated"))
			}
		}()
		return
	}
	go c.executeAndReply(ctx, cmd, handler)
}

func (c *ChildRuntime) executeAndReply(ctx context.Context, cmd ipc.Command, handler RegisteredHandler) {
	defer func() { <-c.workerSem }()
	c.runInline(ctx, cmd, handler.Fn)
	c.maybeCheckpoint(handler)
}

// runAsyncHelper runs the handler in a helper goroutine while a watcher
// polls a done flag at a short interval until execTimeout fires (spec
// §4.1: "the command loop polls a done flag with a short interval until
// the global per-call timeout fires").
func (c *ChildRuntime) runAsyncHelper(ctx context.Context, cmd ipc.Command, handler RegisteredHandler) {
	var done atomic.Bool
	resultCh := make(chan ipc.Result, 1)

	go func() {
		resultCh <- c.invoke(ctx, cmd, handler.Fn)
		done.Store(true)
	}()

	go func() {
		const pollInterval = 20 * time.Millisecond
		deadline := time.Now().Add(c.execTimeout)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case res := <-resultCh:
				c.reply(cmd.RequestID, res)
				c.maybeCheckpoint(handler)
				return
			case <-ticker.C:
				if done.Load() {
					continue // next loop iteration drains resultCh
				}
				if time.Now().After(deadline) {
					c.reply(cmd.RequestID, timeoutResult(cmd.RequestID, "async handler exceeded timeout"))
					return
				}
			}
		}
	}()
}

// runInline invokes fn synchronously and replies (spec §4.1's "sync
// handler" path, also reused by FREEZE/BUS_CHANGE).
func (c *ChildRuntime) runInline(ctx context.Context, cmd ipc.Command, fn HandlerFunc) {
	c.reply(cmd.RequestID, c.invoke(ctx, cmd, fn))
}

func (c *ChildRuntime) invoke(ctx context.Context, cmd ipc.Command, fn HandlerFunc) ipc.Result {
	callCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf("handler panicked: %v", r)}
			}
		}()
		data, err := fn(callCtx, cmd.Args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return ipc.Result{RequestID: cmd.RequestID, Success: true, Data: o.data}
		}
		if errors.Is(o.err, ErrInvalidArgument) {
			return ipc.Result{RequestID: cmd.RequestID, Success: false, Error: &ipc.StructuredError{
				Code: "VALIDATION_ERROR", Message: o.err.Error(),
			}}
		}
		return ipc.Result{RequestID: cmd.RequestID, Success: false, Error: &ipc.StructuredError{
			Code: "INTERNAL", Message: o.err.Error(),
		}}
	case <-callCtx.Done():
		return timeoutResult(cmd.RequestID, "handler exceeded per-call timeout")
	}
}

func (c *ChildRuntime) maybeCheckpoint(handler RegisteredHandler) {
	if !handler.Checkpoint || c.freeze == nil || c.checkpoint == nil {
		return
	}
	state, ok := c.freeze()
	if !ok {
		return
	}
	if err := c.checkpoint.Save(c.pluginID, state); err != nil {
		c.log.Warnw("post-execution checkpoint failed", "error", err)
	}
}

func timeoutResult(requestID, message string) ipc.Result {
	return ipc.Result{
		RequestID: requestID,
		Success:   false,
		Error:     &ipc.StructuredError{Code: "TIMEOUT", Message: message, Retriable: true},
	}
}

func (c *ChildRuntime) reply(requestID string, res ipc.Result) {
	res.RequestID = requestID
	if err := c.out.write(frameResult, res); err != nil {
		c.log.Warnw("failed to write result frame", "error", err)
	}
}
