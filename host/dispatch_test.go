package host

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// testChild wires a ChildRuntime to an in-process pipe pair so tests can
// drive it without a real subprocess: the test writes Commands on
// cmdWriter and reads Results back via resultReader.
type testChild struct {
	rt          *ChildRuntime
	cmdWriter   *wireWriter
	resultReader *wireReader
	cancel      context.CancelFunc
	done        chan error
}

func newTestChild(t *testing.T, execTimeout time.Duration) *testChild {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()

	rt := NewChildRuntime("plugin-a", cmdR, resW, 4, execTimeout, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	tc := &testChild{
		rt:           rt,
		cmdWriter:    newWireWriter(cmdW),
		resultReader: newWireReader(resR),
		cancel:       cancel,
		done:         done,
	}
	t.Cleanup(func() {
		cancel()
		cmdW.Close()
		resR.Close()
	})
	return tc
}

func (tc *testChild) sendCommand(t *testing.T, cmd ipc.Command) {
	t.Helper()
	require.NoError(t, tc.cmdWriter.WriteCommand(cmd))
}

func (tc *testChild) readResult(t *testing.T) ipc.Result {
	t.Helper()
	kind, body, err := tc.resultReader.next()
	require.NoError(t, err)
	require.Equal(t, frameResult, kind)
	res, err := decodeResult(body)
	require.NoError(t, err)
	return res
}

func TestChildRuntime_SyncHandlerDispatch(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["x"]}, nil
		},
	})

	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1", Args: map[string]any{"x": "hi"}})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, "r1", res.RequestID)
}

func TestChildRuntime_UnknownEntryRepliesNotFound(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "nonexistent"})
	res := tc.readResult(t)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NOT_FOUND", res.Error.Code)
}

func TestChildRuntime_HandlerErrorRepliesInternal(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errInternalTest{}
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "INTERNAL", res.Error.Code)
}

type errInternalTest struct{}

func (errInternalTest) Error() string { return "boom" }

func TestChildRuntime_ValidationErrorClassified(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, marks(ErrInvalidArgument, "bad arg")
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION_ERROR", res.Error.Code)
}

func TestChildRuntime_HandlerPanicRecovered(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
}

func TestChildRuntime_WorkerHandlerDispatch(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindWorker,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return "worker done", nil
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, "worker done", res.Data)
}

func TestChildRuntime_AsyncHandlerDispatch(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindAsync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return "async done", nil
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, "async done", res.Data)
}

func TestChildRuntime_AsyncHandlerTimesOut(t *testing.T) {
	tc := newTestChild(t, 30*time.Millisecond)
	tc.rt.RegisterEntry(EventHandler{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "entry-1"}, RegisteredHandler{
		Kind: KindAsync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(time.Hour)
			return nil, nil
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"})
	res := tc.readResult(t)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "TIMEOUT", res.Error.Code)
}

func TestChildRuntime_CustomEventDispatch(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterCustomEvent(EventHandler{PluginID: "plugin-a", EventType: "alert", EventID: "evt-1"}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return "handled", nil
		},
	})
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdTriggerCustom, EventType: "alert", EventID: "evt-1"})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, "handled", res.Data)
}

func TestChildRuntime_FreezeWithNoFreezableReturnsEmpty(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdFreeze})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{}, res.Data)
}

func TestChildRuntime_FreezeReturnsFreezableState(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.rt.SetFreezable(func() (map[string]any, bool) {
		return map[string]any{"step": 3}, true
	}, nil, NewMemoryBackend())
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdFreeze})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	data, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Len(t, data, 1)
	assert.EqualValues(t, 3, data["step"])
}

func TestChildRuntime_BusChangeAcks(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdBusChange, Bus: "events", Op: "add"})
	res := tc.readResult(t)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"ok": true}, res.Data)
}

func TestChildRuntime_StopEndsRunLoop(t *testing.T) {
	tc := newTestChild(t, time.Second)
	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdStop})

	select {
	case err := <-tc.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ChildRuntime.Run did not return after STOP")
	}
}

func TestChildRuntime_RestoresFreezableStateBeforeLoop(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Save("plugin-a", map[string]any{"step": 7}))

	var restored map[string]any
	var mu sync.Mutex
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-a", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.SetFreezable(func() (map[string]any, bool) { return nil, false }, func(state map[string]any) {
		mu.Lock()
		restored = state
		mu.Unlock()
	}, backend)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return restored != nil
	}, time.Second, 5*time.Millisecond, "restore was never invoked before the command loop started")

	mu.Lock()
	assert.Equal(t, map[string]any{"step": 7}, restored)
	mu.Unlock()
}

func TestChildRuntime_InvokesLifecycleStartup(t *testing.T) {
	var started atomic.Bool
	tc := newTestChild(t, time.Second)
	tc.rt.RegisterLifecycleStartup(func(ctx context.Context) error {
		started.Store(true)
		return nil
	})
	// RegisterLifecycleStartup races Run's already-started boot in this
	// harness (Run begins before the test can register anything), so
	// drive a second ChildRuntime to exercise the registered-before-Run
	// ordering a real plugin binary follows.
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-b", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterLifecycleStartup(func(ctx context.Context) error {
		started.Store(true)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond, "lifecycle startup hook was never invoked")
}

func TestChildRuntime_LifecycleStartupErrorDoesNotBlockLoop(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-c", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterLifecycleStartup(func(ctx context.Context) error {
		return errInternalTest{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	tc := &testChild{rt: rt, cmdWriter: newWireWriter(cmdW), resultReader: newWireReader(resR), cancel: cancel, done: done}
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })

	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdBusChange, Bus: "events", Op: "add"})
	res := tc.readResult(t)
	assert.True(t, res.Success, "command loop must still accept commands after a failing lifecycle startup hook")
}

func TestChildRuntime_LifecycleStartupPanicDoesNotBlockLoop(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-d", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterLifecycleStartup(func(ctx context.Context) error {
		panic("startup boom")
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	tc := &testChild{rt: rt, cmdWriter: newWireWriter(cmdW), resultReader: newWireReader(resR), cancel: cancel, done: done}
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })

	tc.sendCommand(t, ipc.Command{RequestID: "r1", Type: ipc.CmdBusChange, Bus: "events", Op: "add"})
	res := tc.readResult(t)
	assert.True(t, res.Success, "command loop must still accept commands after a panicking lifecycle startup hook")
}

func TestChildRuntime_AutoStartsTimerEntry(t *testing.T) {
	var calls atomic.Int32
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-e", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterEntry(EventHandler{
		PluginID: "plugin-e", EventType: "timer", EventID: "poll", AutoStart: true,
		Extra: map[string]any{"interval_seconds": 0.01},
	}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond,
		"auto-started timer entry never fired (EventHandler.AutoStart is wired but unexercised)")
}

func TestChildRuntime_DoesNotAutoStartTimerWithoutAutoStart(t *testing.T) {
	var calls atomic.Int32
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-f", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterEntry(EventHandler{
		PluginID: "plugin-f", EventType: "timer", EventID: "poll", AutoStart: false,
		Extra: map[string]any{"interval_seconds": 0.01},
	}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestChildRuntime_AutoStartsCustomEventOnceWhenTriggerMethodAuto(t *testing.T) {
	var calls atomic.Int32
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-g", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterCustomEvent(EventHandler{
		PluginID: "plugin-g", EventType: "boot", EventID: "init", AutoStart: true,
		Extra: map[string]any{"trigger_method": "auto"},
	}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond,
		"auto custom event never fired")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "auto custom event must launch exactly once, not recur")
}

func TestChildRuntime_DoesNotAutoStartCustomEventWithManualTriggerMethod(t *testing.T) {
	var calls atomic.Int32
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	rt := NewChildRuntime("plugin-h", cmdR, resW, 4, time.Second, zaptest.NewLogger(t).Sugar())
	rt.RegisterCustomEvent(EventHandler{
		PluginID: "plugin-h", EventType: "boot", EventID: "init", AutoStart: true,
		Extra: map[string]any{"trigger_method": "manual"},
	}, RegisteredHandler{
		Kind: KindSync,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); cmdW.Close(); resR.Close() })
	go func() { _ = rt.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestChildRuntime_ContextExposesWiredCollaborators(t *testing.T) {
	tc := newTestChild(t, time.Second)
	cfg := map[string]any{"debug": true}
	tc.rt.SetConfig(cfg)
	tc.rt.SetFreezable(func() (map[string]any, bool) { return nil, false }, func(map[string]any) {}, NewMemoryBackend())

	pctx := tc.rt.Context()
	assert.Equal(t, "plugin-a", pctx.PluginID)
	assert.NotNil(t, pctx.Log)
	assert.Equal(t, cfg, pctx.Config)
	assert.NotNil(t, pctx.Freeze)
	assert.NotNil(t, pctx.Restore)
	assert.NotNil(t, pctx.Checkpoint)
	assert.Nil(t, pctx.Call, "no FastPlaneCaller was wired via SetCaller")
}

func marks(target error, msg string) error {
	return wrappedErr{target: target, msg: msg}
}

type wrappedErr struct {
	target error
	msg    string
}

func (w wrappedErr) Error() string { return w.msg }
func (w wrappedErr) Unwrap() error { return w.target }
func (w wrappedErr) Is(target error) bool { return target == w.target }
