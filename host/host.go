package host

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/config"
	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// CheckpointBackend persists and restores the freezable state a plugin
// returns from a FREEZE command, per spec §4.1 ("Checkpoint behavior") and
// config.CheckpointConfig. Implementations live in checkpoint.go.
type CheckpointBackend interface {
	Save(pluginID string, state map[string]any) error
	Load(pluginID string) (state map[string]any, found bool, err error)
}

// Spawn describes everything needed to start one plugin's child process
// (spec §6 "Child process contract": "an immutable set of handles and
// configuration (plugin_id, entry_point reference, config file path,
// queues, optional endpoints, out-of-band stop signal)").
type Spawn struct {
	PluginID     string
	Binary       string
	Args            []string
	Env             []string
	WorkDir         string
	ConfigPath      string
	QueueDepth      int
	ExecTimeout     time.Duration
	TriggerTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// PluginHost owns one child process's lifecycle and every channel spec §3
// names for the PluginHost entity. Grounded on plugin/grpc/server.go's
// per-plugin bookkeeping and qntx-code/langserver/gopls/client.go's
// stdin/stdout process-management idiom (exec.Cmd + pipes + background
// read loop + pending-request map), generalized from one RPC stream to
// the four typed channels (cmd/res/status/msg) spec §4.1 names.
type PluginHost struct {
	spawn Spawn
	log   *zap.SugaredLogger

	broker     *ipc.RequestBroker
	checkpoint CheckpointBackend
	onMessage  func(ipc.Message)
	onStatus   func(pluginID string, st ipc.Status)

	queues *ipc.PluginQueues

	mu      sync.Mutex
	cmd     *exec.Cmd
	writer  *wireWriter
	stopCh  chan struct{}
	stopped bool

	state     *stateBox
	startedAt time.Time

	wg sync.WaitGroup
}

// NewPluginHost constructs a PluginHost in StateNew; call Start to spawn
// the child.
func NewPluginHost(
	spawn Spawn,
	log *zap.SugaredLogger,
	broker *ipc.RequestBroker,
	checkpoint CheckpointBackend,
	onMessage func(ipc.Message),
	onStatus func(pluginID string, st ipc.Status),
) *PluginHost {
	return &PluginHost{
		spawn:      spawn,
		log:        log.Named("host.plugin").With("plugin_id", spawn.PluginID),
		broker:     broker,
		checkpoint: checkpoint,
		onMessage:  onMessage,
		onStatus:   onStatus,
		queues:     ipc.NewPluginQueues(spawn.QueueDepth),
		state:      newStateBox(StateNew),
		stopCh:     make(chan struct{}),
	}
}

// FromConfig builds a Spawn for pluginID using a PluginHostConfig's
// timeout settings, leaving the binary/args/env/workdir for the caller
// (typically the manifest loader) to fill in.
func FromConfig(pluginID, binary string, args, env []string, workDir, configPath string, cfg *config.PluginHostConfig) Spawn {
	return Spawn{
		PluginID:        pluginID,
		Binary:          binary,
		Args:            args,
		Env:             env,
		WorkDir:         workDir,
		ConfigPath:      configPath,
		QueueDepth:      cfg.Queue.EventQueueMax,
		ExecTimeout:     cfg.Timeout.PluginExecution,
		TriggerTimeout:  cfg.Timeout.PluginTrigger,
		ShutdownTimeout: cfg.Timeout.PluginShutdown,
	}
}

// State returns the host's current lifecycle state.
func (h *PluginHost) State() State { return h.state.Get() }

// Alive reports whether the host is in the Running state (spec §4.1
// "liveness check" used by the Not-running/unhealthy error category).
func (h *PluginHost) Alive() bool { return h.state.Get() == StateRunning }

// Start spawns the child process and enters StateRunning once its stdio
// pipes are attached (spec §4.1: NEW -> STARTING -> RUNNING).
func (h *PluginHost) Start(ctx context.Context) error {
	if !h.state.CompareAndSet(StateNew, StateStarting) {
		return errors.Newf("plugin %s: Start called outside StateNew", h.spawn.PluginID)
	}

	cmd := exec.Command(h.spawn.Binary, h.spawn.Args...)
	cmd.Dir = h.spawn.WorkDir
	cmd.Env = append(os.Environ(), h.spawn.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.state.Set(StateCrashed)
		return errors.Wrapf(err, "plugin %s: failed to open stdin pipe", h.spawn.PluginID)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.state.Set(StateCrashed)
		return errors.Wrapf(err, "plugin %s: failed to open stdout pipe", h.spawn.PluginID)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.state.Set(StateCrashed)
		return errors.Wrapf(err, "plugin %s: failed to open stderr pipe", h.spawn.PluginID)
	}

	if err := cmd.Start(); err != nil {
		h.state.Set(StateCrashed)
		return errors.Wrapf(err, "plugin %s: failed to start child process", h.spawn.PluginID)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.writer = newWireWriter(stdin)
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.wg.Add(3)
	go h.readLoop(stdout)
	go h.stderrLoop(stderr)
	go h.waitLoop()

	h.state.Set(StateRunning)
	h.log.Infow("plugin started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop decodes frames off the child's stdout and routes them: results
// go to the RequestBroker, status reports to onStatus, bus writes to
// onMessage. It never lets a single malformed frame kill the loop (spec
// §7 "Background tasks ... log and continue on exception").
func (h *PluginHost) readLoop(stdout io.Reader) {
	defer h.wg.Done()
	reader := newWireReader(stdout)
	for {
		kind, body, err := reader.next()
		if err != nil {
			if !h.isStopping() {
				h.log.Warnw("child stdout closed unexpectedly", "error", err)
				h.state.CompareAndSet(StateRunning, StateCrashed)
			}
			return
		}
		switch kind {
		case frameResult:
			res, err := decodeResult(body)
			if err != nil {
				h.log.Warnw("dropping malformed result frame", "error", err)
				continue
			}
			h.broker.Deliver(res.RequestID, res)
		case frameStatus:
			st, err := decodeStatus(body)
			if err != nil {
				h.log.Warnw("dropping malformed status frame", "error", err)
				continue
			}
			if h.onStatus != nil {
				h.onStatus(h.spawn.PluginID, st)
			}
		case frameMessage:
			msg, err := decodeMessage(body)
			if err != nil {
				h.log.Warnw("dropping malformed message frame", "error", err)
				continue
			}
			if h.onMessage != nil {
				h.onMessage(msg)
			}
		default:
			h.log.Warnw("dropping frame of unknown kind", "kind", kind)
		}
	}
}

func (h *PluginHost) stderrLoop(stderr io.Reader) {
	defer h.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			h.log.Debugw("child stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (h *PluginHost) waitLoop() {
	defer h.wg.Done()
	err := h.cmd.Wait()
	if h.isStopping() {
		h.state.CompareAndSet(StateStopping, StateStopped)
		return
	}
	// Process exited on its own without a STOP command: crash.
	h.log.Warnw("plugin process exited unexpectedly", "error", err)
	h.state.Set(StateCrashed)
}

func (h *PluginHost) isStopping() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

func (h *PluginHost) send(c ipc.Command) error {
	h.mu.Lock()
	w := h.writer
	h.mu.Unlock()
	if w == nil {
		return errors.Newf("plugin %s: not started", h.spawn.PluginID)
	}
	if err := w.WriteCommand(c); err != nil {
		return errors.Wrapf(err, "plugin %s: communication error", h.spawn.PluginID)
	}
	return nil
}

// dispatch sends cmd and awaits the matching result through the shared
// RequestBroker, bounded by timeout (spec §4.1 "Dispatch rules").
func (h *PluginHost) dispatch(ctx context.Context, cmd ipc.Command, timeout time.Duration) (ipc.Result, error) {
	if !h.Alive() {
		return ipc.Result{}, errors.Newf("plugin %s is not running", h.spawn.PluginID)
	}
	await := h.broker.Register(cmd.RequestID, timeout)
	if err := h.send(cmd); err != nil {
		return ipc.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return await(ctx)
}

// Trigger sends TRIGGER for entryID (spec §4.1 "TRIGGER: call a static
// handler by (event_id) or explicit entry id").
func (h *PluginHost) Trigger(ctx context.Context, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	if timeout <= 0 {
		timeout = h.spawn.TriggerTimeout
	}
	return h.dispatch(ctx, ipc.Command{
		Type:      ipc.CmdTrigger,
		RequestID: NewRequestID(),
		EntryID:   entryID,
		Args:      args,
	}, timeout)
}

// TriggerCustomEvent sends TRIGGER_CUSTOM for (eventType, eventID), the
// plugin-to-plugin call path (spec §4.1 "TRIGGER_CUSTOM").
func (h *PluginHost) TriggerCustomEvent(ctx context.Context, eventType, eventID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	if timeout <= 0 {
		timeout = h.spawn.TriggerTimeout
	}
	return h.dispatch(ctx, ipc.Command{
		Type:      ipc.CmdTriggerCustom,
		RequestID: NewRequestID(),
		EventType: eventType,
		EventID:   eventID,
		Args:      args,
	}, timeout)
}

// PushBusChange sends BUS_CHANGE, the bus subscription dispatcher's
// delivery path (spec §4.4 step 4).
func (h *PluginHost) PushBusChange(ctx context.Context, subID, bus, op string, delta map[string]any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.spawn.TriggerTimeout
	}
	_, err := h.dispatch(ctx, ipc.Command{
		Type:      ipc.CmdBusChange,
		RequestID: NewRequestID(),
		SubID:     subID,
		Bus:       bus,
		Op:        op,
		Delta:     delta,
	}, timeout)
	return err
}

// Freeze sends FREEZE and persists the returned state through the
// configured CheckpointBackend (spec §4.1 "Checkpoint behavior").
func (h *PluginHost) Freeze(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = h.spawn.TriggerTimeout
	}
	res, err := h.dispatch(ctx, ipc.Command{
		Type:      ipc.CmdFreeze,
		RequestID: NewRequestID(),
	}, timeout)
	if err != nil {
		return nil, err
	}
	state, _ := res.Data.(map[string]any)
	if h.checkpoint != nil && state != nil {
		if err := h.checkpoint.Save(h.spawn.PluginID, state); err != nil {
			h.log.Warnw("failed to persist checkpoint", "error", err)
		}
	}
	return state, nil
}

// Shutdown implements spec §4.1's "Shutdown sequence": send STOP, wait up
// to ShutdownTimeout for graceful exit, otherwise terminate the process.
// Errors during shutdown are swallowed up to that deadline, consistent
// with spec §7's "Shutdown errors are swallowed up to a global deadline."
func (h *PluginHost) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if !h.state.CompareAndSet(StateRunning, StateStopping) {
		// Already stopping/terminal; nothing further to do but still close
		// the out-of-band stop signal so any goroutine waiting on it
		// observes shutdown.
		close(h.stopCh)
		return nil
	}
	close(h.stopCh)

	timeout := h.spawn.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	_ = h.send(ipc.Command{Type: ipc.CmdStop, RequestID: NewRequestID()})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		h.log.Warnw("plugin did not exit gracefully, killing process")
		if err := cmd.Process.Kill(); err != nil {
			h.state.Set(StateCrashed)
			return errors.Wrapf(err, "plugin %s: failed to kill process", h.spawn.PluginID)
		}
	}
	h.state.Set(StateKilled)
	return nil
}

// HealthCheck reports a coarse liveness/uptime snapshot. Process-level
// resource sampling (CPU/RSS via gopsutil) is layered on in health.go.
func (h *PluginHost) HealthCheck() Status {
	return Status{
		PluginID: h.spawn.PluginID,
		State:    h.state.Get(),
		Uptime:   time.Since(h.startedAt),
	}
}

// Status is the coarse host-level health snapshot returned by HealthCheck.
type Status struct {
	PluginID string
	State    State
	Uptime   time.Duration
}
