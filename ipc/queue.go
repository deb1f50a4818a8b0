package ipc

import (
	"context"
	"time"
)

// defaultQueueDepth is the fallback buffered-channel size when a caller
// does not supply one; spec §4.2 calls the per-plugin queues "unbounded
// (or very large)".
const defaultQueueDepth = 4096

// pollInterval is the short blocking-wait slice used everywhere a reader
// must also observe a stop signal promptly (spec §4.2: "Every reader uses
// a short blocking wait so shutdown flags can be observed promptly").
const pollInterval = 50 * time.Millisecond

// PluginQueues bundles the five named channels of spec §3's PluginHost
// entity: cmd_ch/res_ch/status_ch/msg_ch/resp_ch. The host writes on
// CmdCh and RespCh; the child writes on ResCh, StatusCh, MsgCh.
type PluginQueues struct {
	CmdCh    chan Command
	ResCh    chan Result
	StatusCh chan Status
	MsgCh    chan Message
	RespCh   chan Command // host->child replies for plugin-to-plugin calls
}

// NewPluginQueues allocates a fresh set of queues at the given depth (or
// defaultQueueDepth if depth <= 0).
func NewPluginQueues(depth int) *PluginQueues {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &PluginQueues{
		CmdCh:    make(chan Command, depth),
		ResCh:    make(chan Result, depth),
		StatusCh: make(chan Status, depth),
		MsgCh:    make(chan Message, depth),
		RespCh:   make(chan Command, depth),
	}
}

// PushCommand enqueues a command, respecting ctx cancellation so a caller
// can never block forever on a full queue (spec invariant 4: the parent
// never blocks indefinitely on child queues).
func PushCommand(ctx context.Context, ch chan<- Command, c Command) error {
	select {
	case ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PopWithStop reads the next value from ch, returning ok=false if stop
// fires first. It polls in pollInterval slices rather than blocking
// forever, so a command loop built on it can check its stop signal
// between each short wait (spec §4.1 step 7, "read one command from
// cmd_ch with a short timeout").
func PopWithStop[T any](ch <-chan T, stop <-chan struct{}) (value T, ok bool) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-stop:
		var zero T
		return zero, false
	case <-timer.C:
		var zero T
		return zero, false
	}
}
