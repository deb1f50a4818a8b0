package ipc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// ErrTimeout is the well-known timeout error kind named in spec §4.2
// ("Cancellation") and §7 ("Timeout").
var ErrTimeout = errors.New("request timed out")

// pendingEntry is one outstanding request_id -> reply wait (spec §3
// "PendingResponse"). Replaces the Python process-wide shared-memory map
// plus companion wake-event map with a single one-shot channel per
// request, per spec §9's re-architecture note: "Each outstanding request
// owns a one-shot channel/condvar... This preserves the semantics of
// 'first reader wins' and 'late reply dropped after expire'."
type pendingEntry struct {
	reply      chan Result
	expireTime time.Time
	delivered  bool
}

// RequestBroker is the control-plane-owned single source of truth for
// request/response matching across both per-plugin res_ch replies and
// fast-plane RPC replies, grounded on spec §9's "RequestBroker" note and
// on plugin/grpc/queue_server.go's background-task style for its sweep
// loop.
type RequestBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	log     *zap.SugaredLogger
}

// NewRequestBroker constructs an empty RequestBroker.
func NewRequestBroker(log *zap.SugaredLogger) *RequestBroker {
	return &RequestBroker{
		pending: make(map[string]*pendingEntry),
		log:     log.Named("ipc.broker"),
	}
}

// Register creates a new pending entry for requestID with the given
// total timeout plus a small buffer (spec §3: "expire_time = now + timeout
// + buffer"), and returns a function to await the reply.
func (b *RequestBroker) Register(requestID string, timeout time.Duration) (await func(ctx context.Context) (Result, error)) {
	const buffer = 2 * time.Second
	entry := &pendingEntry{
		reply:      make(chan Result, 1),
		expireTime: time.Now().Add(timeout + buffer),
	}

	b.mu.Lock()
	b.pending[requestID] = entry
	b.mu.Unlock()

	return func(ctx context.Context) (Result, error) {
		defer b.forget(requestID)
		select {
		case res := <-entry.reply:
			return res, nil
		case <-ctx.Done():
			return Result{}, ErrTimeout
		}
	}
}

// Deliver posts a reply for requestID. Per spec invariant 5 ("A per-request
// response is consumed at most once"), a second Deliver for the same
// requestID after the first is ignored rather than overwriting the
// channel buffer, and a Deliver for an unknown/expired requestID is
// dropped silently (a "late reply after timeout", spec §7).
func (b *RequestBroker) Deliver(requestID string, res Result) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		if entry.delivered {
			ok = false
		} else {
			entry.delivered = true
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	entry.reply <- res
}

// forget removes requestID's pending entry (first-reader-wins cleanup).
func (b *RequestBroker) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// Sweep removes every pending entry whose expire_time has passed, per
// spec §3 ("expired entries are swept") and §8 invariant 7. Callers run
// this on a 30s ticker (spec §4.2 "Router main loop").
func (b *RequestBroker) Sweep() (swept int) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.pending {
		if now.After(entry.expireTime) {
			delete(b.pending, id)
			swept++
		}
	}
	if swept > 0 {
		b.log.Debugw("swept expired pending responses", "count", swept)
	}
	return swept
}

// RunSweeper runs Sweep on a fixed interval until ctx is done.
func (b *RequestBroker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Pending reports how many requests are currently outstanding (for
// diagnostics/metrics).
func (b *RequestBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
