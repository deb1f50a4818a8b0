// Package dispatch implements the bus subscription dispatcher (spec
// §4.4): a single asynchronous loop that fans out bus deltas to
// subscribed plugins with bounded concurrency, per-subscriber circuit
// breaking, debounce hints, and slow-consumer isolation.
//
// Grounded on ats/storage/observer.go's async non-blocking notify idiom
// and pulse/async/worker.go's ticker/backoff worker-loop shape; see
// DESIGN.md.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wislap/N.E.K.O-sub001/bus"
)

// PluginPusher is the subset of PluginHost behavior the dispatcher needs:
// deliver one bus-change push to a subscribing plugin, and report
// liveness. Expressed as an interface so this package does not depend on
// package host (which depends on package ipc, which must not depend on
// package bus/dispatch).
type PluginPusher interface {
	PushBusChange(ctx context.Context, pluginID, subID, busName, op string, delta map[string]any, timeout time.Duration) error
	Alive(pluginID string) bool
}

// Config bounds the dispatcher's concurrency/timeout/circuit-breaker
// behavior (spec §4.4, defaults named inline).
type Config struct {
	Concurrency      int           // default 64
	PushTimeout      time.Duration // default 1s
	CircuitThreshold int           // default 3
	CircuitPause     time.Duration // default 5s
	LogDedupeWindow  time.Duration // default a few seconds
	DispatcherSubID  string        // hub subscriber id for this dispatcher instance

	// PushRatePerSecond/PushBurst bound the per-subscriber delivery budget
	// (spec §4.4's slow-consumer isolation, enforced here alongside the
	// circuit breaker rather than in place of it): a subscriber over
	// budget has deltas dropped silently the same way a paused circuit
	// does, without counting against CircuitThreshold.
	PushRatePerSecond float64 // default 200
	PushBurst         int     // default 400
}

// DefaultConfig returns the documented spec §4.4 defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       64,
		PushTimeout:       1 * time.Second,
		CircuitThreshold:  3,
		CircuitPause:      5 * time.Second,
		LogDedupeWindow:   3 * time.Second,
		DispatcherSubID:   "bus.dispatch",
		PushRatePerSecond: 200,
		PushBurst:         400,
	}
}

type circuitState struct {
	failures    int
	pausedUntil time.Time
}

// debounceEntry buffers the latest delta for a (sub_id, op) pair awaiting
// its debounce window (spec §4.4 "Debounce hint").
type debounceEntry struct {
	delta    bus.ChangeEvent
	subID    string
	deadline time.Time
}

// Dispatcher owns the single consumer loop and delivery bookkeeping.
type Dispatcher struct {
	cfg     Config
	hub     *bus.BusChangeHub
	subs    *bus.SubscriptionTable
	pushers PluginPusher
	log     *zap.SugaredLogger

	sem chan struct{}

	mu         sync.Mutex
	circuits   map[string]*circuitState // key: bus + "|" + sub_id
	lastLogged map[string]time.Time     // dedupe key -> last log time
	debounce   map[string]*debounceEntry
	debounceWg sync.WaitGroup

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // key: bus + "|" + sub_id
}

// New constructs a Dispatcher wired to hub and subs.
func New(log *zap.SugaredLogger, cfg Config, hub *bus.BusChangeHub, subs *bus.SubscriptionTable, pushers PluginPusher) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.PushRatePerSecond <= 0 {
		cfg.PushRatePerSecond = 200
	}
	if cfg.PushBurst <= 0 {
		cfg.PushBurst = 400
	}
	return &Dispatcher{
		cfg:        cfg,
		hub:        hub,
		subs:       subs,
		pushers:    pushers,
		log:        log.Named("bus.dispatch"),
		sem:        make(chan struct{}, cfg.Concurrency),
		circuits:   make(map[string]*circuitState),
		lastLogged: make(map[string]time.Time),
		debounce:   make(map[string]*debounceEntry),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Run is the dispatcher's single consumer loop (spec §4.4 pipeline steps
// 1-2): it registers with the hub for every relevant bus (in practice all
// buses share one hub, so one registration receives every ChangeEvent),
// then pulls deltas and calls dispatch(delta) until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ch := d.hub.Register(d.cfg.DispatcherSubID, 4096)
	defer d.hub.Unregister(d.cfg.DispatcherSubID)

	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-ch:
			if !ok {
				return
			}
			d.dispatch(ctx, delta)
		}
	}
}

// dispatch implements spec §4.4 step 3: look up every subscription for
// delta.Bus, skip paused ones, else schedule a bounded send_one per
// subscriber.
func (d *Dispatcher) dispatch(ctx context.Context, delta bus.ChangeEvent) {
	op := delta.Payload.Op
	for _, sub := range d.subs.ForBus(delta.Bus) {
		if !sub.AllowsOp(op) {
			continue // "Rules" filter: op not in the subscription's rule set
		}

		key := delta.Bus + "|" + sub.SubID
		if d.isPaused(key) {
			continue
		}
		if !d.pushers.Alive(sub.FromPlugin) {
			continue
		}
		if !d.subscriberLimiter(key).Allow() {
			continue // over the per-subscriber push budget, drop this delta
		}

		if sub.DebounceMs > 0 {
			d.debounceDeliver(ctx, key, sub, delta)
			continue
		}

		d.scheduleSend(ctx, key, sub, delta)
	}
}

// scheduleSend runs one delivery under the concurrency semaphore, bounded
// by the per-subscriber push timeout (spec §4.4 step 4).
func (d *Dispatcher) scheduleSend(ctx context.Context, circuitKey string, sub bus.Subscription, delta bus.ChangeEvent) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	go func() {
		defer func() { <-d.sem }()
		d.sendOne(ctx, circuitKey, sub, delta)
	}()
}

func (d *Dispatcher) sendOne(ctx context.Context, circuitKey string, sub bus.Subscription, delta bus.ChangeEvent) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	defer cancel()

	deltaMap := map[string]any{
		"op":       delta.Payload.Op,
		"rev":      delta.Payload.Rev,
		"id":       delta.Payload.ID,
		"priority": delta.Payload.Priority,
		"source":   delta.Payload.Source,
		"count":    delta.Payload.Count,
		"batch":    delta.Payload.Batch,
	}

	err := d.pushers.PushBusChange(sendCtx, sub.FromPlugin, sub.SubID, delta.Bus, delta.Payload.Op, deltaMap, d.cfg.PushTimeout)
	if err != nil {
		d.recordFailure(circuitKey, delta.Bus, sub.SubID, err)
		return
	}
	d.recordSuccess(circuitKey)
}

// subscriberLimiter returns the token-bucket limiter for one (bus, sub_id)
// pair, creating it on first use from cfg.PushRatePerSecond/PushBurst.
func (d *Dispatcher) subscriberLimiter(circuitKey string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	lim, ok := d.limiters[circuitKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.PushRatePerSecond), d.cfg.PushBurst)
		d.limiters[circuitKey] = lim
	}
	return lim
}

func (d *Dispatcher) isPaused(circuitKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.circuits[circuitKey]
	if !ok {
		return false
	}
	if cs.pausedUntil.IsZero() {
		return false
	}
	// Pauses expire by real-time clock; no explicit "resume" is required
	// (spec §5 "Cancellation & timeouts").
	return time.Now().Before(cs.pausedUntil)
}

func (d *Dispatcher) recordSuccess(circuitKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.circuits[circuitKey]; ok {
		cs.failures = 0
		cs.pausedUntil = time.Time{}
	}
}

func (d *Dispatcher) recordFailure(circuitKey, busName, subID string, cause error) {
	d.mu.Lock()
	cs, ok := d.circuits[circuitKey]
	if !ok {
		cs = &circuitState{}
		d.circuits[circuitKey] = cs
	}
	cs.failures++
	paused := false
	if cs.failures >= d.cfg.CircuitThreshold {
		cs.pausedUntil = time.Now().Add(d.cfg.CircuitPause)
		cs.failures = 0
		paused = true
	}
	d.mu.Unlock()

	d.logDeduped(circuitKey, busName, subID, cause, paused)
}

// logDeduped logs a push failure, suppressing repeats of the same
// (bus, sub_id) within LogDedupeWindow (spec §4.4 step 6).
func (d *Dispatcher) logDeduped(circuitKey, busName, subID string, cause error, paused bool) {
	d.mu.Lock()
	last, seen := d.lastLogged[circuitKey]
	now := time.Now()
	if seen && now.Sub(last) < d.cfg.LogDedupeWindow {
		d.mu.Unlock()
		return
	}
	d.lastLogged[circuitKey] = now
	d.mu.Unlock()

	if paused {
		d.log.Warnw("subscriber push failing, pausing deliveries",
			"bus", busName, "sub_id", subID, "error", cause, "pause", d.cfg.CircuitPause)
	} else {
		d.log.Warnw("subscriber push failed", "bus", busName, "sub_id", subID, "error", cause)
	}
}

// debounceDeliver coalesces consecutive deltas for the same (sub_id, op)
// within the subscription's debounce window, delivering only the latest
// (spec §4.4 "Debounce hint"). This is advisory and bounded by memory: at
// most one buffered entry per (bus, sub_id, op).
func (d *Dispatcher) debounceDeliver(ctx context.Context, circuitKey string, sub bus.Subscription, delta bus.ChangeEvent) {
	debounceKey := circuitKey + "|" + delta.Payload.Op
	d.mu.Lock()
	entry, exists := d.debounce[debounceKey]
	deadline := time.Now().Add(time.Duration(sub.DebounceMs) * time.Millisecond)
	if exists {
		entry.delta = delta
		entry.deadline = deadline
		d.mu.Unlock()
		return
	}

	entry = &debounceEntry{delta: delta, subID: sub.SubID, deadline: deadline}
	d.debounce[debounceKey] = entry
	d.mu.Unlock()

	d.debounceWg.Add(1)
	go func() {
		defer d.debounceWg.Done()
		for {
			d.mu.Lock()
			remaining := time.Until(entry.deadline)
			if remaining <= 0 {
				latest := entry.delta
				delete(d.debounce, debounceKey)
				d.mu.Unlock()
				d.scheduleSend(ctx, circuitKey, sub, latest)
				return
			}
			d.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}
	}()
}
