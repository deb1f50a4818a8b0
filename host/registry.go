package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// ErrPluginNotFound is returned when a plugin id has no record/host.
var ErrPluginNotFound = errors.New("plugin not found")

// Registry holds every loaded PluginRecord and its live PluginHost,
// grounded on plugin/registry.go's Registry (sync.RWMutex-guarded map,
// deterministic sorted iteration for List/GetAll/ShutdownAll).
//
// Unlike the teacher's Registry.Register (which errors on a name
// collision), Register here auto-renames on conflict and logs a warning,
// per spec §7's explicit "Conflict" taxonomy entry — the one place this
// package deliberately diverges from the teacher's original behavior.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*PluginRecord
	hosts   map[string]*PluginHost
	log     *zap.SugaredLogger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		records: make(map[string]*PluginRecord),
		hosts:   make(map[string]*PluginHost),
		log:     log.Named("host.registry"),
	}
}

// Register adds a PluginRecord to the registry. If record.PluginID is
// already registered, the id is auto-renamed with a numeric suffix
// ("{id}-2", "{id}-3", ...) and the collision is logged as a warning; the
// (possibly renamed) id actually used is returned.
func (r *Registry) Register(record *PluginRecord) (assignedID string, err error) {
	if record == nil {
		return "", errors.New("cannot register a nil plugin record")
	}
	if record.PluginID == "" {
		return "", errors.New("plugin record missing plugin_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := record.PluginID
	if _, exists := r.records[id]; exists {
		original := id
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s-%d", original, n)
			if _, taken := r.records[candidate]; !taken {
				id = candidate
				break
			}
		}
		r.log.Warnw("plugin id collision at registration, auto-renamed",
			"original_plugin_id", original, "assigned_plugin_id", id)
	}

	record.PluginID = id
	r.records[id] = record
	return id, nil
}

// Unregister removes a plugin's record (and host, if still present).
func (r *Registry) Unregister(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, pluginID)
	delete(r.hosts, pluginID)
}

// Get returns the PluginRecord for pluginID.
func (r *Registry) Get(pluginID string) (*PluginRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pluginID]
	return rec, ok
}

// SetHost attaches a running PluginHost to an already-registered plugin.
func (r *Registry) SetHost(pluginID string, h *PluginHost) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[pluginID] = h
}

// Host returns the live PluginHost for pluginID, if any.
func (r *Registry) Host(pluginID string) (*PluginHost, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[pluginID]
	return h, ok
}

// List returns every registered plugin id in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAll returns every PluginRecord, in the same sorted id order as List.
func (r *Registry) GetAll() []*PluginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*PluginRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.records[id])
	}
	return out
}

// ShutdownAll asks every live host to shut down concurrently, bounded by a
// single global timeout (spec §4.1 "Shutdown sequence": "Shutdown of ALL
// plugins is bounded by a single global timeout; on overflow, force exit
// the control plane."). It collects and returns every per-host shutdown
// error rather than stopping at the first one, so one stuck plugin does
// not block the others from being asked to stop.
func (r *Registry) ShutdownAll(ctx context.Context, totalBudget time.Duration) []error {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	r.mu.RLock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	hosts := make([]*PluginHost, 0, len(ids))
	for _, id := range ids {
		hosts = append(hosts, r.hosts[id])
	}
	r.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for _, h := range hosts {
		wg.Add(1)
		go func(h *PluginHost) {
			defer wg.Done()
			if err := h.Shutdown(ctx); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errsMu.Lock()
		errs = append(errs, errors.New("shutdown of all plugins exceeded global timeout"))
		errsMu.Unlock()
	}

	return errs
}
