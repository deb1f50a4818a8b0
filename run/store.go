package run

import (
	"sync"

	"github.com/wislap/N.E.K.O-sub001/bus"
	"github.com/wislap/N.E.K.O-sub001/errors"
)

// Store persists RunRecords and ExportItems through the "runs" and
// "export" buses (spec §3: "RunRecord, ExportItem: specified in §6
// (Run protocol)" — these are not a separate SQL table, they are two of
// the six named TopicStores). Each run gets its own topic, keyed by
// run id, in both buses: GetRecent(runID, 1) on "runs" always returns the
// latest status transition; GetSince(runID, after, limit) on "export"
// paginates the append-only log.
//
// Grounded on pulse/async's Queue (job persistence) generalized from a
// SQL-backed queue to the bus package's ring-buffered TopicStore, since
// this core's "database" is the bus itself.
type Store struct {
	stores *bus.Stores

	mu          sync.RWMutex
	idempotency map[string]string // idempotency_key -> run_id, process-lifetime cache
}

// NewStore constructs a Store atop the control plane's shared bus.Stores.
func NewStore(stores *bus.Stores) *Store {
	return &Store{
		stores:      stores,
		idempotency: make(map[string]string),
	}
}

// FindByIdempotencyKey returns the run id previously created for key, if
// any (spec §6 "POST /runs ... optional task_id/trace_id/idempotency_key").
func (s *Store) FindByIdempotencyKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.idempotency[key]
	return runID, ok
}

// Put persists record's current state as the newest event on its "runs"
// topic, and remembers its idempotency key if set.
func (s *Store) Put(record *RunRecord) error {
	runsStore, err := s.stores.Store(bus.BusRuns)
	if err != nil {
		return err
	}
	if _, _, err := runsStore.Publish(record.RunID, record.AsMap()); err != nil {
		return errors.Wrap(err, "failed to persist run record")
	}
	if record.IdempotencyKey != "" {
		s.mu.Lock()
		s.idempotency[record.IdempotencyKey] = record.RunID
		s.mu.Unlock()
	}
	return nil
}

// Get returns the latest persisted state of runID, or ok=false if no run
// with that id has ever been published.
func (s *Store) Get(runID string) (*RunRecord, bool, error) {
	runsStore, err := s.stores.Store(bus.BusRuns)
	if err != nil {
		return nil, false, err
	}
	recent := runsStore.GetRecent(runID, 1)
	if len(recent) == 0 {
		return nil, false, nil
	}
	return RunRecordFromMap(recent[0].AsMap()), true, nil
}

// AppendExport publishes one ExportItem to the run's "export" topic
// (spec §6 "records a synthetic ExportItem with the response").
func (s *Store) AppendExport(item ExportItem) error {
	exportStore, err := s.stores.Store(bus.BusExport)
	if err != nil {
		return err
	}
	if _, _, err := exportStore.Publish(item.RunID, item.AsMap()); err != nil {
		return errors.Wrap(err, "failed to append export item")
	}
	return nil
}

// ListExport returns up to limit ExportItems for runID with seq > after,
// in seq-ascending order (spec §6 "GET /runs/{run_id}/export?after&limit
// -> paginated export items").
func (s *Store) ListExport(runID string, after uint64, limit int) ([]ExportItem, error) {
	exportStore, err := s.stores.Store(bus.BusExport)
	if err != nil {
		return nil, err
	}
	events := exportStore.GetSince(runID, after, limit)
	items := make([]ExportItem, 0, len(events))
	for _, e := range events {
		items = append(items, ExportItemFromMap(e.AsMap()))
	}
	return items, nil
}
