package host

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wislap/N.E.K.O-sub001/config"
	"github.com/wislap/N.E.K.O-sub001/errors"
)

// frozenEnvelope is the on-disk shape of a persisted checkpoint, grounded
// on original_source/plugin/sdk/freeze.py's save_frozen_state
// ({version, plugin_id, frozen_at, data}).
type frozenEnvelope struct {
	Version  int            `msgpack:"version"`
	PluginID string         `msgpack:"plugin_id"`
	Data     map[string]any `msgpack:"data"`
}

const frozenEnvelopeVersion = 1

// NoopBackend discards every checkpoint; used when a plugin declares no
// freezable state.
type NoopBackend struct{}

func (NoopBackend) Save(string, map[string]any) error                  { return nil }
func (NoopBackend) Load(string) (map[string]any, bool, error)          { return nil, false, nil }

// MemoryBackend keeps the latest checkpoint per plugin in memory only,
// matching config.CheckpointOff's "memory" mode (freeze.py: "\"memory\"
// 模式不写盘" — memory mode never writes to disk).
type MemoryBackend struct {
	mu    sync.RWMutex
	state map[string]map[string]any
}

// NewMemoryBackend constructs an empty in-memory checkpoint store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: make(map[string]map[string]any)}
}

func (b *MemoryBackend) Save(pluginID string, state map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[pluginID] = state
	return nil
}

func (b *MemoryBackend) Load(pluginID string) (map[string]any, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.state[pluginID]
	return s, ok, nil
}

// FileBackend persists checkpoints to one msgpack file per plugin under
// Dir, either on every Save ("always" mode) or once every PersistInterval
// saves ("interval" mode), mirroring freeze.py's checkpoint()/
// _persist_checkpoint() pair. A successful Save always updates the
// in-memory copy so Load stays current even between disk writes.
type FileBackend struct {
	mu    sync.Mutex
	dir   string
	mode  config.CheckpointMode
	every int // persist-to-disk cadence for interval mode
	count map[string]int
	mem   map[string]map[string]any
}

// NewFileBackend constructs a FileBackend writing under dir.
func NewFileBackend(dir string, mode config.CheckpointMode, intervalCount int) (*FileBackend, error) {
	if intervalCount <= 0 {
		intervalCount = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return &FileBackend{
		dir:   dir,
		mode:  mode,
		every: intervalCount,
		count: make(map[string]int),
		mem:   make(map[string]map[string]any),
	}, nil
}

func (b *FileBackend) path(pluginID string) string {
	return filepath.Join(b.dir, pluginID+".checkpoint")
}

func (b *FileBackend) Save(pluginID string, state map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mem[pluginID] = state
	b.count[pluginID]++

	shouldPersist := false
	switch b.mode {
	case config.CheckpointAlways:
		shouldPersist = true
	case config.CheckpointInterval:
		shouldPersist = b.count[pluginID]%b.every == 0
	default: // CheckpointOff ("memory"): never writes to disk
		shouldPersist = false
	}
	if !shouldPersist {
		return nil
	}

	envelope := frozenEnvelope{Version: frozenEnvelopeVersion, PluginID: pluginID, Data: state}
	data, err := msgpack.Marshal(envelope)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checkpoint for plugin %s", pluginID)
	}
	if err := os.WriteFile(b.path(pluginID), data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to persist checkpoint for plugin %s", pluginID)
	}
	return nil
}

func (b *FileBackend) Load(pluginID string) (map[string]any, bool, error) {
	b.mu.Lock()
	if s, ok := b.mem[pluginID]; ok {
		b.mu.Unlock()
		return s, true, nil
	}
	b.mu.Unlock()

	data, err := os.ReadFile(b.path(pluginID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to read checkpoint for plugin %s", pluginID)
	}
	var envelope frozenEnvelope
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		return nil, false, errors.Wrapf(err, "failed to decode checkpoint for plugin %s", pluginID)
	}
	if envelope.Version != frozenEnvelopeVersion {
		return nil, false, errors.Newf("unknown checkpoint version %d for plugin %s", envelope.Version, pluginID)
	}
	return envelope.Data, true, nil
}

// NewBackend constructs the appropriate CheckpointBackend for cfg's
// persist mode.
func NewBackend(cfg config.CheckpointConfig) (CheckpointBackend, error) {
	switch cfg.PersistMode {
	case config.CheckpointAlways, config.CheckpointInterval:
		interval := 1
		// Interval is expressed as a duration in config (time between
		// persists); FileBackend counts saves, so a duration-based policy
		// degrades to "persist every save" here and the time-based
		// component is left to the caller's checkpoint cadence (Freeze is
		// only invoked after a successful execution in the first place).
		return NewFileBackend(cfg.Dir, cfg.PersistMode, interval)
	default:
		return NewMemoryBackend(), nil
	}
}
