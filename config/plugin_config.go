package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// pluginConfigFile is the on-disk shape of one plugin's config file, kept
// in <configDir>/<plugin_id>.toml: a flat [config] base table plus
// any number of named [profiles.<name>] overlay tables, generalizing
// am/load.go's LoadPluginConfigs/UpdatePluginConfig (which only knows a
// single flat namespace per plugin) to the base+profile shape named in
// spec §6's PLUGIN_CONFIG_BASE/PROFILES/PROFILE/EFFECTIVE requests.
type pluginConfigFile struct {
	Config   map[string]any            `toml:"config"`
	Profiles map[string]map[string]any `toml:"profiles"`
	Active   string                    `toml:"active_profile"`
}

// PluginConfigService is a file-backed ipc.ConfigService. Config parsing,
// profile overlay, and persistence are named in spec §1 as peripheral to
// the core ("the core only defines the hooks") — this is one concrete,
// swappable implementation of those hooks, not a core component itself.
type PluginConfigService struct {
	dir string

	mu    sync.Mutex
	cache map[string]*pluginConfigFile
}

// NewPluginConfigService constructs a service rooted at dir (one
// <plugin_id>.toml file per plugin, created on first Update).
func NewPluginConfigService(dir string) *PluginConfigService {
	return &PluginConfigService{
		dir:   dir,
		cache: make(map[string]*pluginConfigFile),
	}
}

func (s *PluginConfigService) path(pluginID string) string {
	return filepath.Join(s.dir, pluginID+".toml")
}

// load reads a plugin's config file, returning an empty-but-valid
// pluginConfigFile if none exists yet (spec §6: a plugin with no config
// file still answers PLUGIN_CONFIG_* with empty/default results).
func (s *PluginConfigService) load(pluginID string) (*pluginConfigFile, error) {
	if cached, ok := s.cache[pluginID]; ok {
		return cached, nil
	}
	f := &pluginConfigFile{
		Config:   make(map[string]any),
		Profiles: make(map[string]map[string]any),
	}
	data, err := os.ReadFile(s.path(pluginID))
	if err != nil {
		if os.IsNotExist(err) {
			s.cache[pluginID] = f
			return f, nil
		}
		return nil, errors.Wrapf(err, "failed to read plugin config for %s", pluginID)
	}
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse plugin config for %s", pluginID)
	}
	if f.Config == nil {
		f.Config = make(map[string]any)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]map[string]any)
	}
	s.cache[pluginID] = f
	return f, nil
}

func (s *PluginConfigService) save(pluginID string, f *pluginConfigFile) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create plugin config dir %s", s.dir)
	}
	out, err := os.Create(s.path(pluginID))
	if err != nil {
		return errors.Wrapf(err, "failed to write plugin config for %s", pluginID)
	}
	defer out.Close()
	if err := toml.NewEncoder(out).Encode(f); err != nil {
		return errors.Wrapf(err, "failed to encode plugin config for %s", pluginID)
	}
	s.cache[pluginID] = f
	return nil
}

// Get returns the plugin's base config table, unmerged with any profile
// (PLUGIN_CONFIG_GET).
func (s *PluginConfigService) Get(pluginID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(pluginID)
	if err != nil {
		return nil, err
	}
	return f.Config, nil
}

// Update merges patch into the plugin's base config table and persists it
// (PLUGIN_CONFIG_UPDATE), mirroring am/load.go's UpdatePluginConfig
// read-merge-write idiom.
func (s *PluginConfigService) Update(pluginID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(pluginID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		f.Config[k] = v
	}
	return s.save(pluginID, f)
}

// Base returns the plugin's base config table, identical to Get (kept as
// a distinct method to match spec §6's distinct PLUGIN_CONFIG_BASE
// request, which answers "what does the manifest/file ship before any
// profile overlay" independent of runtime mutation semantics).
func (s *PluginConfigService) Base(pluginID string) (map[string]any, error) {
	return s.Get(pluginID)
}

// Profiles lists the names of every declared profile (PLUGIN_CONFIG_PROFILES).
func (s *PluginConfigService) Profiles(pluginID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(pluginID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	return names, nil
}

// Profile returns one named profile's overlay table (PLUGIN_CONFIG_PROFILE).
func (s *PluginConfigService) Profile(pluginID, profile string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(pluginID)
	if err != nil {
		return nil, err
	}
	overlay, ok := f.Profiles[profile]
	if !ok {
		return nil, errors.Newf("plugin %s has no profile %q", pluginID, profile)
	}
	return overlay, nil
}

// Effective returns the base config overlaid with the active profile (if
// any), the shape a running plugin actually observes (PLUGIN_CONFIG_EFFECTIVE).
func (s *PluginConfigService) Effective(pluginID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(pluginID)
	if err != nil {
		return nil, err
	}
	effective := make(map[string]any, len(f.Config))
	for k, v := range f.Config {
		effective[k] = v
	}
	if f.Active != "" {
		if overlay, ok := f.Profiles[f.Active]; ok {
			for k, v := range overlay {
				effective[k] = v
			}
		}
	}
	return effective, nil
}
