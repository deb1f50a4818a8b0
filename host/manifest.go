package host

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// SDKCompat describes a plugin's declared SDK compatibility window,
// generalizing plugin/grpc/discovery.go's toml-tagged PluginConfig to the
// fuller plugin.sdk{...} manifest shape named in spec §6.
type SDKCompat struct {
	Recommended string   `toml:"recommended"`
	Supported   string   `toml:"supported"` // semver constraint, e.g. ">=1.0.0, <2.0.0"
	Untested    string   `toml:"untested"`
	Conflicts   []string `toml:"conflicts"` // list of semver constraints that must NOT match
}

// Dependency is one soft-dependency declaration (spec §9 "Soft
// dependencies on other plugins").
type Dependency struct {
	PluginID string `toml:"plugin_id"`
	Required bool   `toml:"required"`
}

// Manifest is the plugin.toml manifest consumed (not written) by the
// registry, per spec §6 "Plugin manifest".
type Manifest struct {
	ID           string       `toml:"id"`
	Entry        string       `toml:"entry"`
	Name         string       `toml:"name"`
	Description  string       `toml:"description"`
	Version      string       `toml:"version"`
	Author       string       `toml:"author"`
	SDK          SDKCompat    `toml:"sdk"`
	Dependencies []Dependency `toml:"dependency"`
}

// LoadManifest reads and parses a plugin manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plugin manifest %s", path)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse plugin manifest %s", path)
	}
	if m.ID == "" {
		return nil, errors.Newf("plugin manifest %s missing required field plugin.id", path)
	}
	return &m, nil
}

// CompatWarning is a non-fatal mismatch between the host SDK version and
// the plugin's recommended/untested ranges.
type CompatWarning struct {
	PluginID string
	Message  string
}

// ValidateSDKCompat checks the manifest's SDK compatibility window against
// the running host version, generalizing plugin/registry.go's
// validateVersion to the full recommended/supported/untested/conflicts
// shape named in spec §6. A non-nil error means the plugin MUST be
// rejected; a non-empty warnings slice means it loads with warnings
// logged.
func ValidateSDKCompat(hostVersion string, m *Manifest) (warnings []CompatWarning, err error) {
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid host SDK version %q", hostVersion)
	}

	for _, raw := range m.SDK.Conflicts {
		c, cerr := semver.NewConstraint(raw)
		if cerr != nil {
			warnings = append(warnings, CompatWarning{
				PluginID: m.ID,
				Message:  "ignoring malformed sdk.conflicts constraint: " + raw,
			})
			continue
		}
		if c.Check(host) {
			return nil, errors.Newf(
				"plugin %s conflicts with host SDK version %s (constraint %q)",
				m.ID, hostVersion, raw,
			)
		}
	}

	if m.SDK.Supported != "" {
		c, cerr := semver.NewConstraint(m.SDK.Supported)
		if cerr != nil {
			warnings = append(warnings, CompatWarning{
				PluginID: m.ID,
				Message:  "ignoring malformed sdk.supported constraint: " + m.SDK.Supported,
			})
		} else if !c.Check(host) {
			return nil, errors.Newf(
				"plugin %s requires host SDK %s, host is %s",
				m.ID, m.SDK.Supported, hostVersion,
			)
		}
	}

	if m.SDK.Recommended != "" {
		rec, rerr := semver.NewVersion(m.SDK.Recommended)
		if rerr == nil && !rec.Equal(host) {
			warnings = append(warnings, CompatWarning{
				PluginID: m.ID,
				Message:  "host SDK " + hostVersion + " differs from recommended " + m.SDK.Recommended,
			})
		}
	}

	if m.SDK.Untested != "" {
		c, cerr := semver.NewConstraint(m.SDK.Untested)
		if cerr == nil && c.Check(host) {
			warnings = append(warnings, CompatWarning{
				PluginID: m.ID,
				Message:  "host SDK " + hostVersion + " is in plugin's untested range " + m.SDK.Untested,
			})
		}
	}

	return warnings, nil
}
