package host

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// DiscoveredPlugin pairs a loaded Manifest with the directory it was found
// in, ready to become a Spawn (spec §6 "Plugin manifest").
type DiscoveredPlugin struct {
	Dir      string
	Manifest *Manifest
}

// Discover walks searchPaths looking for plugin directories, each
// containing a plugin.toml manifest, and returns one DiscoveredPlugin per
// manifest found, sorted by plugin id. Duplicate plugin ids across search
// paths keep the first one found (search paths are searched in order).
//
// Grounded on plugin/grpc/loader.go's discoverPlugin/expandAndValidatePath:
// the teacher searches for a bare executable by naming convention
// (qntx-<name>-plugin); this core searches for a manifest file instead,
// since spec §6 names the manifest (not a binary-naming convention) as
// the unit of discovery.
func Discover(searchPaths []string) ([]DiscoveredPlugin, error) {
	seen := make(map[string]bool)
	var found []DiscoveredPlugin

	for _, raw := range searchPaths {
		dir, err := expandAndValidatePath(raw)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			manifestPath := filepath.Join(pluginDir, "plugin.toml")
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			m, err := LoadManifest(manifestPath)
			if err != nil {
				continue
			}
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			found = append(found, DiscoveredPlugin{Dir: pluginDir, Manifest: m})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Manifest.ID < found[j].Manifest.ID })
	return found, nil
}

// expandAndValidatePath safely expands ~ and relative paths using
// go-getter's path detection, kept verbatim from
// plugin/grpc/loader.go's function of the same name.
func expandAndValidatePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	if u.Scheme == "file" {
		return u.Path, nil
	}
	if u.Scheme == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "failed to make absolute path")
		}
		return abs, nil
	}
	return "", errors.Newf("unsupported plugin search path scheme %q", u.Scheme)
}
