// pkg/selfservice/selfservice.go - the user self-service manifest.
//
// The GUI writes user choices to a world-writable plist; a privileged
// step validates it and atomically replaces the system copy, which is
// the authoritative record consumed by the resolver.

package selfservice

import (
	"fmt"
	"os"
	"sort"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/utils"
)

// UserManifestPath is where the GUI deposits user self-service choices.
const UserManifestPath = "/Users/Shared/.SelfServeManifest"

// Manifest holds the user's self-service selections. default_installs
// records which items were originally seeded as defaults, so a user
// removal is distinguishable from "never offered".
type Manifest struct {
	ManagedInstalls   []string `plist:"managed_installs"`
	ManagedUninstalls []string `plist:"managed_uninstalls"`
	DefaultInstalls   []string `plist:"default_installs,omitempty"`
}

// Load reads a self-serve manifest; a missing file yields an empty one.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := plist.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing self-serve manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := plist.MarshalIndent(m, "\t")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

// Validate drops malformed entries. Only non-empty string item names
// survive; anything else in the user-writable file is discarded.
func (m *Manifest) Validate() {
	m.ManagedInstalls = cleanNames(m.ManagedInstalls)
	m.ManagedUninstalls = cleanNames(m.ManagedUninstalls)
	m.DefaultInstalls = cleanNames(m.DefaultInstalls)
}

func cleanNames(names []string) []string {
	out := names[:0]
	for _, name := range names {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Contains reports membership in a section.
func Contains(section []string, name string) bool {
	for _, n := range section {
		if n == name {
			return true
		}
	}
	return false
}

// AddDefaultInstall seeds name as a default install, reporting whether
// the manifest changed. An item already recorded in default_installs is
// never re-added, preserving a user's later removal.
func (m *Manifest) AddDefaultInstall(name string) bool {
	if Contains(m.DefaultInstalls, name) {
		return false
	}
	m.DefaultInstalls = append(m.DefaultInstalls, name)
	sort.Strings(m.DefaultInstalls)
	if !Contains(m.ManagedInstalls, name) {
		m.ManagedInstalls = append(m.ManagedInstalls, name)
	}
	return true
}

// Adopt validates the user-writable copy and atomically installs it as
// the system copy. Returns the adopted manifest. When no user copy
// exists, the current system copy is returned unchanged.
func Adopt(userPath, systemPath string) (*Manifest, error) {
	if !utils.FileExists(userPath) {
		return Load(systemPath)
	}
	m, err := Load(userPath)
	if err != nil {
		logging.Warn("Ignoring invalid self-serve manifest", "path", userPath, "error", err)
		return Load(systemPath)
	}
	m.Validate()
	if err := m.Save(systemPath); err != nil {
		return nil, fmt.Errorf("installing self-serve manifest: %w", err)
	}
	logging.Debug("Adopted user self-serve manifest", "path", systemPath)
	return m, nil
}
