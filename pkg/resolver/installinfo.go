// pkg/resolver/installinfo.go - the resolver's output contract.
//
// InstallInfo.plist is the sole interface between the update check and
// the external installer stage. Projections carry only what the
// installer and the GUI need, not whole pkginfos.

package resolver

import (
	"bytes"
	"os"
	"time"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/utils"
)

// InstallItem is one planned (or already satisfied) install.
type InstallItem struct {
	Name             string `plist:"name"`
	DisplayName      string `plist:"display_name"`
	Description      string `plist:"description"`
	VersionToInstall string `plist:"version_to_install"`
	InstallerType    string `plist:"installer_type,omitempty"`

	Installed        bool   `plist:"installed"`
	InstalledVersion string `plist:"installed_version,omitempty"`

	InstallerItem     string `plist:"installer_item,omitempty"`
	InstallerItemSize int64  `plist:"installer_item_size,omitempty"`
	InstalledSize     int64  `plist:"installed_size,omitempty"`

	RestartAction         string     `plist:"RestartAction,omitempty"`
	UnattendedInstall     bool       `plist:"unattended_install,omitempty"`
	ForceInstallAfterDate *time.Time `plist:"force_install_after_date,omitempty"`
	BlockingApplications  []string   `plist:"blocking_applications,omitempty"`

	PreinstallScript  string `plist:"preinstall_script,omitempty"`
	PostinstallScript string `plist:"postinstall_script,omitempty"`

	OnDemand  bool `plist:"OnDemand,omitempty"`
	AppleItem bool `plist:"apple_item,omitempty"`

	Note string `plist:"note,omitempty"`

	PreinstallAlert map[string]string `plist:"preinstall_alert,omitempty"`
	PreupgradeAlert map[string]string `plist:"preupgrade_alert,omitempty"`
}

// RemovalItem is one planned removal.
type RemovalItem struct {
	Name             string `plist:"name"`
	DisplayName      string `plist:"display_name"`
	Description      string `plist:"description,omitempty"`
	InstalledVersion string `plist:"installed_version,omitempty"`

	Installed       bool   `plist:"installed"`
	UninstallMethod string `plist:"uninstall_method"`
	UninstallScript string `plist:"uninstall_script,omitempty"`

	UninstallerItem     string `plist:"uninstaller_item,omitempty"`
	UninstallerItemSize int64  `plist:"uninstaller_item_size,omitempty"`

	// Packages lists the receipt ids removepackages may delete; they are
	// uniquely owned by this item.
	Packages []string `plist:"packages,omitempty"`

	RestartAction       string `plist:"RestartAction,omitempty"`
	UnattendedUninstall bool   `plist:"unattended_uninstall,omitempty"`

	PreuninstallScript  string `plist:"preuninstall_script,omitempty"`
	PostuninstallScript string `plist:"postuninstall_script,omitempty"`

	PreuninstallAlert map[string]string `plist:"preuninstall_alert,omitempty"`
}

// OptionalItem is one entry for the self-service catalog browser.
type OptionalItem struct {
	Name             string `plist:"name"`
	DisplayName      string `plist:"display_name"`
	Description      string `plist:"description"`
	VersionToInstall string `plist:"version_to_install"`

	Installed   bool `plist:"installed"`
	NeedsUpdate bool `plist:"needs_update"`

	InstallerItemSize int64 `plist:"installer_item_size,omitempty"`
	InstalledSize     int64 `plist:"installed_size,omitempty"`

	// Payload coordinates ride along so the precache agent can download
	// from InstallInfo.plist alone.
	InstallerItemLocation string `plist:"installer_item_location,omitempty"`
	InstallerItemHash     string `plist:"installer_item_hash,omitempty"`
	PackageCompleteURL    string `plist:"PackageCompleteURL,omitempty"`

	Category  string `plist:"category,omitempty"`
	Developer string `plist:"developer,omitempty"`
	IconName  string `plist:"icon_name,omitempty"`
	Featured  bool   `plist:"featured,omitempty"`
	Precache  bool   `plist:"precache,omitempty"`

	Note            string `plist:"note,omitempty"`
	UpdateAvailable bool   `plist:"update_available,omitempty"`

	LicensedSeatInfoAvailable bool `plist:"licensed_seat_info_available,omitempty"`
	LicensedSeatsAvailable    bool `plist:"licensed_seats_available,omitempty"`
}

// InstallInfo is the full resolver output for one session.
type InstallInfo struct {
	ManagedInstalls  []*InstallItem  `plist:"managed_installs"`
	Removals         []*RemovalItem  `plist:"removals"`
	OptionalInstalls []*OptionalItem `plist:"optional_installs,omitempty"`
	ManagedUpdates   []string        `plist:"managed_updates,omitempty"`
	FeaturedItems    []string        `plist:"featured_items,omitempty"`
	ProblemItems     []*InstallItem  `plist:"problem_items,omitempty"`

	ProcessedInstalls   []string `plist:"processed_installs,omitempty"`
	ProcessedUninstalls []string `plist:"processed_uninstalls,omitempty"`
}

// NewInstallInfo returns an empty InstallInfo with non-nil actionable
// lists, so the serialized plist always carries both keys.
func NewInstallInfo() *InstallInfo {
	return &InstallInfo{
		ManagedInstalls: []*InstallItem{},
		Removals:        []*RemovalItem{},
	}
}

// InstallItemNamed finds a planned install by bare name.
func (info *InstallInfo) InstallItemNamed(name string) *InstallItem {
	for _, item := range info.ManagedInstalls {
		if item.Name == name {
			return item
		}
	}
	return nil
}

// Write serializes the InstallInfo to path atomically, skipping the
// write when the encoded bytes match what is already on disk. Returns
// whether the file changed.
func (info *InstallInfo) Write(path string) (bool, error) {
	data, err := plist.MarshalIndent(info, "\t")
	if err != nil {
		return false, err
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// ReadInstallInfo loads a previously written InstallInfo.
func ReadInstallInfo(path string) (*InstallInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info InstallInfo
	if err := plist.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
