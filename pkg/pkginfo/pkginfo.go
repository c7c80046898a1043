// pkg/pkginfo/pkginfo.go - the typed data model for repository metadata.
//
// A PkgInfo describes one installable software item: how to install it,
// how to detect whether it is installed, what it requires, and what it
// updates. Catalogs are ordered lists of these. Unknown plist keys are
// tolerated for forward compatibility.

package pkginfo

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Installer types understood by the install stage.
const (
	TypePkg              = "pkg"
	TypeNoPkg            = "nopkg"
	TypeCopyFromDMG      = "copy_from_dmg"
	TypeStageOSInstaller = "stage_os_installer"
	TypeStartOSInstall   = "startosinstall"
)

// Supported uninstall methods. Anything else must be an absolute path to
// a local executable.
const (
	UninstallRemovePackages    = "removepackages"
	UninstallRemoveCopiedItems = "remove_copied_items"
	UninstallScript            = "uninstall_script"
	UninstallPackage           = "uninstall_package"
)

// StringOrList accepts either a single string or a list of strings in
// source plists. Catalog data in the wild uses both forms for update_for
// and requires.
type StringOrList []string

// UnmarshalPlist normalizes a scalar string into a one-element list.
func (s *StringOrList) UnmarshalPlist(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		if single == "" {
			*s = nil
		} else {
			*s = StringOrList{single}
		}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	*s = StringOrList(many)
	return nil
}

// MarshalPlist always emits the list form.
func (s StringOrList) MarshalPlist() (interface{}, error) {
	return []string(s), nil
}

// Receipt is a record of a package installed as part of this item, keyed
// by the platform package identifier.
type Receipt struct {
	PackageID     string `plist:"packageid"`
	Version       string `plist:"version"`
	Optional      bool   `plist:"optional,omitempty"`
	Name          string `plist:"name,omitempty"`
	Filename      string `plist:"filename,omitempty"`
	InstalledSize int64  `plist:"installed_size,omitempty"`
}

// InstallsItem is one on-disk artifact to compare when deciding whether
// this item is installed. Type is one of application, bundle, plist, file.
type InstallsItem struct {
	Type                       string `plist:"type"`
	Path                       string `plist:"path,omitempty"`
	CFBundleIdentifier         string `plist:"CFBundleIdentifier,omitempty"`
	CFBundleName               string `plist:"CFBundleName,omitempty"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString,omitempty"`
	VersionComparisonKey       string `plist:"version_comparison_key,omitempty"`
	MD5Checksum                string `plist:"md5checksum,omitempty"`
	MinimumUpdateVersion       string `plist:"minimum_update_version,omitempty"`
}

// UnusedSoftwareRemovalInfo schedules self-service removal of software the
// user has not launched for removal_days days.
type UnusedSoftwareRemovalInfo struct {
	RemovalDays int      `plist:"removal_days"`
	BundleIDs   []string `plist:"bundle_ids,omitempty"`
}

// PkgInfo is the atomic unit describing one installable software item.
type PkgInfo struct {
	Name    string `plist:"name"`
	Version string `plist:"version"`

	InstallerType         string `plist:"installer_type,omitempty"`
	InstallerItemLocation string `plist:"installer_item_location,omitempty"`
	InstallerItemHash     string `plist:"installer_item_hash,omitempty"`
	InstallerItemSize     int64  `plist:"installer_item_size,omitempty"` // KB
	InstalledSize         int64  `plist:"installed_size,omitempty"`      // KB

	PackageURL         string `plist:"PackageURL,omitempty"`
	PackageCompleteURL string `plist:"PackageCompleteURL,omitempty"`

	Receipts []Receipt      `plist:"receipts,omitempty"`
	Installs []InstallsItem `plist:"installs,omitempty"`

	Requires  StringOrList `plist:"requires,omitempty"`
	UpdateFor StringOrList `plist:"update_for,omitempty"`

	MinimumOSVersion       string   `plist:"minimum_os_version,omitempty"`
	MaximumOSVersion       string   `plist:"maximum_os_version,omitempty"`
	SupportedArchitectures []string `plist:"supported_architectures,omitempty"`
	MinimumMunkiVersion    string   `plist:"minimum_munki_version,omitempty"`
	InstallableCondition   string   `plist:"installable_condition,omitempty"`

	BlockingApplications  []string   `plist:"blocking_applications,omitempty"`
	UnattendedInstall     bool       `plist:"unattended_install,omitempty"`
	UnattendedUninstall   bool       `plist:"unattended_uninstall,omitempty"`
	ForceInstallAfterDate *time.Time `plist:"force_install_after_date,omitempty"`
	RestartAction         string     `plist:"RestartAction,omitempty"`

	OnDemand   bool  `plist:"OnDemand,omitempty"`
	AppleItem  *bool `plist:"apple_item,omitempty"` // nil means "infer"
	Precache   bool  `plist:"precache,omitempty"`
	Autoremove bool  `plist:"autoremove,omitempty"`

	Uninstallable           bool   `plist:"uninstallable,omitempty"`
	UninstallMethod         string `plist:"uninstall_method,omitempty"`
	UninstallerItemLocation string `plist:"uninstaller_item_location,omitempty"`
	UninstallerItemHash     string `plist:"uninstaller_item_hash,omitempty"`
	UninstallerItemSize     int64  `plist:"uninstaller_item_size,omitempty"`

	InstallCheckScript   string `plist:"installcheck_script,omitempty"`
	UninstallCheckScript string `plist:"uninstallcheck_script,omitempty"`
	VersionScript        string `plist:"version_script,omitempty"`
	PreinstallScript     string `plist:"preinstall_script,omitempty"`
	PostinstallScript    string `plist:"postinstall_script,omitempty"`
	PreuninstallScript   string `plist:"preuninstall_script,omitempty"`
	PostuninstallScript  string `plist:"postuninstall_script,omitempty"`
	UninstallScript      string `plist:"uninstall_script,omitempty"`

	DisplayName string `plist:"display_name,omitempty"`
	Description string `plist:"description,omitempty"`
	IconName    string `plist:"icon_name,omitempty"`
	IconHash    string `plist:"icon_hash,omitempty"`
	Category    string `plist:"category,omitempty"`
	Developer   string `plist:"developer,omitempty"`
	Featured    bool   `plist:"featured,omitempty"`

	LicensedSeatInfoAvailable bool `plist:"licensed_seat_info_available,omitempty"`

	UnusedSoftwareRemovalInfo *UnusedSoftwareRemovalInfo `plist:"unused_software_removal_info,omitempty"`

	PreinstallAlert   map[string]string `plist:"preinstall_alert,omitempty"`
	PreuninstallAlert map[string]string `plist:"preuninstall_alert,omitempty"`
	PreupgradeAlert   map[string]string `plist:"preupgrade_alert,omitempty"`

	Notes string `plist:"notes,omitempty"`
}

// NormalizedName returns the NFC-normalized item name; manifests and
// catalogs may disagree on the byte representation of composed characters.
func (p *PkgInfo) NormalizedName() string {
	return NormalizeName(p.Name)
}

// NormalizeName applies NFC normalization to an item name.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// TrimmedVersion returns the version with surrounding whitespace removed.
func (p *PkgInfo) TrimmedVersion() string {
	return strings.TrimSpace(p.Version)
}

// DisplayNameOrName returns the human-facing name, falling back to name.
func (p *PkgInfo) DisplayNameOrName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Identifier returns the canonical "name-version" reference for this item.
func (p *PkgInfo) Identifier() string {
	return p.NormalizedName() + "-" + p.TrimmedVersion()
}

// IsAppleItem reports whether this item touches Apple software: either the
// admin set apple_item explicitly, or the receipts/installs carry com.apple.
// identifiers, or it is an OS installer.
func (p *PkgInfo) IsAppleItem() bool {
	if p.AppleItem != nil {
		return *p.AppleItem
	}
	if p.InstallerType == TypeStartOSInstall {
		return true
	}
	for _, r := range p.Receipts {
		if strings.HasPrefix(r.PackageID, "com.apple.") {
			return true
		}
	}
	for _, i := range p.Installs {
		if strings.HasPrefix(i.CFBundleIdentifier, "com.apple.") {
			return true
		}
	}
	return false
}
