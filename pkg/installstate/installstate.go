// pkg/installstate/installstate.go - decides whether a catalog item is
// installed on this host.
//
// The checks form a precedence chain: OnDemand, installcheck_script,
// version_script, OS-installer version, the installs list, then
// receipts. The first applicable check decides.

package installstate

import (
	"context"
	"os"
	"strings"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/compare"
	"github.com/macadmins/capuchin/pkg/facts"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/scripts"
	"github.com/macadmins/capuchin/pkg/utils"
)

// Status is the outcome of an installation-state check.
type Status int

const (
	// NotInstalled means this exact version needs to be installed.
	NotInstalled Status = iota
	// Installed means this exact version is present.
	Installed
	// NewerInstalled means a later version is already present.
	NewerInstalled
)

func (s Status) String() string {
	switch s {
	case Installed:
		return "this version installed"
	case NewerInstalled:
		return "newer version installed"
	default:
		return "this version not installed"
	}
}

// checkResult is the four-way comparison outcome for a single piece of
// install evidence.
type checkResult int

const (
	notPresent checkResult = iota
	older
	same
	newer
)

func fromCompare(r compare.Result) checkResult {
	switch r {
	case compare.Older:
		return older
	case compare.Newer:
		return newer
	default:
		return same
	}
}

// HostInfo is the slice of the fact collector the evaluator needs.
// *facts.Collector satisfies it.
type HostInfo interface {
	Facts() map[string]interface{}
	InstalledPackages() map[string]string
	ApplicationByBundleID(bundleID string) (facts.Application, bool)
	ApplicationByName(name string) (facts.Application, bool)
}

// Evaluator runs installation-state checks against one host.
type Evaluator struct {
	Facts HostInfo
}

// New returns an Evaluator backed by the given fact source.
func New(host HostInfo) *Evaluator {
	return &Evaluator{Facts: host}
}

// Check classifies the installation state of item on this host.
func (e *Evaluator) Check(ctx context.Context, item *pkginfo.PkgInfo) Status {
	// OnDemand items are reinstalled every run.
	if item.OnDemand {
		return NotInstalled
	}

	if item.InstallCheckScript != "" {
		return e.runInstallCheckScript(ctx, item)
	}

	if item.VersionScript != "" {
		return e.runVersionScript(ctx, item)
	}

	if item.InstallerType == pkginfo.TypeStartOSInstall ||
		item.InstallerType == pkginfo.TypeStageOSInstaller {
		return e.checkOSInstallerVersion(item)
	}

	if len(item.Installs) > 0 {
		return e.checkInstallsList(item)
	}

	if len(item.Receipts) > 0 {
		return e.checkReceipts(item)
	}

	// No evidence sources at all; assume an install is needed.
	logging.Debug("No install evidence defined, assuming not installed", "item", item.Name)
	return NotInstalled
}

// runInstallCheckScript interprets exit 0 as "install needed". The
// script cannot signal that a newer version is present.
func (e *Evaluator) runInstallCheckScript(ctx context.Context, item *pkginfo.PkgInfo) Status {
	result, err := scripts.Run(ctx, item.Name+" installcheck_script", item.InstallCheckScript, item)
	if err != nil {
		logging.Warn("installcheck_script could not run, assuming no install needed",
			"item", item.Name, "error", err)
		return Installed
	}
	if result.ExitCode == 0 {
		return NotInstalled
	}
	return Installed
}

// runVersionScript parses the script's stdout as the installed version.
// Empty or whitespace-only output means the item is not present.
func (e *Evaluator) runVersionScript(ctx context.Context, item *pkginfo.PkgInfo) Status {
	result, err := scripts.Run(ctx, item.Name+" version_script", item.VersionScript, item)
	if err != nil || result.ExitCode != 0 {
		logging.Warn("version_script failed, treating item as not present",
			"item", item.Name, "error", err)
		return NotInstalled
	}
	installed := strings.TrimSpace(result.Stdout)
	if installed == "" {
		return NotInstalled
	}
	switch compare.Versions(installed, item.TrimmedVersion()) {
	case compare.Older:
		return NotInstalled
	case compare.Newer:
		return NewerInstalled
	default:
		return Installed
	}
}

// checkOSInstallerVersion compares the running OS against the version
// the installer would install. Since macOS 11 the major version alone is
// significant; before that the minor mattered.
func (e *Evaluator) checkOSInstallerVersion(item *pkginfo.PkgInfo) Status {
	osVers, _ := e.Facts.Facts()["os_vers"].(string)
	target := item.TrimmedVersion()

	significant := 2
	if majorVersion(target) >= 11 {
		significant = 1
	}
	switch compare.Versions(truncateVersion(osVers, significant), truncateVersion(target, significant)) {
	case compare.Older:
		return NotInstalled
	case compare.Newer:
		return NewerInstalled
	default:
		return Installed
	}
}

func majorVersion(vers string) int {
	major, _, _ := strings.Cut(vers, ".")
	n := 0
	for _, c := range major {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func truncateVersion(vers string, segments int) string {
	parts := strings.Split(vers, ".")
	if len(parts) > segments {
		parts = parts[:segments]
	}
	return strings.Join(parts, ".")
}

// checkInstallsList evaluates every installs entry. Any missing or older
// evidence forces an install; all-same with at least one newer reports a
// newer install.
func (e *Evaluator) checkInstallsList(item *pkginfo.PkgInfo) Status {
	sawNewer := false
	for i := range item.Installs {
		entry := &item.Installs[i]
		result := e.checkInstallsEntry(entry)
		if result == older || result == notPresent {
			return NotInstalled
		}
		if entry.MinimumUpdateVersion != "" && result != notPresent {
			if installed := e.foundVersion(entry); installed != "" &&
				compare.Versions(installed, entry.MinimumUpdateVersion) == compare.Older {
				// Installed copy predates the update floor.
				return NotInstalled
			}
		}
		if result == newer {
			sawNewer = true
		}
	}
	if sawNewer {
		return NewerInstalled
	}
	return Installed
}

func (e *Evaluator) checkReceipts(item *pkginfo.PkgInfo) Status {
	installed := e.Facts.InstalledPackages()
	sawNewer := false
	for _, r := range item.Receipts {
		if r.Optional {
			continue
		}
		have, ok := installed[r.PackageID]
		if !ok {
			return NotInstalled
		}
		switch compare.Versions(have, r.Version) {
		case compare.Older:
			return NotInstalled
		case compare.Newer:
			sawNewer = true
		}
	}
	if sawNewer {
		return NewerInstalled
	}
	return Installed
}

// checkInstallsEntry dispatches on the entry type: application, bundle,
// plist, or file.
func (e *Evaluator) checkInstallsEntry(entry *pkginfo.InstallsItem) checkResult {
	switch entry.Type {
	case "application":
		return e.checkApplication(entry)
	case "bundle":
		return e.checkBundle(entry)
	case "plist":
		return e.checkPlist(entry)
	case "file":
		return e.checkFile(entry)
	default:
		logging.Warn("Unknown installs entry type", "type", entry.Type, "path", entry.Path)
		return notPresent
	}
}

// foundVersion returns the version string discovered for an installs
// entry, used for the minimum_update_version gate.
func (e *Evaluator) foundVersion(entry *pkginfo.InstallsItem) string {
	switch entry.Type {
	case "application":
		if entry.Path != "" {
			if info, err := facts.ReadBundleInfo(entry.Path); err == nil {
				return info.CFBundleShortVersionString
			}
		}
		if app, ok := e.findApplication(entry); ok {
			return app.Version
		}
	case "bundle":
		if info, err := facts.ReadBundleInfo(entry.Path); err == nil {
			return info.CFBundleShortVersionString
		}
	}
	return ""
}

// InstalledVersion reports the version the install evidence actually
// found on the host, or "" when no evidence carries one.
func (e *Evaluator) InstalledVersion(ctx context.Context, item *pkginfo.PkgInfo) string {
	if item.VersionScript != "" {
		result, err := scripts.Run(ctx, item.Name+" version_script", item.VersionScript, item)
		if err != nil || result.ExitCode != 0 {
			return ""
		}
		return strings.TrimSpace(result.Stdout)
	}
	for i := range item.Installs {
		if v := e.foundVersion(&item.Installs[i]); v != "" {
			return v
		}
	}
	installed := e.Facts.InstalledPackages()
	for _, r := range item.Receipts {
		if r.Optional {
			continue
		}
		if v := installed[r.PackageID]; v != "" {
			return v
		}
	}
	return ""
}

func (e *Evaluator) findApplication(entry *pkginfo.InstallsItem) (facts.Application, bool) {
	if entry.CFBundleIdentifier != "" {
		if app, ok := e.Facts.ApplicationByBundleID(entry.CFBundleIdentifier); ok {
			return app, true
		}
	}
	if entry.CFBundleName != "" {
		if app, ok := e.Facts.ApplicationByName(entry.CFBundleName); ok {
			return app, true
		}
	}
	return facts.Application{}, false
}

func (e *Evaluator) checkApplication(entry *pkginfo.InstallsItem) checkResult {
	expected := entry.CFBundleShortVersionString
	if entry.Path != "" {
		// A missing bundle at the expected path is not conclusive; the
		// app may live elsewhere, so fall back to the inventory.
		if info, err := facts.ReadBundleInfo(entry.Path); err == nil {
			if expected == "" {
				return same
			}
			return fromCompare(compare.Versions(info.CFBundleShortVersionString, expected))
		}
	}
	app, ok := e.findApplication(entry)
	if !ok {
		return notPresent
	}
	if expected == "" {
		return same
	}
	return fromCompare(compare.Versions(app.Version, expected))
}

func (e *Evaluator) checkBundle(entry *pkginfo.InstallsItem) checkResult {
	info, err := facts.ReadBundleInfo(entry.Path)
	if err != nil {
		return notPresent
	}
	expected := entry.CFBundleShortVersionString
	if expected == "" {
		return same
	}
	return fromCompare(compare.Versions(info.CFBundleShortVersionString, expected))
}

func (e *Evaluator) checkPlist(entry *pkginfo.InstallsItem) checkResult {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return notPresent
	}
	var values map[string]interface{}
	if err := plist.Unmarshal(data, &values); err != nil {
		return notPresent
	}
	key := entry.VersionComparisonKey
	if key == "" {
		key = "CFBundleShortVersionString"
	}
	installed, _ := values[key].(string)
	if installed == "" {
		return notPresent
	}
	expected := entry.CFBundleShortVersionString
	if expected == "" {
		return same
	}
	return fromCompare(compare.Versions(installed, expected))
}

func (e *Evaluator) checkFile(entry *pkginfo.InstallsItem) checkResult {
	if !utils.FileExists(entry.Path) {
		return notPresent
	}
	if entry.MD5Checksum != "" && !utils.VerifyMD5(entry.Path, entry.MD5Checksum) {
		return notPresent
	}
	return same
}

// SomeVersionInstalled is the loosest presence check: true when any
// detectable evidence of any version of the item exists.
func (e *Evaluator) SomeVersionInstalled(ctx context.Context, item *pkginfo.PkgInfo) bool {
	if item.OnDemand {
		return false
	}
	if item.InstallCheckScript != "" {
		result, err := scripts.Run(ctx, item.Name+" installcheck_script", item.InstallCheckScript, item)
		if err != nil {
			return false
		}
		return result.ExitCode != 0
	}
	if item.VersionScript != "" {
		result, err := scripts.Run(ctx, item.Name+" version_script", item.VersionScript, item)
		if err != nil || result.ExitCode != 0 {
			return false
		}
		return strings.TrimSpace(result.Stdout) != ""
	}
	for i := range item.Installs {
		if e.checkInstallsEntry(&item.Installs[i]) == notPresent {
			return false
		}
	}
	if len(item.Installs) > 0 {
		return true
	}
	installed := e.Facts.InstalledPackages()
	for _, r := range item.Receipts {
		if r.Optional {
			continue
		}
		if _, ok := installed[r.PackageID]; !ok {
			return false
		}
	}
	return len(item.Receipts) > 0
}

// EvidenceThisIsInstalled decides whether a removal target is actually
// present. An uninstallcheck_script wins when defined; removepackages
// items fall back to receipts; everything else verifies the installs and
// receipts footprints.
func (e *Evaluator) EvidenceThisIsInstalled(ctx context.Context, item *pkginfo.PkgInfo) bool {
	if item.UninstallCheckScript != "" {
		result, err := scripts.Run(ctx, item.Name+" uninstallcheck_script", item.UninstallCheckScript, item)
		if err != nil {
			logging.Warn("uninstallcheck_script could not run", "item", item.Name, "error", err)
			return false
		}
		// Exit 0 means "needs to be uninstalled", i.e. it is installed.
		return result.ExitCode == 0
	}

	if item.UninstallMethod == pkginfo.UninstallRemovePackages {
		installed := e.Facts.InstalledPackages()
		for _, r := range item.Receipts {
			if r.Optional {
				continue
			}
			if _, ok := installed[r.PackageID]; ok {
				return true
			}
		}
		return false
	}

	return e.SomeVersionInstalled(ctx, item)
}

// UniquelyOwnedReceipts returns the installed package ids referenced by
// itemName and by no other catalog item. refs comes from the catalog
// DB's ReceiptReferences index. An empty result makes a removepackages
// removal unsafe.
func UniquelyOwnedReceipts(itemName string, item *pkginfo.PkgInfo,
	refs map[string][]string, installedPkgs map[string]string) []string {
	var owned []string
	for _, r := range item.Receipts {
		if _, installed := installedPkgs[r.PackageID]; !installed {
			continue
		}
		shared := false
		for _, owner := range refs[r.PackageID] {
			if owner != itemName {
				shared = true
				break
			}
		}
		if !shared {
			owned = append(owned, r.PackageID)
		}
	}
	return owned
}
