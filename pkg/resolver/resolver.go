// pkg/resolver/resolver.go - the dependency resolver.
//
// Five section processors walk the manifest: installs, removals,
// managed updates, optional installs, and default installs. The
// processed_installs / processed_uninstalls memo sets make every
// processor idempotent per session and break requires cycles.

package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/macadmins/capuchin/pkg/blocking"
	"github.com/macadmins/capuchin/pkg/cache"
	"github.com/macadmins/capuchin/pkg/catalogs"
	"github.com/macadmins/capuchin/pkg/compare"
	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/installstate"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/report"
)

// Resolver walks manifest sections and accumulates an InstallInfo.
// One Resolver serves one session.
type Resolver struct {
	cfg      *config.Configuration
	db       *catalogs.DB
	cache    *cache.Manager
	state    *installstate.Evaluator
	host     installstate.HostInfo
	reporter report.Reporter

	info *InstallInfo

	processedInstalls   map[string]bool // full refs, e.g. "Firefox-128.0"
	processedUninstalls map[string]bool // bare names
	installNames        map[string]bool // bare names from processedInstalls

	// plannedInstalledKB reserves disk for already-planned installs.
	plannedInstalledKB int64
}

// New builds a Resolver over the session's shared components.
func New(cfg *config.Configuration, db *catalogs.DB, cacheMgr *cache.Manager,
	host installstate.HostInfo, rep report.Reporter) *Resolver {
	if rep == nil {
		rep = report.Noop{}
	}
	return &Resolver{
		cfg:                 cfg,
		db:                  db,
		cache:               cacheMgr,
		state:               installstate.New(host),
		host:                host,
		reporter:            rep,
		info:                NewInstallInfo(),
		processedInstalls:   make(map[string]bool),
		processedUninstalls: make(map[string]bool),
		installNames:        make(map[string]bool),
	}
}

// InstallInfo returns the accumulated plan.
func (r *Resolver) InstallInfo() *InstallInfo {
	return r.info
}

func (r *Resolver) memoizeInstall(ref, name string) {
	if !r.processedInstalls[ref] {
		r.processedInstalls[ref] = true
		r.info.ProcessedInstalls = append(r.info.ProcessedInstalls, ref)
	}
	r.installNames[name] = true
}

func (r *Resolver) memoizeUninstall(name string) {
	if !r.processedUninstalls[name] {
		r.processedUninstalls[name] = true
		r.info.ProcessedUninstalls = append(r.info.ProcessedUninstalls, name)
	}
}

// unmemoizeUninstall backs a name out of the memo when a removal fails
// after the reverse dependency walk began.
func (r *Resolver) unmemoizeUninstall(name string) {
	if !r.processedUninstalls[name] {
		return
	}
	delete(r.processedUninstalls, name)
	for i, ref := range r.info.ProcessedUninstalls {
		if ref == name {
			r.info.ProcessedUninstalls = append(
				r.info.ProcessedUninstalls[:i], r.info.ProcessedUninstalls[i+1:]...)
			break
		}
	}
}

// alreadyPlannedSameOrNewer reports whether managed_installs already
// holds this item at an equal or higher version.
func (r *Resolver) alreadyPlannedSameOrNewer(item *pkginfo.PkgInfo) bool {
	for _, planned := range r.info.ManagedInstalls {
		if planned.Name != item.NormalizedName() {
			continue
		}
		if compare.Versions(planned.VersionToInstall, item.TrimmedVersion()) != compare.Older {
			return true
		}
	}
	return false
}

// newInstallItem projects a pkginfo into an InstallInfo entry.
func newInstallItem(item *pkginfo.PkgInfo) *InstallItem {
	return &InstallItem{
		Name:                  item.NormalizedName(),
		DisplayName:           item.DisplayNameOrName(),
		Description:           item.Description,
		VersionToInstall:      item.TrimmedVersion(),
		InstallerType:         item.InstallerType,
		InstallerItemSize:     item.InstallerItemSize,
		InstalledSize:         item.InstalledSize,
		RestartAction:         item.RestartAction,
		UnattendedInstall:     item.UnattendedInstall,
		ForceInstallAfterDate: item.ForceInstallAfterDate,
		BlockingApplications:  item.BlockingApplications,
		PreinstallScript:      item.PreinstallScript,
		PostinstallScript:     item.PostinstallScript,
		OnDemand:              item.OnDemand,
		AppleItem:             item.IsAppleItem(),
		PreinstallAlert:       item.PreinstallAlert,
		PreupgradeAlert:       item.PreupgradeAlert,
	}
}

func (r *Resolver) addProblemItem(item *pkginfo.PkgInfo, note string) {
	projection := newInstallItem(item)
	projection.Note = note
	r.info.ProblemItems = append(r.info.ProblemItems, projection)
	r.reporter.Warning(fmt.Sprintf("%s: %s", item.DisplayNameOrName(), note))
}

// ProcessInstall plans the installation of one manifest item and,
// recursively, everything it requires and everything that updates it.
// It reports whether the item is (or will be) installed.
func (r *Resolver) ProcessInstall(ctx context.Context, manifestItem string, catalogList []string,
	isManagedUpdate, isOptionalInstall bool) bool {

	name, _ := catalogs.SplitNameAndVersion(manifestItem)
	name = pkginfo.NormalizeName(name)

	if r.processedUninstalls[name] {
		logging.Warn("Will not install an item scheduled for removal", "item", manifestItem)
		return false
	}
	if r.processedInstalls[manifestItem] {
		logging.Debug("Item already processed this session", "item", manifestItem)
		return true
	}

	item := r.db.ItemDetail(manifestItem, catalogList, catalogs.LookupOptions{})
	if item == nil {
		return false
	}

	// Memoize before walking dependencies so requires cycles terminate.
	// Managed updates stay unmemoized: the item may still be named by a
	// managed_installs section later in the run.
	if !isManagedUpdate {
		r.memoizeInstall(manifestItem, name)
	}

	if r.alreadyPlannedSameOrNewer(item) {
		logging.Debug("Same or newer version already planned", "item", manifestItem)
		return true
	}

	// Expand dependencies first; a failed dependency does not stop the
	// walk, but it does block this item.
	dependenciesMet := true
	for _, req := range item.Requires {
		logging.Info("Processing dependency", "item", item.Name, "requires", req)
		if !r.ProcessInstall(ctx, req, catalogList, isManagedUpdate, isOptionalInstall) {
			logging.Warn("Dependency could not be resolved",
				"item", item.Name, "requires", req)
			dependenciesMet = false
		}
	}

	status := r.state.Check(ctx, item)
	logging.Debug("Installation state", "item", item.Identifier(), "state", status.String())

	installed := status != installstate.NotInstalled
	var projection *InstallItem

	// Updates target the version this plan leaves on disk: the catalog
	// version for a pending install, the detected version otherwise.
	updatesVersion := item.TrimmedVersion()

	if !installed {
		if !dependenciesMet {
			r.addProblemItem(item, "could not verify all other items it requires are or will be installed")
			return false
		}
		if item.InstallerItemLocation == "" && item.PackageCompleteURL == "" &&
			item.InstallerType != pkginfo.TypeNoPkg {
			r.addProblemItem(item, "no installer item location")
			return false
		}
		if item.InstallerItemLocation != "" || item.PackageCompleteURL != "" {
			if !r.cache.EnoughDiskSpaceFor(item, r.plannedInstalledKB, false, false) {
				r.addProblemItem(item, "insufficient disk space")
				return false
			}
			if _, err := r.cache.DownloadInstallerItem(ctx, item, false); err != nil {
				r.addProblemItem(item, downloadFailureNote(err))
				return false
			}
		}
		projection = newInstallItem(item)
		if item.InstallerItemLocation != "" || item.PackageCompleteURL != "" {
			projection.InstallerItem = cache.InstallerItemName(item)
		}
		if projection.UnattendedInstall && projection.RestartAction != "" &&
			projection.RestartAction != "None" {
			logging.Warn("Ignoring unattended_install: item requires a restart",
				"item", item.Identifier(), "RestartAction", projection.RestartAction)
			projection.UnattendedInstall = false
		}
		if projection.UnattendedInstall {
			if blockers := blocking.RunningBlockers(item); len(blockers) > 0 {
				logging.Info("Blocking applications running, install will wait",
					"item", item.Identifier(), "applications", strings.Join(blockers, ", "))
				projection.UnattendedInstall = false
			}
		}
		r.plannedInstalledKB += item.InstalledSize
		r.info.ManagedInstalls = append(r.info.ManagedInstalls, projection)
		logging.Info("Planned install", "item", item.Identifier())
	} else {
		projection = newInstallItem(item)
		projection.Installed = true
		projection.InstalledVersion = item.TrimmedVersion()
		if v := r.state.InstalledVersion(ctx, item); v != "" {
			projection.InstalledVersion = v
			updatesVersion = v
		}
		if status == installstate.NewerInstalled {
			projection.Note = "newer version already installed"
		}
		r.info.ManagedInstalls = append(r.info.ManagedInstalls, projection)
	}

	for _, updateName := range r.db.UpdatesFor(item.NormalizedName(), updatesVersion, catalogList) {
		logging.Info("Processing update", "item", item.Name, "update", updateName)
		r.ProcessInstall(ctx, updateName, catalogList, isManagedUpdate, isOptionalInstall)
	}

	return true
}

// ProcessManagedUpdate plans an update for an item only when some
// version of it is already present.
func (r *Resolver) ProcessManagedUpdate(ctx context.Context, manifestItem string, catalogList []string) {
	name, _ := catalogs.SplitNameAndVersion(manifestItem)
	name = pkginfo.NormalizeName(name)
	if r.processedInstalls[manifestItem] || r.processedUninstalls[name] {
		logging.Debug("Managed update already handled this session", "item", manifestItem)
		return
	}

	item := r.db.ItemDetail(manifestItem, catalogList, catalogs.LookupOptions{})
	if item == nil {
		return
	}
	if !r.state.SomeVersionInstalled(ctx, item) {
		logging.Debug("Managed update not applicable: item not installed", "item", manifestItem)
		return
	}
	r.ProcessInstall(ctx, manifestItem, catalogList, true, false)
}

// ProcessAutoRemovals removes every autoremove-flagged catalog item that
// is neither being installed nor already handled.
func (r *Resolver) ProcessAutoRemovals(ctx context.Context, catalogList []string) {
	for _, name := range r.db.AutoRemovalItems(catalogList) {
		if r.installNames[name] || r.processedUninstalls[name] {
			continue
		}
		if r.info.InstallItemNamed(name) != nil {
			continue
		}
		logging.Debug("Considering autoremoval", "item", name)
		r.ProcessRemoval(ctx, name, catalogList)
	}
}

func downloadFailureNote(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fetch.ErrVerification:
			return "Integrity check failed"
		case fetch.ErrFilesystem:
			return "Could not write download to disk"
		}
	}
	return fmt.Sprintf("Download failed (%v)", err)
}
