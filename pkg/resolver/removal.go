package resolver

import (
	"context"
	"strings"

	"github.com/macadmins/capuchin/pkg/cache"
	"github.com/macadmins/capuchin/pkg/catalogs"
	"github.com/macadmins/capuchin/pkg/installstate"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
)

// ProcessRemoval plans the removal of one manifest item, first removing
// everything installed that requires it. It reports whether the item is
// (or will be) absent.
func (r *Resolver) ProcessRemoval(ctx context.Context, manifestItem string, catalogList []string) bool {
	name, vers := catalogs.SplitNameAndVersion(manifestItem)
	name = pkginfo.NormalizeName(name)

	if r.installNames[name] {
		logging.Warn("Will not remove an item scheduled for install", "item", manifestItem)
		return false
	}
	if r.processedUninstalls[name] {
		logging.Debug("Removal already processed this session", "item", manifestItem)
		return true
	}

	// Find the installed flavor of this item. A pinned version narrows
	// the candidates to one; otherwise every cataloged version is a
	// candidate and the first with install evidence wins.
	var candidates []pkginfo.PkgInfo
	if vers != "" {
		if item := r.db.ItemDetail(manifestItem, catalogList, catalogs.LookupOptions{}); item != nil {
			candidates = []pkginfo.PkgInfo{*item}
		}
	} else {
		candidates = r.db.AllItemsWithName(name, catalogList)
	}
	if len(candidates) == 0 {
		logging.Warn("Removal target not found in catalogs", "item", manifestItem)
		return false
	}

	var item *pkginfo.PkgInfo
	for i := range candidates {
		if r.state.EvidenceThisIsInstalled(ctx, &candidates[i]) {
			item = &candidates[i]
			break
		}
	}
	if item == nil {
		logging.Debug("Removal target not installed", "item", manifestItem)
		r.memoizeUninstall(name)
		return true
	}

	method, ok := r.uninstallMethod(item)
	if !ok {
		return false
	}

	// Memoize before walking dependents so mutual requires terminate.
	// Failure paths below back the memo out again.
	r.memoizeUninstall(name)

	// Anything installed that requires this item must go first.
	for _, dependent := range r.db.RequiredBy(name, catalogList) {
		dep := dependent
		if r.processedUninstalls[dep.NormalizedName()] {
			continue
		}
		if !r.state.EvidenceThisIsInstalled(ctx, &dep) {
			continue
		}
		logging.Info("Removing dependent item first",
			"item", name, "dependent", dep.Name)
		if !r.ProcessRemoval(ctx, dep.Name, catalogList) {
			logging.Warn("Cannot remove item: dependent removal failed",
				"item", name, "dependent", dep.Name)
			r.unmemoizeUninstall(name)
			return false
		}
	}

	projection := &RemovalItem{
		Name:                item.NormalizedName(),
		DisplayName:         item.DisplayNameOrName(),
		Description:         item.Description,
		InstalledVersion:    item.TrimmedVersion(),
		Installed:           true,
		UninstallMethod:     method,
		UninstallScript:     item.UninstallScript,
		RestartAction:       item.RestartAction,
		UnattendedUninstall: item.UnattendedUninstall,
		PreuninstallScript:  item.PreuninstallScript,
		PostuninstallScript: item.PostuninstallScript,
		PreuninstallAlert:   item.PreuninstallAlert,
	}

	switch method {
	case pkginfo.UninstallRemovePackages:
		owned := installstate.UniquelyOwnedReceipts(item.NormalizedName(), item,
			r.db.ReceiptReferences(catalogList), r.host.InstalledPackages())
		if len(owned) == 0 {
			logging.Warn("Will not remove packages: all receipts shared with other items",
				"item", item.Name)
			r.unmemoizeUninstall(name)
			return false
		}
		projection.Packages = owned
	case pkginfo.UninstallPackage:
		if item.UninstallerItemLocation == "" {
			logging.Warn("No uninstaller item location", "item", item.Name)
			r.unmemoizeUninstall(name)
			return false
		}
		if !r.cache.EnoughDiskSpaceFor(item, r.plannedInstalledKB, true, false) {
			logging.Warn("Insufficient disk space for uninstaller", "item", item.Name)
			r.unmemoizeUninstall(name)
			return false
		}
		if _, err := r.cache.DownloadUninstallerItem(ctx, item); err != nil {
			logging.Warn("Could not download uninstaller item",
				"item", item.Name, "error", err)
			r.unmemoizeUninstall(name)
			return false
		}
		projection.UninstallerItem = cache.UninstallerItemName(item)
		projection.UninstallerItemSize = item.UninstallerItemSize
	}

	if projection.UnattendedUninstall && projection.RestartAction != "" &&
		projection.RestartAction != "None" {
		logging.Warn("Ignoring unattended_uninstall: item requires a restart",
			"item", item.Identifier(), "RestartAction", projection.RestartAction)
		projection.UnattendedUninstall = false
	}

	// Updates targeting this item ride along with the removal.
	for _, updateName := range r.db.UpdatesFor(item.NormalizedName(), item.TrimmedVersion(), catalogList) {
		logging.Info("Processing removal of update", "item", item.Name, "update", updateName)
		r.ProcessRemoval(ctx, updateName, catalogList)
	}

	r.info.Removals = append(r.info.Removals, projection)
	logging.Info("Planned removal", "item", item.Identifier())
	return true
}

// uninstallMethod validates that an item can actually be removed and
// returns its normalized method string.
func (r *Resolver) uninstallMethod(item *pkginfo.PkgInfo) (string, bool) {
	if !item.Uninstallable {
		logging.Warn("Item is not marked uninstallable", "item", item.Name)
		return "", false
	}
	method := item.UninstallMethod
	if method == "" && len(item.Receipts) > 0 {
		method = pkginfo.UninstallRemovePackages
	}
	switch method {
	case pkginfo.UninstallRemovePackages, pkginfo.UninstallRemoveCopiedItems,
		pkginfo.UninstallScript, pkginfo.UninstallPackage:
		return method, true
	}
	if method == "remove_app" || method == "remove_profile" ||
		strings.HasPrefix(method, "Adobe") {
		logging.Warn("Uninstall method is no longer supported",
			"item", item.Name, "method", method)
		return "", false
	}
	if strings.HasPrefix(method, "/") {
		return method, true
	}
	logging.Warn("Unknown uninstall method", "item", item.Name, "method", method)
	return "", false
}
