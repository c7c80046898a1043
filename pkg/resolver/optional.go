package resolver

import (
	"context"
	"fmt"

	"github.com/macadmins/capuchin/pkg/catalogs"
	"github.com/macadmins/capuchin/pkg/installstate"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/selfservice"
)

// ProcessOptionalInstall catalogs one optional item for the self-service
// browser. Optional items are displayed, never planned; the self-serve
// manifest is what turns a choice into an install or removal.
func (r *Resolver) ProcessOptionalInstall(ctx context.Context, manifestItem string, catalogList []string) {
	name, _ := catalogs.SplitNameAndVersion(manifestItem)
	name = pkginfo.NormalizeName(name)

	if r.processedInstalls[manifestItem] || r.processedUninstalls[name] {
		logging.Debug("Optional item already handled by a managed section", "item", manifestItem)
		return
	}
	for _, existing := range r.info.OptionalInstalls {
		if existing.Name == name {
			return
		}
	}

	higherOSOnly := false
	item := r.db.ItemDetail(manifestItem, catalogList, catalogs.LookupOptions{SuppressWarnings: true})
	if item == nil && r.cfg.ShowOptionalInstallsForHigherOSVersions {
		item = r.db.ItemDetail(manifestItem, catalogList,
			catalogs.LookupOptions{SuppressWarnings: true, SkipMinimumOSCheck: true})
		higherOSOnly = item != nil
	}
	if item == nil {
		logging.Warn("Optional install not found in catalogs", "item", manifestItem)
		return
	}

	entry := &OptionalItem{
		Name:                      item.NormalizedName(),
		DisplayName:               item.DisplayNameOrName(),
		Description:               item.Description,
		VersionToInstall:          item.TrimmedVersion(),
		InstallerItemSize:         item.InstallerItemSize,
		InstalledSize:             item.InstalledSize,
		InstallerItemLocation:     item.InstallerItemLocation,
		InstallerItemHash:         item.InstallerItemHash,
		PackageCompleteURL:        item.PackageCompleteURL,
		Category:                  item.Category,
		Developer:                 item.Developer,
		IconName:                  item.IconName,
		Featured:                  item.Featured,
		Precache:                  item.Precache,
		LicensedSeatInfoAvailable: item.LicensedSeatInfoAvailable,
	}

	if higherOSOnly {
		// Installable only after an OS upgrade; shown so the user knows
		// an update exists, but not installable from here.
		entry.Note = fmt.Sprintf("Requires macOS version %s.", item.MinimumOSVersion)
		entry.Installed = r.state.SomeVersionInstalled(ctx, item)
		entry.UpdateAvailable = true
		r.info.OptionalInstalls = append(r.info.OptionalInstalls, entry)
		return
	}

	entry.Installed = r.state.SomeVersionInstalled(ctx, item)
	if entry.Installed {
		status := r.state.Check(ctx, item)
		// A staged OS installer is as installed as it gets before the
		// user triggers it.
		entry.NeedsUpdate = status == installstate.NotInstalled &&
			item.InstallerType != pkginfo.TypeStageOSInstaller
	}

	if !entry.Installed || entry.NeedsUpdate {
		if !r.cache.EnoughDiskSpaceFor(item, r.plannedInstalledKB, false, false) {
			entry.Note = "Insufficient disk space to download and install."
		}
	}

	r.info.OptionalInstalls = append(r.info.OptionalInstalls, entry)
}

// ProcessDefaultInstall seeds a default_installs item into the
// self-serve manifest, reporting whether the manifest changed. Items a
// user previously removed stay removed.
func (r *Resolver) ProcessDefaultInstall(manifestItem string, selfServe *selfservice.Manifest) bool {
	name, _ := catalogs.SplitNameAndVersion(manifestItem)
	name = pkginfo.NormalizeName(name)
	if selfServe == nil {
		return false
	}
	if selfServe.AddDefaultInstall(name) {
		logging.Info("Seeded default install into self-serve manifest", "item", name)
		return true
	}
	return false
}

// ApplyLicenseSeats marks each optional item's seat availability from a
// license-server response. Items the server did not answer for keep
// licensed_seat_info_available but gain no availability claim.
func (r *Resolver) ApplyLicenseSeats(seats map[string]bool) {
	for _, entry := range r.info.OptionalInstalls {
		if !entry.LicensedSeatInfoAvailable {
			continue
		}
		if available, ok := seats[entry.Name]; ok {
			entry.LicensedSeatsAvailable = available
			if !available && !entry.Installed {
				entry.Note = "No license seats available."
			}
		}
	}
}

// SeatInfoNames lists optional items that advertise license-seat
// tracking and are not yet installed; these are the names worth asking
// the license server about.
func (r *Resolver) SeatInfoNames() []string {
	var names []string
	for _, entry := range r.info.OptionalInstalls {
		if entry.LicensedSeatInfoAvailable && !entry.Installed {
			names = append(names, entry.Name)
		}
	}
	return names
}
