package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
)

// installerItemURL resolves the download source for an item's installer:
// PackageCompleteURL verbatim, PackageURL plus the item location, or the
// repo's pkgs namespace.
func installerItemURL(item *pkginfo.PkgInfo) (string, error) {
	if item.PackageCompleteURL != "" {
		return item.PackageCompleteURL, nil
	}
	if item.InstallerItemLocation == "" {
		return "", fmt.Errorf("%s has no installer_item_location", item.Name)
	}
	if item.PackageURL != "" {
		return strings.TrimRight(item.PackageURL, "/") + "/" + item.InstallerItemLocation, nil
	}
	return item.InstallerItemLocation, nil
}

// DownloadInstallerItem fetches an item's installer payload into the
// cache, resuming any partial and verifying the catalog hash. It
// returns true when a download occurred, false when the cached copy was
// already complete and valid.
func (m *Manager) DownloadInstallerItem(ctx context.Context, item *pkginfo.PkgInfo, precaching bool) (bool, error) {
	source, err := installerItemURL(item)
	if err != nil {
		return false, &fetch.Error{Kind: fetch.ErrDownload, Message: err.Error()}
	}
	destPath := m.InstallerItemPath(item)

	message := fmt.Sprintf("Downloading %s...", InstallerItemName(item))
	if precaching {
		message = ""
	}
	return m.fetcher.Fetch(ctx, fetch.KindPackage, source, destPath, fetch.Options{
		Resume:       true,
		ExpectedHash: item.InstallerItemHash,
		Message:      message,
	})
}

// DownloadUninstallerItem fetches an item's uninstaller payload.
func (m *Manager) DownloadUninstallerItem(ctx context.Context, item *pkginfo.PkgInfo) (bool, error) {
	if item.UninstallerItemLocation == "" {
		return false, fmt.Errorf("%s has no uninstaller_item_location", item.Name)
	}
	destPath := m.UninstallerItemPath(item)
	return m.fetcher.Fetch(ctx, fetch.KindPackage, item.UninstallerItemLocation, destPath, fetch.Options{
		Resume:       true,
		ExpectedHash: item.UninstallerItemHash,
		Message:      fmt.Sprintf("Downloading %s...", UninstallerItemName(item)),
	})
}

// InstallerItemPath is the cache destination for an item's installer.
func (m *Manager) InstallerItemPath(item *pkginfo.PkgInfo) string {
	return m.cachePath(InstallerItemName(item))
}

// UninstallerItemPath is the cache destination for an item's uninstaller.
func (m *Manager) UninstallerItemPath(item *pkginfo.PkgInfo) string {
	return m.cachePath(UninstallerItemName(item))
}

func (m *Manager) cachePath(name string) string {
	return m.Dir() + "/" + name
}

// Precache downloads every precache-flagged item, tolerating failures;
// background caching must never surface errors to the user.
func (m *Manager) Precache(ctx context.Context, items []*pkginfo.PkgInfo) {
	for _, item := range items {
		if !m.EnoughDiskSpaceFor(item, 0, false, true) {
			continue
		}
		if _, err := m.DownloadInstallerItem(ctx, item, true); err != nil {
			logging.Warn("Precache download failed", "item", item.Name, "error", err)
		}
	}
}
