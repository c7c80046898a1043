package cache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/utils"
)

// iconHashesFile is the server-side manifest of available icons and
// their hashes; its absence just means we probe for every icon.
const iconHashesFile = "_icon_hashes.plist"

// IconName returns the repo icon filename for an item.
func IconName(item *pkginfo.PkgInfo) string {
	if item.IconName != "" {
		return item.IconName
	}
	return item.Name + ".png"
}

// fetchIconHashes retrieves the server icon-hash manifest, returning nil
// when the server does not provide one.
func (m *Manager) fetchIconHashes(ctx context.Context) map[string]string {
	localPath := filepath.Join(m.cfg.IconsPath(), iconHashesFile)
	_, err := m.fetcher.Fetch(ctx, fetch.KindIcon, iconHashesFile, localPath, fetch.Options{})
	if err != nil {
		if !fetch.IsNotFound(err) {
			logging.Debug("Unable to get icon hashes", "error", err)
		}
		return nil
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil
	}
	var hashes map[string]string
	if err := plist.Unmarshal(data, &hashes); err != nil {
		logging.Debug("Unable to parse icon hashes", "error", err)
		return nil
	}
	return hashes
}

// DownloadIcons fetches icons for the given items, skipping icons the
// local store already holds at the advertised hash and, when the server
// publishes an icon-hash manifest, icons it does not have at all.
func (m *Manager) DownloadIcons(ctx context.Context, items []*pkginfo.PkgInfo) {
	serverHashes := m.fetchIconHashes(ctx)
	requested := make(map[string]bool)

	for _, item := range items {
		iconName := IconName(item)
		if requested[iconName] {
			continue
		}
		requested[iconName] = true

		expectedHash := item.IconHash
		if expectedHash == "" && serverHashes != nil {
			expectedHash = serverHashes[iconName]
		}
		if serverHashes != nil && serverHashes[iconName] == "" {
			// Server has no such icon; skip the probe.
			continue
		}

		localPath := filepath.Join(m.cfg.IconsPath(), filepath.FromSlash(iconName))
		if expectedHash != "" && utils.FileExists(localPath) &&
			utils.VerifySHA256(localPath, expectedHash) {
			continue
		}

		_, err := m.fetcher.Fetch(ctx, fetch.KindIcon, iconName, localPath, fetch.Options{
			ExpectedHash: expectedHash,
		})
		if err != nil && !fetch.IsNotFound(err) {
			logging.Warn("Unable to download icon", "icon", iconName, "error", err)
		}
	}
}
