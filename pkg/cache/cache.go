// pkg/cache/cache.go - the download cache and its disk-space budget.
//
// Everything downloaded for installation lives flat under Cache/; a
// sibling .download file marks an in-progress transfer. The cache is
// pruned at session end to exactly the files the resolved plan
// references.

package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/report"
	"github.com/macadmins/capuchin/pkg/utils"
)

// fudgeFactorKB pads every disk-space estimate; installers expand.
const fudgeFactorKB = 100 * 1024

// diskFreeKB is swapped in tests.
var diskFreeKB = func(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free / 1024), nil
}

// Manager owns the download cache directory.
type Manager struct {
	cfg      *config.Configuration
	fetcher  *fetch.Fetcher
	reporter report.Reporter

	// precacheCandidates are cache paths deletable under disk pressure,
	// set once optional installs have been scanned.
	precacheCandidates []string
}

// NewManager returns a cache manager rooted at the configured cache dir.
func NewManager(cfg *config.Configuration, fetcher *fetch.Fetcher, rep report.Reporter) *Manager {
	if rep == nil {
		rep = report.Noop{}
	}
	return &Manager{cfg: cfg, fetcher: fetcher, reporter: rep}
}

// Dir returns the cache directory path.
func (m *Manager) Dir() string { return m.cfg.CachePath() }

// SetPrecacheCandidates registers which cached files exist only for
// precaching and may be sacrificed when space runs short.
func (m *Manager) SetPrecacheCandidates(paths []string) {
	m.precacheCandidates = paths
}

// cachedSizeKB returns how much of item's payload is already on disk,
// counting both a completed file and a partial.
func (m *Manager) cachedSizeKB(filename string) int64 {
	for _, name := range []string{filename, filename + ".download"} {
		if fi, err := os.Stat(filepath.Join(m.Dir(), name)); err == nil {
			return fi.Size() / 1024
		}
	}
	return 0
}

// EnoughDiskSpaceFor checks whether item's payload fits on disk,
// accounting for space other planned installs will consume. When space
// is short outside precaching mode, precached files are sacrificed
// smallest first and the check is retried once.
func (m *Manager) EnoughDiskSpaceFor(item *pkginfo.PkgInfo, otherPlannedKB int64, uninstalling, precaching bool) bool {
	payloadKB := item.InstallerItemSize
	filename := InstallerItemName(item)
	if uninstalling {
		payloadKB = item.UninstallerItemSize
		filename = UninstallerItemName(item)
	}
	requiredKB := payloadKB - m.cachedSizeKB(filename) + item.InstalledSize + fudgeFactorKB

	freeKB, err := diskFreeKB(m.Dir())
	if err != nil {
		logging.Warn("Unable to determine free disk space, assuming enough", "error", err)
		return true
	}
	availableKB := freeKB - otherPlannedKB
	if requiredKB <= availableKB {
		return true
	}

	shortageKB := requiredKB - availableKB
	if !precaching && m.Uncache(shortageKB) {
		freeKB, err = diskFreeKB(m.Dir())
		if err != nil {
			return true
		}
		if requiredKB <= freeKB-otherPlannedKB {
			return true
		}
	}

	logging.Warn("Insufficient disk space for item",
		"item", item.Name, "required_kb", requiredKB, "available_kb", availableKB)
	m.reporter.Warning("There is insufficient disk space to download and install " + item.DisplayNameOrName())
	return false
}

// Uncache deletes precached files, smallest first, until shortageKB is
// recovered. Nothing is deleted unless the precached pool can actually
// cover the shortage. Returns true when files were removed.
func (m *Manager) Uncache(shortageKB int64) bool {
	type cacheEntry struct {
		path   string
		sizeKB int64
	}
	var pool []cacheEntry
	var totalKB int64
	for _, path := range m.precacheCandidates {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		sizeKB := fi.Size() / 1024
		pool = append(pool, cacheEntry{path, sizeKB})
		totalKB += sizeKB
	}
	if totalKB < shortageKB {
		logging.Debug("Precached pool too small to relieve disk pressure",
			"pool_kb", totalKB, "shortage_kb", shortageKB)
		return false
	}

	sort.Slice(pool, func(a, b int) bool { return pool[a].sizeKB < pool[b].sizeKB })

	var recoveredKB int64
	for _, entry := range pool {
		if recoveredKB >= shortageKB {
			break
		}
		if err := os.Remove(entry.path); err != nil {
			logging.Warn("Unable to remove precached file", "path", entry.path, "error", err)
			continue
		}
		logging.Info("Removed precached file to free disk space",
			"path", entry.path, "size_kb", entry.sizeKB)
		recoveredKB += entry.sizeKB
	}
	return recoveredKB > 0
}

// CleanUp removes every cache file whose basename is not in keep.
// Partial downloads survive only when their target is kept.
func (m *Manager) CleanUp(keep map[string]bool) {
	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".download")
		if keep[name] {
			continue
		}
		path := filepath.Join(m.Dir(), entry.Name())
		logging.Debug("Removing unreferenced cache file", "path", path)
		if err := os.Remove(path); err != nil {
			logging.Warn("Unable to remove cache file", "path", path, "error", err)
		}
	}
}

// InstallerItemName returns the cache basename for an item's installer.
func InstallerItemName(item *pkginfo.PkgInfo) string {
	if item.PackageCompleteURL != "" {
		return utils.BaseNameFromURL(item.PackageCompleteURL)
	}
	return filepath.Base(filepath.FromSlash(item.InstallerItemLocation))
}

// UninstallerItemName returns the cache basename for an item's
// uninstaller payload.
func UninstallerItemName(item *pkginfo.PkgInfo) string {
	return filepath.Base(filepath.FromSlash(item.UninstallerItemLocation))
}
