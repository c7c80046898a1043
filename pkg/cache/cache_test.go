package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/pkginfo"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.ManagedInstallDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirectories())
	return NewManager(cfg, fetch.New(cfg, nil), nil)
}

func withDiskFreeKB(t *testing.T, fn func(path string) (int64, error)) {
	t.Helper()
	orig := diskFreeKB
	diskFreeKB = fn
	t.Cleanup(func() { diskFreeKB = orig })
}

// writeCacheFile creates a sparse file of the given size; only the
// reported size matters to the disk-space logic.
func writeCacheFile(t *testing.T, m *Manager, name string, size int64) string {
	t.Helper()
	path := filepath.Join(m.Dir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestInstallerItemName(t *testing.T) {
	assert.Equal(t, "Firefox-128.0.pkg", InstallerItemName(&pkginfo.PkgInfo{
		InstallerItemLocation: "apps/Firefox-128.0.pkg",
	}))
	assert.Equal(t, "Big App.pkg", InstallerItemName(&pkginfo.PkgInfo{
		PackageCompleteURL: "https://cdn.example.com/dist/Big%20App.pkg?token=abc",
	}))
}

func TestEnoughDiskSpace(t *testing.T) {
	m := testManager(t)
	withDiskFreeKB(t, func(string) (int64, error) { return 1_000_000, nil })

	small := &pkginfo.PkgInfo{Name: "Small", Version: "1.0",
		InstallerItemSize: 100_000, InstalledSize: 200_000,
		InstallerItemLocation: "Small-1.0.pkg"}
	assert.True(t, m.EnoughDiskSpaceFor(small, 0, false, false))

	big := &pkginfo.PkgInfo{Name: "Big", Version: "1.0",
		InstallerItemSize: 800_000, InstalledSize: 300_000,
		InstallerItemLocation: "Big-1.0.pkg"}
	assert.False(t, m.EnoughDiskSpaceFor(big, 0, false, false))

	// Space reserved by other planned installs counts against us.
	assert.False(t, m.EnoughDiskSpaceFor(small, 700_000, false, false))
}

func TestEnoughDiskSpaceCountsCachedPartial(t *testing.T) {
	m := testManager(t)
	// 600,000 KB partial already downloaded (sparse).
	writeCacheFile(t, m, "Big-1.0.pkg.download", 600_000*1024)
	withDiskFreeKB(t, func(string) (int64, error) { return 450_000, nil })

	item := &pkginfo.PkgInfo{Name: "Big", Version: "1.0",
		InstallerItemSize: 800_000, InstalledSize: 0,
		InstallerItemLocation: "Big-1.0.pkg"}
	// Required = 800,000 - 600,000 + 100 MB fudge = 302,400 KB < 450,000.
	assert.True(t, m.EnoughDiskSpaceFor(item, 0, false, false))
}

func TestDiskPressureUncachesPrecachedItems(t *testing.T) {
	m := testManager(t)
	// 8,000,000 bytes, about 7,812 KB precached.
	fooPath := writeCacheFile(t, m, "Foo-1.0.pkg", 8_000_000)

	// Free space grows once the precached file is deleted.
	withDiskFreeKB(t, func(string) (int64, error) {
		free := int64(110_000)
		if _, err := os.Stat(fooPath); os.IsNotExist(err) {
			free += 8_000_000 / 1024
		}
		return free, nil
	})
	m.SetPrecacheCandidates([]string{fooPath})

	// Required = 10,000 + 100 MB fudge = 112,400 KB, just over the
	// 110,000 KB free.
	item := &pkginfo.PkgInfo{Name: "Huge", Version: "1.0",
		InstallerItemSize: 10_000, InstalledSize: 0,
		InstallerItemLocation: "Huge-1.0.pkg"}

	assert.True(t, m.EnoughDiskSpaceFor(item, 0, false, false))
	assert.NoFileExists(t, fooPath, "precached file sacrificed for the install")
}

func TestUncacheRefusesWhenPoolTooSmall(t *testing.T) {
	m := testManager(t)
	fooPath := writeCacheFile(t, m, "Foo-1.0.pkg", 1024*100) // 100 KB
	m.SetPrecacheCandidates([]string{fooPath})

	assert.False(t, m.Uncache(1_000_000))
	assert.FileExists(t, fooPath, "pool cannot cover the shortage, nothing deleted")
}

func TestUncacheSmallestFirst(t *testing.T) {
	m := testManager(t)
	smallPath := writeCacheFile(t, m, "Small.pkg", 1024*100)
	bigPath := writeCacheFile(t, m, "Big.pkg", 1024*500)
	m.SetPrecacheCandidates([]string{bigPath, smallPath})

	assert.True(t, m.Uncache(50))
	assert.NoFileExists(t, smallPath)
	assert.FileExists(t, bigPath)
}

func TestCleanUpKeepsReferencedFiles(t *testing.T) {
	m := testManager(t)
	writeCacheFile(t, m, "Keep-1.0.pkg", 10)
	writeCacheFile(t, m, "Keep-2.0.pkg.download", 10)
	writeCacheFile(t, m, "Orphan-1.0.pkg", 10)
	writeCacheFile(t, m, "Orphan-2.0.pkg.download", 10)

	m.CleanUp(map[string]bool{"Keep-1.0.pkg": true, "Keep-2.0.pkg": true})

	assert.FileExists(t, filepath.Join(m.Dir(), "Keep-1.0.pkg"))
	assert.FileExists(t, filepath.Join(m.Dir(), "Keep-2.0.pkg.download"))
	assert.NoFileExists(t, filepath.Join(m.Dir(), "Orphan-1.0.pkg"))
	assert.NoFileExists(t, filepath.Join(m.Dir(), "Orphan-2.0.pkg.download"))
}

func TestDownloadInstallerItem(t *testing.T) {
	payload := []byte("pkg payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pkgs/apps/App-1.0.pkg", r.URL.Path)
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := config.GetDefaultConfig()
	cfg.ManagedInstallDir = t.TempDir()
	cfg.SoftwareRepoURL = srv.URL
	require.NoError(t, cfg.EnsureDirectories())
	m := NewManager(cfg, fetch.New(cfg, nil), nil)

	item := &pkginfo.PkgInfo{Name: "App", Version: "1.0",
		InstallerItemLocation: "apps/App-1.0.pkg"}
	downloaded, err := m.DownloadInstallerItem(context.Background(), item, false)
	require.NoError(t, err)
	assert.True(t, downloaded)
	assert.FileExists(t, filepath.Join(m.Dir(), "App-1.0.pkg"))
}

func TestAvailableLicenseSeatsBatching(t *testing.T) {
	m := testManager(t)
	m.cfg.LicenseInfoURL = "https://license.example.com/check"

	var urls []string
	orig := httpGet
	httpGet = func(ctx context.Context, rawURL string) ([]byte, error) {
		urls = append(urls, rawURL)
		return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>AppWithSeats</key><integer>3</integer>
	<key>AppWithoutSeats</key><integer>0</integer>
</dict>
</plist>
`), nil
	}
	t.Cleanup(func() { httpGet = orig })

	// The long names push the combined query well past the URL cap.
	names := []string{"AppWithSeats", "AppWithoutSeats",
		"SomeVeryLongApplicationNameThatOverflowsTheQueryStringNumberOne",
		"SomeVeryLongApplicationNameThatOverflowsTheQueryStringNumberTwo",
		"SomeVeryLongApplicationNameThatOverflowsTheQueryStringNumberThree",
		"SomeVeryLongApplicationNameThatOverflowsTheQueryStringNumberFour"}
	seats, err := m.AvailableLicenseSeats(context.Background(), names)
	require.NoError(t, err)

	assert.True(t, seats["AppWithSeats"])
	assert.False(t, seats["AppWithoutSeats"])
	assert.Greater(t, len(urls), 1, "long name lists must be split into batches")
	for _, u := range urls {
		assert.LessOrEqual(t, len(u), 255+len("?"))
	}
}

func TestShouldBeRemovedIfUnused(t *testing.T) {
	cfg := config.GetDefaultConfig()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	item := &pkginfo.PkgInfo{
		Name: "RarelyUsed", Version: "1.0",
		UnusedSoftwareRemovalInfo: &pkginfo.UnusedSoftwareRemovalInfo{
			RemovalDays: 30,
			BundleIDs:   []string{"com.x.rarely"},
		},
	}

	stale := map[string]time.Time{"com.x.rarely": now.AddDate(0, 0, -45)}
	assert.True(t, ShouldBeRemovedIfUnused(item, stale, cfg, now))

	recent := map[string]time.Time{"com.x.rarely": now.AddDate(0, 0, -5)}
	assert.False(t, ShouldBeRemovedIfUnused(item, recent, cfg, now))

	assert.False(t, ShouldBeRemovedIfUnused(item, nil, cfg, now),
		"no usage data means no removal")

	noInfo := &pkginfo.PkgInfo{Name: "Plain", Version: "1.0"}
	assert.False(t, ShouldBeRemovedIfUnused(noInfo, stale, cfg, now))
}
