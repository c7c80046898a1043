package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/micromdm/plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/capuchin/pkg/cache"
	"github.com/macadmins/capuchin/pkg/catalogs"
	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/facts"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/selfservice"
)

type fakeHost struct {
	facts map[string]interface{}
	pkgs  map[string]string
	apps  []facts.Application
}

func (h *fakeHost) Facts() map[string]interface{}        { return h.facts }
func (h *fakeHost) InstalledPackages() map[string]string { return h.pkgs }

func (h *fakeHost) ApplicationByBundleID(bundleID string) (facts.Application, bool) {
	for _, app := range h.apps {
		if app.BundleID == bundleID {
			return app, true
		}
	}
	return facts.Application{}, false
}

func (h *fakeHost) ApplicationByName(name string) (facts.Application, bool) {
	for _, app := range h.apps {
		if app.Name == name {
			return app, true
		}
	}
	return facts.Application{}, false
}

func newHost() *fakeHost {
	return &fakeHost{
		facts: map[string]interface{}{
			"os_vers": "14.3.1",
			"arch":    "arm64",
		},
		pkgs: map[string]string{},
	}
}

// testEnv wires a resolver over a temp install dir, an in-memory
// catalog, and an optional fake repo server.
type testEnv struct {
	cfg      *config.Configuration
	resolver *Resolver
	host     *fakeHost
}

func newTestEnv(t *testing.T, host *fakeHost, items []pkginfo.PkgInfo, repoFiles map[string][]byte) *testEnv {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.ManagedInstallDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirectories())

	if repoFiles != nil {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, ok := repoFiles[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(body)
		}))
		t.Cleanup(srv.Close)
		cfg.SoftwareRepoURL = srv.URL
	}

	data, err := plist.MarshalIndent(items, "\t")
	require.NoError(t, err)
	catalogPath := filepath.Join(cfg.CatalogsPath(), "production")
	require.NoError(t, os.WriteFile(catalogPath, data, 0o644))

	fetcher := fetch.New(cfg, nil)
	db := catalogs.New(cfg, fetcher, host.facts, nil)
	require.NoError(t, db.LoadFromFile("production", catalogPath))

	cacheMgr := cache.NewManager(cfg, fetcher, nil)
	return &testEnv{
		cfg:      cfg,
		resolver: New(cfg, db, cacheMgr, host, nil),
		host:     host,
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var productionList = []string{"production"}

func TestProcessInstallDownloadsAndPlans(t *testing.T) {
	payload := []byte("AppA installer payload")
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{{
		Name: "AppA", Version: "1.0",
		InstallerItemLocation: "apps/AppA-1.0.pkg",
		InstallerItemHash:     sha256Hex(payload),
		InstallerItemSize:     1,
		InstalledSize:         2,
		Installs: []pkginfo.InstallsItem{{
			Type: "application", Path: "/Applications/AppA.app",
			CFBundleIdentifier: "com.example.appa", CFBundleShortVersionString: "1.0",
		}},
	}}, map[string][]byte{
		"/pkgs/apps/AppA-1.0.pkg": payload,
	})

	ok := env.resolver.ProcessInstall(context.Background(), "AppA", productionList, false, false)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	require.Len(t, info.ManagedInstalls, 1)
	planned := info.ManagedInstalls[0]
	assert.Equal(t, "AppA", planned.Name)
	assert.Equal(t, "1.0", planned.VersionToInstall)
	assert.False(t, planned.Installed)
	assert.Equal(t, "AppA-1.0.pkg", planned.InstallerItem)
	assert.Equal(t, []string{"AppA"}, info.ProcessedInstalls)
	assert.FileExists(t, filepath.Join(env.cfg.CachePath(), "AppA-1.0.pkg"))
	assert.Empty(t, info.ProblemItems)
}

func TestProcessInstallRequiresChain(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "AppA", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Requires: pkginfo.StringOrList{"LibB"}},
		{Name: "LibB", Version: "2.0", InstallerType: pkginfo.TypeNoPkg},
	}, nil)

	ok := env.resolver.ProcessInstall(context.Background(), "AppA", productionList, false, false)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	require.Len(t, info.ManagedInstalls, 2)
	assert.Equal(t, "LibB", info.ManagedInstalls[0].Name, "dependency planned first")
	assert.Equal(t, "AppA", info.ManagedInstalls[1].Name)
	assert.ElementsMatch(t, []string{"AppA", "LibB"}, info.ProcessedInstalls)
}

func TestProcessInstallRequiresCycleTerminates(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "AppA", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Requires: pkginfo.StringOrList{"AppB"}},
		{Name: "AppB", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Requires: pkginfo.StringOrList{"AppA"}},
	}, nil)

	ok := env.resolver.ProcessInstall(context.Background(), "AppA", productionList, false, false)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	assert.Len(t, info.ManagedInstalls, 2, "each item planned exactly once")
	assert.ElementsMatch(t, []string{"AppA", "AppB"}, info.ProcessedInstalls)
}

func TestProcessInstallExpandsUpdateFor(t *testing.T) {
	host := newHost()
	host.apps = []facts.Application{{
		Name: "App", Path: "/Applications/App.app",
		BundleID: "com.example.app", Version: "1.0",
	}}
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "App", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Installs: []pkginfo.InstallsItem{{
				Type: "application", Path: "/Applications/App.app",
				CFBundleIdentifier: "com.example.app", CFBundleShortVersionString: "1.0",
			}}},
		{Name: "AppSecurityPatch", Version: "1.0.1", InstallerType: pkginfo.TypeNoPkg,
			UpdateFor: pkginfo.StringOrList{"App"}},
	}, nil)

	ok := env.resolver.ProcessInstall(context.Background(), "App", productionList, false, false)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	require.Len(t, info.ManagedInstalls, 2)

	base := info.InstallItemNamed("App")
	require.NotNil(t, base)
	assert.True(t, base.Installed)

	patch := info.InstallItemNamed("AppSecurityPatch")
	require.NotNil(t, patch)
	assert.False(t, patch.Installed, "update rides along as a pending install")
}

func TestProcessInstallRecordsDetectedInstalledVersion(t *testing.T) {
	host := newHost()
	host.apps = []facts.Application{{
		Name: "App", Path: "/Applications/App.app",
		BundleID: "com.example.app", Version: "2.1",
	}}
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "App", Version: "2.0", InstallerType: pkginfo.TypeNoPkg,
			Installs: []pkginfo.InstallsItem{{
				Type: "application", Path: "/Applications/App.app",
				CFBundleIdentifier: "com.example.app", CFBundleShortVersionString: "2.0",
			}}},
		// Targets the version actually on disk, not the catalog version.
		{Name: "AppHotfix", Version: "2.1.1", InstallerType: pkginfo.TypeNoPkg,
			UpdateFor: pkginfo.StringOrList{"App-2.1"}},
	}, nil)

	ok := env.resolver.ProcessInstall(context.Background(), "App", productionList, false, false)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	base := info.InstallItemNamed("App")
	require.NotNil(t, base)
	assert.True(t, base.Installed)
	assert.Equal(t, "2.1", base.InstalledVersion, "detected version, not the catalog's 2.0")

	hotfix := info.InstallItemNamed("AppHotfix")
	require.NotNil(t, hotfix, "update matched against the installed version")
	assert.False(t, hotfix.Installed)
}

func TestProcessInstallMissingLocationIsProblemItem(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "Broken", Version: "1.0"},
	}, nil)

	ok := env.resolver.ProcessInstall(context.Background(), "Broken", productionList, false, false)
	assert.False(t, ok)

	info := env.resolver.InstallInfo()
	assert.Empty(t, info.ManagedInstalls)
	require.Len(t, info.ProblemItems, 1)
	assert.Equal(t, "Broken", info.ProblemItems[0].Name)
}

func TestProcessManagedUpdateOnlyWhenInstalled(t *testing.T) {
	host := newHost()
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Tool", Version: "2.0", InstallerType: pkginfo.TypeNoPkg,
			Installs: []pkginfo.InstallsItem{{
				Type: "application", Path: "/Applications/Tool.app",
				CFBundleIdentifier: "com.example.tool", CFBundleShortVersionString: "2.0",
			}}},
	}, nil)

	env.resolver.ProcessManagedUpdate(context.Background(), "Tool", productionList)
	assert.Empty(t, env.resolver.InstallInfo().ManagedInstalls,
		"not installed, so nothing to update")

	host.apps = []facts.Application{{
		Name: "Tool", Path: "/Applications/Tool.app",
		BundleID: "com.example.tool", Version: "1.5",
	}}
	env.resolver.ProcessManagedUpdate(context.Background(), "Tool", productionList)
	assert.Len(t, env.resolver.InstallInfo().ManagedInstalls, 1)
}

func TestProcessRemovalWithUniqueReceipts(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.widget"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Widget", Version: "1.0",
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.widget", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "Widget", productionList)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	require.Len(t, info.Removals, 1)
	removal := info.Removals[0]
	assert.Equal(t, "Widget", removal.Name)
	assert.True(t, removal.Installed)
	assert.Equal(t, pkginfo.UninstallRemovePackages, removal.UninstallMethod)
	assert.Equal(t, []string{"com.example.widget"}, removal.Packages)
	assert.Equal(t, []string{"Widget"}, info.ProcessedUninstalls)
}

func TestProcessRemovalRefusesSharedReceipts(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.shared"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Widget", Version: "1.0",
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.shared", Version: "1.0"}}},
		{Name: "Gadget", Version: "1.0",
			Receipts: []pkginfo.Receipt{{PackageID: "com.example.shared", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "Widget", productionList)
	assert.False(t, ok)
	assert.Empty(t, env.resolver.InstallInfo().Removals)
}

func TestProcessRemovalNotInstalledIsSuccess(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "Widget", Version: "1.0",
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.widget", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "Widget", productionList)
	assert.True(t, ok, "already absent counts as removed")
	assert.Empty(t, env.resolver.InstallInfo().Removals)
	assert.Equal(t, []string{"Widget"}, env.resolver.InstallInfo().ProcessedUninstalls)
}

func TestProcessRemovalRemovesDependentsFirst(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.lib"] = "1.0"
	host.pkgs["com.example.plugin"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Lib", Version: "1.0",
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.lib", Version: "1.0"}}},
		{Name: "Plugin", Version: "1.0",
			Requires:        pkginfo.StringOrList{"Lib"},
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.plugin", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "Lib", productionList)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	require.Len(t, info.Removals, 2)
	assert.Equal(t, "Plugin", info.Removals[0].Name, "dependent removed first")
	assert.Equal(t, "Lib", info.Removals[1].Name)
}

func TestProcessRemovalRequiresCycleTerminates(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.appa"] = "1.0"
	host.pkgs["com.example.appb"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "AppA", Version: "1.0",
			Requires:        pkginfo.StringOrList{"AppB"},
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.appa", Version: "1.0"}}},
		{Name: "AppB", Version: "1.0",
			Requires:        pkginfo.StringOrList{"AppA"},
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.appb", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "AppA", productionList)
	assert.True(t, ok)

	info := env.resolver.InstallInfo()
	assert.Len(t, info.Removals, 2, "each item removed exactly once")
	assert.ElementsMatch(t, []string{"AppA", "AppB"}, info.ProcessedUninstalls)
}

func TestProcessRemovalRejectsDeprecatedMethods(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.old"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "OldApp", Version: "1.0",
			Uninstallable:   true,
			UninstallMethod: "remove_app",
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.old", Version: "1.0"}}},
	}, nil)

	ok := env.resolver.ProcessRemoval(context.Background(), "OldApp", productionList)
	assert.False(t, ok)
	assert.Empty(t, env.resolver.InstallInfo().Removals)
}

func TestProcessAutoRemovals(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.widget"] = "1.0"
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Widget", Version: "1.0",
			Autoremove:      true,
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.widget", Version: "1.0"}}},
		{Name: "Keeper", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Autoremove: true},
	}, nil)

	// Keeper is still wanted by a manifest; only Widget goes.
	env.resolver.ProcessInstall(context.Background(), "Keeper", productionList, false, false)
	env.resolver.ProcessAutoRemovals(context.Background(), productionList)

	info := env.resolver.InstallInfo()
	require.Len(t, info.Removals, 1)
	assert.Equal(t, "Widget", info.Removals[0].Name)
	assert.Equal(t, []string{"Widget"}, info.ProcessedUninstalls)
}

func TestInstallAndRemovalExcludeEachOther(t *testing.T) {
	host := newHost()
	host.pkgs["com.example.app"] = "1.0"
	items := []pkginfo.PkgInfo{
		{Name: "App", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			Uninstallable:   true,
			UninstallMethod: pkginfo.UninstallRemovePackages,
			Receipts:        []pkginfo.Receipt{{PackageID: "com.example.app", Version: "1.0"}}},
	}

	env := newTestEnv(t, host, items, nil)
	require.True(t, env.resolver.ProcessInstall(context.Background(), "App", productionList, false, false))
	assert.False(t, env.resolver.ProcessRemoval(context.Background(), "App", productionList),
		"cannot remove an item scheduled for install")

	env = newTestEnv(t, host, items, nil)
	require.True(t, env.resolver.ProcessRemoval(context.Background(), "App", productionList))
	assert.False(t, env.resolver.ProcessInstall(context.Background(), "App", productionList, false, false),
		"cannot install an item scheduled for removal")
}

func TestProcessOptionalInstall(t *testing.T) {
	host := newHost()
	host.apps = []facts.Application{{
		Name: "Editor", Path: "/Applications/Editor.app",
		BundleID: "com.example.editor", Version: "3.0",
	}}
	env := newTestEnv(t, host, []pkginfo.PkgInfo{
		{Name: "Editor", Version: "3.1", InstallerType: pkginfo.TypeNoPkg,
			Category: "Productivity", Developer: "Example Corp",
			Installs: []pkginfo.InstallsItem{{
				Type: "application", Path: "/Applications/Editor.app",
				CFBundleIdentifier: "com.example.editor", CFBundleShortVersionString: "3.1",
			}}},
		{Name: "Game", Version: "1.0", InstallerType: pkginfo.TypeNoPkg},
	}, nil)

	ctx := context.Background()
	env.resolver.ProcessOptionalInstall(ctx, "Editor", productionList)
	env.resolver.ProcessOptionalInstall(ctx, "Game", productionList)
	env.resolver.ProcessOptionalInstall(ctx, "Game", productionList)

	info := env.resolver.InstallInfo()
	require.Len(t, info.OptionalInstalls, 2, "duplicates collapse")

	editor := info.OptionalInstalls[0]
	assert.Equal(t, "Editor", editor.Name)
	assert.True(t, editor.Installed)
	assert.True(t, editor.NeedsUpdate, "3.0 on disk, 3.1 in catalog")
	assert.Equal(t, "Productivity", editor.Category)

	game := info.OptionalInstalls[1]
	assert.False(t, game.Installed)
	assert.False(t, game.NeedsUpdate)
}

func TestProcessOptionalInstallHigherOSVersion(t *testing.T) {
	items := []pkginfo.PkgInfo{
		{Name: "FutureApp", Version: "2.0", InstallerType: pkginfo.TypeNoPkg,
			MinimumOSVersion: "15.0"},
	}

	env := newTestEnv(t, newHost(), items, nil)
	env.resolver.ProcessOptionalInstall(context.Background(), "FutureApp", productionList)
	assert.Empty(t, env.resolver.InstallInfo().OptionalInstalls,
		"hidden by default when the OS is too old")

	env = newTestEnv(t, newHost(), items, nil)
	env.cfg.ShowOptionalInstallsForHigherOSVersions = true
	env.resolver.ProcessOptionalInstall(context.Background(), "FutureApp", productionList)

	info := env.resolver.InstallInfo()
	require.Len(t, info.OptionalInstalls, 1)
	entry := info.OptionalInstalls[0]
	assert.Equal(t, "Requires macOS version 15.0.", entry.Note)
	assert.True(t, entry.UpdateAvailable)
	assert.False(t, entry.Installed)
}

func TestProcessDefaultInstallSeedsSelfServe(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "VPN", Version: "1.0", InstallerType: pkginfo.TypeNoPkg},
	}, nil)

	selfServe := &selfservice.Manifest{}
	env.resolver.ProcessDefaultInstall("VPN", selfServe)
	assert.Equal(t, []string{"VPN"}, selfServe.ManagedInstalls)
	assert.Equal(t, []string{"VPN"}, selfServe.DefaultInstalls)

	// Simulated user removal survives a later seeding pass.
	selfServe.ManagedInstalls = nil
	env.resolver.ProcessDefaultInstall("VPN", selfServe)
	assert.Empty(t, selfServe.ManagedInstalls)
}

func TestApplyLicenseSeats(t *testing.T) {
	env := newTestEnv(t, newHost(), []pkginfo.PkgInfo{
		{Name: "ProTool", Version: "1.0", InstallerType: pkginfo.TypeNoPkg,
			LicensedSeatInfoAvailable: true},
	}, nil)
	env.resolver.ProcessOptionalInstall(context.Background(), "ProTool", productionList)

	assert.Equal(t, []string{"ProTool"}, env.resolver.SeatInfoNames())

	env.resolver.ApplyLicenseSeats(map[string]bool{"ProTool": false})
	entry := env.resolver.InstallInfo().OptionalInstalls[0]
	assert.False(t, entry.LicensedSeatsAvailable)
	assert.Equal(t, "No license seats available.", entry.Note)
}

func TestInstallInfoWriteSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "InstallInfo.plist")

	info := NewInstallInfo()
	info.ManagedInstalls = append(info.ManagedInstalls, &InstallItem{
		Name: "AppA", DisplayName: "App A", VersionToInstall: "1.0",
	})

	changed, err := info.Write(path)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = info.Write(path)
	require.NoError(t, err)
	assert.False(t, changed, "identical content leaves the file alone")

	reread, err := ReadInstallInfo(path)
	require.NoError(t, err)
	require.Len(t, reread.ManagedInstalls, 1)
	assert.Equal(t, "AppA", reread.ManagedInstalls[0].Name)
}
