// pkg/session/session.go - the update-check session controller.
//
// A session owns one complete check: manifest resolution, catalog
// loading, dependency resolution, payload caching, and the InstallInfo
// handoff to the installer stage. Components are built once here and
// shared; nothing in the pipeline reaches for globals.

package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/macadmins/capuchin/pkg/cache"
	"github.com/macadmins/capuchin/pkg/catalogs"
	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/installstate"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/manifests"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/process"
	"github.com/macadmins/capuchin/pkg/report"
	"github.com/macadmins/capuchin/pkg/resolver"
	"github.com/macadmins/capuchin/pkg/selfservice"
)

// Result is the outcome of a check, persisted as LastCheckResult.
type Result int

const (
	ResultNoUpdates        Result = 0
	ResultUpdatesAvailable Result = 1
	ResultError            Result = -1
	ResultStopped          Result = -2
)

// updatesChangedNotification is posted when InstallInfo.plist changes,
// so the GUI can refresh.
const updatesChangedNotification = "com.googlecode.munki.managedsoftwareupdate.updateschanged"

// Host is the machine-state surface a session needs. *facts.Collector
// satisfies it.
type Host interface {
	installstate.HostInfo
	OnACPower() bool
}

// execCommand and lookupHost are abstracted for testing.
var (
	execCommand = exec.Command
	lookupHost  = net.LookupHost
)

// manifestEntry is one manifest's named-item sections paired with the
// catalog context they resolve against.
type manifestEntry struct {
	catalogs   []string
	installs   []string
	uninstalls []string
	updates    []string
	optional   []string
	defaults   []string
	featured   []string
}

// Session runs one update check.
type Session struct {
	cfg      *config.Configuration
	host     Host
	rpt      *report.Report
	reporter report.Reporter

	fetcher   *fetch.Fetcher
	manifests *manifests.Retriever
	db        *catalogs.DB
	cache     *cache.Manager
	resolver  *resolver.Resolver
	state     *installstate.Evaluator

	primaryName    string
	loadedCatalogs []string
	catalogSet     map[string]bool
	visited        map[string]bool
	entries        []manifestEntry
	precacheItems  []*resolver.OptionalItem
	infoChanged    bool
}

// New wires up a session over the given configuration and host facts.
func New(cfg *config.Configuration, host Host) *Session {
	rpt := report.NewReport()
	rep := report.NewLogReporter(rpt)
	fetcher := fetch.New(cfg, rep)
	db := catalogs.New(cfg, fetcher, host.Facts(), rep)
	cacheMgr := cache.NewManager(cfg, fetcher, rep)
	return &Session{
		cfg:        cfg,
		host:       host,
		rpt:        rpt,
		reporter:   rep,
		fetcher:    fetcher,
		manifests:  manifests.NewRetriever(cfg, fetcher, host.Facts()),
		db:         db,
		cache:      cacheMgr,
		resolver:   resolver.New(cfg, db, cacheMgr, host, rep),
		state:      installstate.New(host),
		catalogSet: make(map[string]bool),
		visited:    make(map[string]bool),
	}
}

// InstallInfo exposes the resolved plan, for callers that want to
// inspect it after Run.
func (s *Session) InstallInfo() *resolver.InstallInfo {
	return s.resolver.InstallInfo()
}

// Run performs the full update check and returns the session result.
func (s *Session) Run(ctx context.Context) (Result, error) {
	result, err := s.run(ctx)
	s.finishBookkeeping(result)
	return result, err
}

func (s *Session) run(ctx context.Context) (Result, error) {
	// The precache agent shares the cache directory; it yields while a
	// session runs.
	cache.StopPrecacheAgent()
	process.ClearStopRequest()

	if s.cfg.SoftwareRepoURL == "" {
		s.cfg.SoftwareRepoURL = detectRepoURL()
	}
	if err := s.cfg.EnsureDirectories(); err != nil {
		return ResultError, err
	}

	if s.host.OnACPower() {
		release := holdPowerAssertion()
		defer release()
	} else {
		logging.Info("On battery power, skipping power assertion")
	}

	s.recordMachineFacts()

	s.reporter.MajorStatus("Retrieving manifests...")
	name, primary, err := s.manifests.Primary(ctx)
	if err != nil {
		return ResultError, err
	}
	s.primaryName = name
	s.rpt.ManifestName = name
	s.collectEntries(ctx, name, primary, nil)

	phases := []struct {
		status string
		fn     func(context.Context) error
	}{
		{"Checking for available updates...", s.phaseInstalls},
		{"Checking for removals...", s.phaseUninstalls},
		{"Checking for automatic removals...", s.phaseAutoRemovals},
		{"Checking for managed updates...", s.phaseManagedUpdates},
		{"Processing local manifest...", s.phaseLocalOnlyManifest},
		// Optional installs run before self-service so user-chosen items
		// keep their entry in the displayed optional_installs list.
		{"Checking optional software...", s.phaseOptionalInstalls},
		{"Processing self-service selections...", s.phaseSelfService},
		{"Finishing...", s.phaseFinalize},
	}
	for _, phase := range phases {
		if process.StopRequested() {
			logging.Info("Stop requested, ending session")
			return ResultStopped, nil
		}
		s.reporter.MajorStatus(phase.status)
		if err := phase.fn(ctx); err != nil {
			return ResultError, err
		}
	}

	if s.pendingUpdateCount() > 0 {
		return ResultUpdatesAvailable, nil
	}
	return ResultNoUpdates, nil
}

// detectRepoURL falls back to the conventional repo host when no URL is
// configured. A resolvable "munki" host makes the default meaningful;
// either way the default is all we have.
func detectRepoURL() string {
	if _, err := lookupHost("munki"); err == nil {
		logging.Info("Detected software repo host", "url", config.DefaultRepoURL)
	} else {
		logging.Warn("No SoftwareRepoURL configured and no repo host found, using default",
			"url", config.DefaultRepoURL)
	}
	return config.DefaultRepoURL
}

// holdPowerAssertion keeps the machine awake for the duration of the
// check. The returned func releases the assertion.
func holdPowerAssertion() func() {
	cmd := execCommand("/usr/bin/caffeinate", "-dimsu")
	if err := cmd.Start(); err != nil {
		logging.Debug("Unable to hold power assertion", "error", err)
		return func() {}
	}
	logging.Debug("Holding power assertion", "pid", cmd.Process.Pid)
	return func() {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

func (s *Session) recordMachineFacts() {
	machineFacts := s.host.Facts()
	info := make(map[string]interface{})
	for _, key := range []string{
		"hostname", "serial_number", "machine_model", "arch",
		"os_vers", "os_build_number", "munki_version", "console_user",
		"ipv4_address",
	} {
		if v, ok := machineFacts[key]; ok {
			info[key] = v
		}
	}
	s.rpt.MachineInfo = info
}

// collectEntries walks the manifest graph depth first, included
// manifests before their includer, recording each manifest's sections
// with the catalog list in force at that point. Inclusion cycles and
// manifest retrieval failures are logged and skipped.
func (s *Session) collectEntries(ctx context.Context, name string, m *manifests.Manifest, parentCatalogs []string) {
	if s.visited[name] {
		logging.Warn("Manifest included more than once, skipping", "manifest", name)
		return
	}
	s.visited[name] = true

	m.EvaluateConditionals(s.host.Facts())

	catalogList := m.Catalogs
	if len(catalogList) == 0 {
		catalogList = parentCatalogs
	}
	for _, catalogName := range catalogList {
		if s.catalogSet[catalogName] {
			continue
		}
		if err := s.db.Load(ctx, catalogName); err != nil {
			s.reporter.Warning("Unable to retrieve catalog %s: %v", catalogName, err)
			continue
		}
		s.catalogSet[catalogName] = true
		s.loadedCatalogs = append(s.loadedCatalogs, catalogName)
	}

	for _, included := range m.IncludedManifests {
		sub, err := s.manifests.Get(ctx, included)
		if err != nil {
			s.reporter.Warning("Unable to retrieve included manifest %s: %v", included, err)
			continue
		}
		s.collectEntries(ctx, included, sub, catalogList)
	}

	s.entries = append(s.entries, manifestEntry{
		catalogs:   catalogList,
		installs:   m.ManagedInstalls,
		uninstalls: m.ManagedUninstalls,
		updates:    m.ManagedUpdates,
		optional:   m.OptionalInstalls,
		defaults:   m.DefaultInstalls,
		featured:   m.FeaturedItems,
	})
}

func (s *Session) phaseInstalls(ctx context.Context) error {
	for _, entry := range s.entries {
		for _, item := range entry.installs {
			s.resolver.ProcessInstall(ctx, item, entry.catalogs, false, false)
		}
	}
	return nil
}

func (s *Session) phaseUninstalls(ctx context.Context) error {
	for _, entry := range s.entries {
		for _, item := range entry.uninstalls {
			s.resolver.ProcessRemoval(ctx, item, entry.catalogs)
		}
	}
	return nil
}

func (s *Session) phaseAutoRemovals(ctx context.Context) error {
	s.resolver.ProcessAutoRemovals(ctx, s.loadedCatalogs)
	return nil
}

func (s *Session) phaseManagedUpdates(ctx context.Context) error {
	seen := make(map[string]bool)
	info := s.resolver.InstallInfo()
	for _, entry := range s.entries {
		for _, item := range entry.updates {
			s.resolver.ProcessManagedUpdate(ctx, item, entry.catalogs)
			name, _ := catalogs.SplitNameAndVersion(item)
			if !seen[name] {
				seen[name] = true
				info.ManagedUpdates = append(info.ManagedUpdates, name)
			}
		}
	}
	return nil
}

// phaseLocalOnlyManifest folds in the admin-maintained local manifest.
// It may add installs and removals but brings no catalogs of its own.
func (s *Session) phaseLocalOnlyManifest(ctx context.Context) error {
	if s.cfg.LocalOnlyManifest == "" {
		return nil
	}
	path := filepath.Join(s.cfg.ManifestsPath(), s.cfg.LocalOnlyManifest)
	m, err := s.manifests.LoadLocal(s.cfg.LocalOnlyManifest, path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.reporter.Warning("Unable to read local manifest %s: %v", path, err)
		}
		return nil
	}
	m.EvaluateConditionals(s.host.Facts())
	for _, item := range m.ManagedInstalls {
		s.resolver.ProcessInstall(ctx, item, s.loadedCatalogs, false, false)
	}
	for _, item := range m.ManagedUninstalls {
		s.resolver.ProcessRemoval(ctx, item, s.loadedCatalogs)
	}
	return nil
}

// phaseSelfService reconciles the user's self-service selections:
// default_installs seeding, unused-software removal, then the user's
// install and removal choices.
func (s *Session) phaseSelfService(ctx context.Context) error {
	selfServe, err := selfservice.Adopt(selfservice.UserManifestPath, s.cfg.SelfServeManifestPath())
	if err != nil {
		s.reporter.Warning("Self-serve manifest unavailable: %v", err)
		selfServe = &selfservice.Manifest{}
	}

	changed := false
	for _, entry := range s.entries {
		for _, item := range entry.defaults {
			if s.resolver.ProcessDefaultInstall(item, selfServe) {
				changed = true
			}
		}
	}

	if usage := cache.LoadApplicationUsage(s.cfg.ApplicationUsagePath()); usage != nil {
		kept := selfServe.ManagedInstalls[:0]
		for _, name := range selfServe.ManagedInstalls {
			item := s.db.ItemDetail(name, s.loadedCatalogs,
				catalogs.LookupOptions{SuppressWarnings: true})
			if item != nil && cache.ShouldBeRemovedIfUnused(item, usage, s.cfg, time.Now()) &&
				s.state.EvidenceThisIsInstalled(ctx, item) {
				if s.resolver.ProcessRemoval(ctx, name, s.loadedCatalogs) {
					changed = true
					continue
				}
			}
			kept = append(kept, name)
		}
		selfServe.ManagedInstalls = kept
	}

	for _, name := range selfServe.ManagedInstalls {
		s.resolver.ProcessInstall(ctx, name, s.loadedCatalogs, false, true)
	}
	for _, name := range selfServe.ManagedUninstalls {
		s.resolver.ProcessRemoval(ctx, name, s.loadedCatalogs)
	}

	if changed {
		if err := selfServe.Save(s.cfg.SelfServeManifestPath()); err != nil {
			s.reporter.Warning("Unable to save self-serve manifest: %v", err)
		}
	}
	return nil
}

func (s *Session) phaseOptionalInstalls(ctx context.Context) error {
	info := s.resolver.InstallInfo()

	optionalNames := make(map[string]bool)
	for _, entry := range s.entries {
		for _, item := range entry.optional {
			s.resolver.ProcessOptionalInstall(ctx, item, entry.catalogs)
			name, _ := catalogs.SplitNameAndVersion(item)
			optionalNames[name] = true
		}
	}

	featuredSeen := make(map[string]bool)
	for _, entry := range s.entries {
		for _, name := range entry.featured {
			if featuredSeen[name] {
				continue
			}
			featuredSeen[name] = true
			if !optionalNames[name] {
				s.reporter.Warning("Featured item %s is not in optional_installs", name)
				continue
			}
			info.FeaturedItems = append(info.FeaturedItems, name)
		}
	}

	if names := s.resolver.SeatInfoNames(); len(names) > 0 {
		seats, err := s.cache.AvailableLicenseSeats(ctx, names)
		if err != nil {
			s.reporter.Warning("License seat check failed: %v", err)
		}
		s.resolver.ApplyLicenseSeats(seats)
	}

	if s.cfg.PrecacheOptionalInstalls {
		for _, entry := range info.OptionalInstalls {
			if entry.Precache && !entry.Installed {
				s.precacheItems = append(s.precacheItems, entry)
			}
		}
	}
	return nil
}

// phaseFinalize writes InstallInfo.plist and brings the local stores in
// line with it: orphaned catalogs, manifests, and cached payloads are
// removed, icons and client resources refreshed.
func (s *Session) phaseFinalize(ctx context.Context) error {
	info := s.resolver.InstallInfo()
	s.partitionInstalls(info)

	changed, err := info.Write(s.cfg.InstallInfoPath())
	if err != nil {
		return fmt.Errorf("writing InstallInfo: %w", err)
	}
	s.infoChanged = changed

	s.cleanCatalogs()
	s.cleanManifests()
	s.cleanCache(info)

	s.downloadIcons(ctx, info)
	if err := s.cache.DownloadClientResources(ctx, s.primaryName); err != nil {
		s.reporter.Warning("Unable to retrieve client resources: %v", err)
	}

	if len(s.precacheItems) > 0 {
		cache.StartPrecacheAgent()
	}
	if changed && !s.cfg.SuppressUserNotification {
		postUpdatesChangedNotification()
	}
	return nil
}

// partitionInstalls enforces the plan's shape: a pending install with no
// payload and no payload-free installer type cannot be handed to the
// installer, and an OS install always sorts last since nothing runs
// after it.
func (s *Session) partitionInstalls(info *resolver.InstallInfo) {
	installs := info.ManagedInstalls[:0]
	var osInstalls []*resolver.InstallItem
	for _, item := range info.ManagedInstalls {
		if !item.Installed && item.InstallerItem == "" &&
			item.InstallerType != pkginfo.TypeNoPkg {
			item.Note = "Missing installer item"
			info.ProblemItems = append(info.ProblemItems, item)
			continue
		}
		if item.InstallerType == pkginfo.TypeStartOSInstall {
			osInstalls = append(osInstalls, item)
			continue
		}
		installs = append(installs, item)
	}
	if len(osInstalls) > 0 {
		logging.Warn("OS install scheduled last: no further items run after it")
		installs = append(installs, osInstalls...)
	}
	info.ManagedInstalls = installs
}

// cleanCatalogs removes catalog files no manifest referenced this run.
func (s *Session) cleanCatalogs() {
	dirEntries, err := os.ReadDir(s.cfg.CatalogsPath())
	if err != nil {
		return
	}
	for _, entry := range dirEntries {
		if entry.IsDir() || s.catalogSet[entry.Name()] {
			continue
		}
		logging.Debug("Removing unreferenced catalog", "catalog", entry.Name())
		os.Remove(filepath.Join(s.cfg.CatalogsPath(), entry.Name()))
	}
}

// cleanManifests removes manifest files not retrieved this run. The
// self-serve manifest and the local-only manifest are never touched.
func (s *Session) cleanManifests() {
	keep := map[string]bool{"SelfServeManifest": true}
	if s.cfg.LocalOnlyManifest != "" {
		keep[s.cfg.LocalOnlyManifest] = true
	}
	for _, name := range s.manifests.CachedNames() {
		keep[filepath.FromSlash(name)] = true
	}

	root := s.cfg.ManifestsPath()
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || keep[rel] {
			return nil
		}
		logging.Debug("Removing unreferenced manifest", "manifest", rel)
		os.Remove(path)
		return nil
	})
}

// cleanCache deletes cached payloads the plan no longer references,
// keeping precache payloads and registering them as sacrificial under
// disk pressure.
func (s *Session) cleanCache(info *resolver.InstallInfo) {
	keep := make(map[string]bool)
	for _, item := range info.ManagedInstalls {
		if item.InstallerItem != "" {
			keep[item.InstallerItem] = true
		}
	}
	for _, item := range info.Removals {
		if item.UninstallerItem != "" {
			keep[item.UninstallerItem] = true
		}
	}

	var precachePaths []string
	for _, entry := range s.precacheItems {
		name := precacheItemName(entry)
		if name == "" {
			continue
		}
		keep[name] = true
		precachePaths = append(precachePaths, filepath.Join(s.cache.Dir(), name))
	}
	s.cache.SetPrecacheCandidates(precachePaths)
	s.cache.CleanUp(keep)
}

func (s *Session) downloadIcons(ctx context.Context, info *resolver.InstallInfo) {
	var names []string
	for _, item := range info.ManagedInstalls {
		names = append(names, item.Name)
	}
	for _, item := range info.Removals {
		names = append(names, item.Name)
	}
	for _, item := range info.OptionalInstalls {
		names = append(names, item.Name)
	}

	seen := make(map[string]bool)
	var items []*pkginfo.PkgInfo
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if item := s.db.ItemDetail(name, s.loadedCatalogs,
			catalogs.LookupOptions{SuppressWarnings: true}); item != nil {
			items = append(items, item)
		}
	}
	s.cache.DownloadIcons(ctx, items)
}

// precacheItemName mirrors the cache's payload naming for an optional
// item carried in InstallInfo.
func precacheItemName(entry *resolver.OptionalItem) string {
	return cache.InstallerItemName(&pkginfo.PkgInfo{
		InstallerItemLocation: entry.InstallerItemLocation,
		PackageCompleteURL:    entry.PackageCompleteURL,
	})
}

// pendingUpdateCount counts actionable work in the plan: installs not
// yet on disk plus removals.
func (s *Session) pendingUpdateCount() int {
	info := s.resolver.InstallInfo()
	pending := len(info.Removals)
	for _, item := range info.ManagedInstalls {
		if !item.Installed {
			pending++
		}
	}
	return pending
}

// finishBookkeeping persists the run state and the session report.
// Failures here are logged, never fatal; the check result stands.
func (s *Session) finishBookkeeping(result Result) {
	now := time.Now()
	statePath := s.cfg.RunStatePath()
	state, err := config.LoadRunState(statePath)
	if err != nil {
		logging.Warn("Unable to load run state", "error", err)
		state = &config.RunState{}
	}

	pending := s.pendingUpdateCount()
	state.LastCheckDate = now
	state.LastCheckResult = int(result)
	state.PendingUpdateCount = pending

	if pending == 0 {
		state.PendingUpdatesSince = time.Time{}
		state.OldestUpdateDays = 0
	} else {
		if state.PendingUpdatesSince.IsZero() {
			state.PendingUpdatesSince = now
		}
		state.OldestUpdateDays = int(now.Sub(state.PendingUpdatesSince).Hours() / 24)
	}

	state.ForcedUpdateDueDate = time.Time{}
	for _, item := range s.resolver.InstallInfo().ManagedInstalls {
		if item.Installed || item.ForceInstallAfterDate == nil {
			continue
		}
		due := *item.ForceInstallAfterDate
		if state.ForcedUpdateDueDate.IsZero() || due.Before(state.ForcedUpdateDueDate) {
			state.ForcedUpdateDueDate = due
		}
	}

	if err := config.SaveRunState(state, statePath); err != nil {
		logging.Warn("Unable to save run state", "error", err)
	}

	s.recordReportItems()
	if err := s.rpt.Save(s.cfg.ReportPath()); err != nil {
		logging.Warn("Unable to save session report", "error", err)
	}
}

func (s *Session) recordReportItems() {
	info := s.resolver.InstallInfo()
	for _, item := range info.ManagedInstalls {
		if !item.Installed {
			s.rpt.ItemsToInstall = append(s.rpt.ItemsToInstall, installSummary(item))
		}
	}
	for _, item := range info.Removals {
		s.rpt.ItemsToRemove = append(s.rpt.ItemsToRemove, map[string]interface{}{
			"name":              item.Name,
			"display_name":      item.DisplayName,
			"installed_version": item.InstalledVersion,
			"uninstall_method":  item.UninstallMethod,
		})
	}
	for _, item := range info.ProblemItems {
		s.rpt.ProblemItems = append(s.rpt.ProblemItems, installSummary(item))
	}
}

// installSummary flattens a planned install into the scalar dict the
// report plist carries.
func installSummary(item *resolver.InstallItem) map[string]interface{} {
	out := map[string]interface{}{
		"name":               item.Name,
		"display_name":       item.DisplayName,
		"version_to_install": item.VersionToInstall,
	}
	if item.InstallerItem != "" {
		out["installer_item"] = item.InstallerItem
	}
	if item.Note != "" {
		out["note"] = item.Note
	}
	return out
}

func postUpdatesChangedNotification() {
	if err := execCommand("/usr/bin/notifyutil", "-p", updatesChangedNotification).Run(); err != nil {
		logging.Debug("Unable to post update notification", "error", err)
	}
}
