// pkg/catalogs/catalogs.go - the session catalog database.
//
// Catalogs are fetched once per session and indexed four ways: by item
// name and version, by receipt package id, as the list of updater items,
// and as the set of autoremove names. All lookups route through the
// applicability filter in ItemDetail.

package catalogs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/compare"
	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/predicates"
	"github.com/macadmins/capuchin/pkg/report"
	"github.com/macadmins/capuchin/pkg/version"
)

// catalog holds one parsed catalog plus its derived indices.
type catalog struct {
	items []pkginfo.PkgInfo
	// named[name][version] -> item indices
	named map[string]map[string][]int
	// receipts[pkgid][version] -> item indices
	receipts map[string]map[string][]int
	// updaters are indices of items with a non-empty update_for
	updaters []int
	// autoremove names
	autoremove map[string]bool
}

// DB is the session-scoped catalog store. Build it once, share it with
// the resolver; catalogs are never reloaded within a session.
type DB struct {
	cfg      *config.Configuration
	fetcher  *fetch.Fetcher
	reporter report.Reporter
	facts    map[string]interface{}
	catalogs map[string]*catalog
}

// New returns an empty catalog DB. facts feeds installable_condition
// evaluation during lookups.
func New(cfg *config.Configuration, fetcher *fetch.Fetcher, facts map[string]interface{}, rep report.Reporter) *DB {
	if rep == nil {
		rep = report.Noop{}
	}
	return &DB{
		cfg:      cfg,
		fetcher:  fetcher,
		reporter: rep,
		facts:    facts,
		catalogs: make(map[string]*catalog),
	}
}

// Load fetches and indexes a catalog. Loading the same name twice in a
// session is a no-op.
func (db *DB) Load(ctx context.Context, name string) error {
	if _, ok := db.catalogs[name]; ok {
		return nil
	}
	localPath := filepath.Join(db.cfg.CatalogsPath(), name)
	if db.fetcher != nil {
		_, err := db.fetcher.Fetch(ctx, fetch.KindCatalog, name, localPath,
			fetch.Options{Message: fmt.Sprintf("Getting catalog %s...", name)})
		if err != nil {
			return fmt.Errorf("retrieving catalog %s: %w", name, err)
		}
	}
	return db.LoadFromFile(name, localPath)
}

// LoadFromFile indexes an already-downloaded catalog file.
func (db *DB) LoadFromFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog %s: %w", name, err)
	}
	var items []pkginfo.PkgInfo
	if err := plist.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parsing catalog %s: %w", name, err)
	}
	db.catalogs[name] = indexCatalog(items)
	logging.Info("Loaded catalog", "catalog", name, "items", len(items))
	return nil
}

// Loaded reports whether a catalog is already in the DB.
func (db *DB) Loaded(name string) bool {
	_, ok := db.catalogs[name]
	return ok
}

func indexCatalog(items []pkginfo.PkgInfo) *catalog {
	c := &catalog{
		items:      items,
		named:      make(map[string]map[string][]int),
		receipts:   make(map[string]map[string][]int),
		autoremove: make(map[string]bool),
	}
	for i := range items {
		item := &items[i]
		name := item.NormalizedName()
		vers := item.TrimmedVersion()
		if name == "" || vers == "" {
			logging.Warn("Skipping catalog item with missing name or version",
				"name", item.Name, "version", item.Version)
			continue
		}
		if c.named[name] == nil {
			c.named[name] = make(map[string][]int)
		}
		c.named[name][vers] = append(c.named[name][vers], i)

		for _, r := range item.Receipts {
			if r.PackageID == "" || r.Version == "" {
				continue
			}
			if c.receipts[r.PackageID] == nil {
				c.receipts[r.PackageID] = make(map[string][]int)
			}
			c.receipts[r.PackageID][r.Version] = append(c.receipts[r.PackageID][r.Version], i)
		}
		if len(item.UpdateFor) > 0 {
			c.updaters = append(c.updaters, i)
		}
		if item.Autoremove {
			c.autoremove[name] = true
		}
	}
	return c
}

// SplitNameAndVersion parses a manifest item reference into its name and
// version parts. "Firefox--128.0" and "Firefox-128.0" both split; the
// double-hyphen form disambiguates names that contain hyphens. A trailing
// segment only counts as a version when it looks like one.
func SplitNameAndVersion(ref string) (name, vers string) {
	ref = strings.TrimSpace(ref)
	if idx := strings.LastIndex(ref, "--"); idx > 0 {
		return ref[:idx], strings.TrimSpace(ref[idx+2:])
	}
	i := len(ref)
	for i > 0 && strings.ContainsRune("0123456789.", rune(ref[i-1])) {
		i--
	}
	if i > 1 && i < len(ref) && ref[i-1] == '-' {
		return ref[:i-1], ref[i:]
	}
	return ref, ""
}

// LookupOptions modify ItemDetail's applicability filtering.
type LookupOptions struct {
	// Version pins the lookup to one version; empty means "best".
	Version string
	// SkipMinimumOSCheck admits items requiring a newer OS, used when
	// showing optional installs for higher OS versions.
	SkipMinimumOSCheck bool
	// SuppressWarnings silences the rejection summary on lookup failure.
	SuppressWarnings bool
}

type candidate struct {
	catalogIdx int
	item       *pkginfo.PkgInfo
}

// ItemDetail returns the best applicable pkginfo for a manifest item
// reference, or nil when nothing in the given catalogs fits this host.
// Highest version wins across catalogs; catalog list order breaks ties.
func (db *DB) ItemDetail(ref string, catalogList []string, opts LookupOptions) *pkginfo.PkgInfo {
	name, includedVersion := SplitNameAndVersion(ref)
	if opts.Version != "" {
		name, includedVersion = ref, opts.Version
	}
	name = pkginfo.NormalizeName(name)

	var candidates []candidate
	for ci, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		byVersion, ok := c.named[name]
		if !ok {
			continue
		}
		for vers, indices := range byVersion {
			if includedVersion != "" && compare.Versions(vers, includedVersion) != compare.Same {
				continue
			}
			for _, idx := range indices {
				candidates = append(candidates, candidate{ci, &c.items[idx]})
			}
		}
	}
	if len(candidates) == 0 {
		if !opts.SuppressWarnings {
			msg := fmt.Sprintf("No items in catalogs %v match %q", catalogList, ref)
			logging.Warn(msg)
			db.reporter.Warning(msg)
		}
		return nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		cmp := compare.Versions(candidates[a].item.TrimmedVersion(), candidates[b].item.TrimmedVersion())
		if cmp != compare.Same {
			return cmp == compare.Newer
		}
		return candidates[a].catalogIdx < candidates[b].catalogIdx
	})

	var rejections []string
	for _, cand := range candidates {
		if reason := db.rejectionReason(cand.item, opts.SkipMinimumOSCheck); reason != "" {
			rejections = append(rejections, reason)
			continue
		}
		item := *cand.item
		return &item
	}

	if !opts.SuppressWarnings {
		for _, reason := range rejections {
			logging.Warn(reason)
			db.reporter.Warning(reason)
		}
		msg := fmt.Sprintf("No applicable version of %q found in catalogs %v", name, catalogList)
		logging.Warn(msg)
		db.reporter.Warning(msg)
	}
	return nil
}

// rejectionReason applies the applicability gates in order: client
// version floor, OS version bounds, architecture, installable_condition.
// Empty string means the item is applicable.
func (db *DB) rejectionReason(item *pkginfo.PkgInfo, skipMinimumOSCheck bool) string {
	ident := item.Identifier()

	if item.MinimumMunkiVersion != "" {
		if compare.Versions(version.Current(), item.MinimumMunkiVersion) == compare.Older {
			return fmt.Sprintf("Skipping %s: requires client version %s or later",
				ident, item.MinimumMunkiVersion)
		}
	}

	osVers, _ := db.facts["os_vers"].(string)
	if !skipMinimumOSCheck && item.MinimumOSVersion != "" {
		if compare.Versions(osVers, item.MinimumOSVersion) == compare.Older {
			return fmt.Sprintf("Skipping %s: requires OS version %s or later, this machine has %s",
				ident, item.MinimumOSVersion, osVers)
		}
	}
	if item.MaximumOSVersion != "" {
		if compare.Versions(osVers, item.MaximumOSVersion) == compare.Newer {
			return fmt.Sprintf("Skipping %s: requires OS version %s or earlier, this machine has %s",
				ident, item.MaximumOSVersion, osVers)
		}
	}

	if len(item.SupportedArchitectures) > 0 && !db.architectureSupported(item) {
		return fmt.Sprintf("Skipping %s: supported architectures %v do not include this machine",
			ident, item.SupportedArchitectures)
	}

	if item.InstallableCondition != "" {
		ok, err := predicates.Evaluate(item.InstallableCondition, db.facts)
		if err != nil {
			logging.Warn("installable_condition evaluation failed",
				"item", ident, "condition", item.InstallableCondition, "error", err)
		}
		if !ok {
			return fmt.Sprintf("Skipping %s: installable_condition is false", ident)
		}
	}
	return ""
}

func (db *DB) architectureSupported(item *pkginfo.PkgInfo) bool {
	arch, _ := db.facts["arch"].(string)
	capable, _ := db.facts["x86_64_capable"].(bool)
	for _, supported := range item.SupportedArchitectures {
		if supported == arch {
			return true
		}
		// 64-bit capable machines running a 32-bit kernel can still
		// install x86_64 payloads.
		if supported == "x86_64" && arch == "i386" && capable {
			return true
		}
	}
	return false
}

// AllItemsWithName returns every distinct version of an item across the
// given catalogs, newest first. Duplicate (name, version) pairs keep the
// copy from the earliest catalog.
func (db *DB) AllItemsWithName(name string, catalogList []string) []pkginfo.PkgInfo {
	name = pkginfo.NormalizeName(name)
	seen := make(map[string]bool)
	var out []pkginfo.PkgInfo
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for vers, indices := range c.named[name] {
			if seen[vers] || len(indices) == 0 {
				continue
			}
			seen[vers] = true
			out = append(out, c.items[indices[0]])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return compare.Versions(out[a].TrimmedVersion(), out[b].TrimmedVersion()) == compare.Newer
	})
	return out
}

// UpdatesFor returns the names of updater items whose update_for lists
// the given item, matched as a bare name or a name-version reference.
// Pass an empty version to match the bare name only.
func (db *DB) UpdatesFor(name, vers string, catalogList []string) []string {
	name = pkginfo.NormalizeName(name)
	targets := map[string]bool{name: true}
	if vers != "" {
		targets[name+"-"+vers] = true
		targets[name+"--"+vers] = true
	}

	seen := make(map[string]bool)
	var updates []string
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for _, idx := range c.updaters {
			item := &c.items[idx]
			for _, target := range item.UpdateFor {
				if targets[pkginfo.NormalizeName(target)] {
					updateName := item.NormalizedName()
					if !seen[updateName] {
						seen[updateName] = true
						updates = append(updates, updateName)
					}
					break
				}
			}
		}
	}
	sort.Strings(updates)
	return updates
}

// AutoRemovalItems returns the union of autoremove item names across the
// given catalogs, sorted.
func (db *DB) AutoRemovalItems(catalogList []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for name := range c.autoremove {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// ItemsReferencingReceipt returns, for every loaded catalog, the items
// that install the given package id. The removal safety check uses this
// to find shared receipt ownership.
func (db *DB) ItemsReferencingReceipt(pkgid string, catalogList []string) []pkginfo.PkgInfo {
	var out []pkginfo.PkgInfo
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for _, indices := range c.receipts[pkgid] {
			for _, idx := range indices {
				out = append(out, c.items[idx])
			}
		}
	}
	return out
}

// ReceiptReferences maps each receipt package id to the names of catalog
// items that install it. Removal planning consults this to avoid
// removing packages shared with other managed items.
func (db *DB) ReceiptReferences(catalogList []string) map[string][]string {
	refs := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for pkgid, byVersion := range c.receipts {
			for _, indices := range byVersion {
				for _, idx := range indices {
					name := c.items[idx].NormalizedName()
					if seen[pkgid] == nil {
						seen[pkgid] = make(map[string]bool)
					}
					if !seen[pkgid][name] {
						seen[pkgid][name] = true
						refs[pkgid] = append(refs[pkgid], name)
					}
				}
			}
		}
	}
	for pkgid := range refs {
		sort.Strings(refs[pkgid])
	}
	return refs
}

// RequiredBy scans the given catalogs for items whose requires list
// references name (bare, or with any version suffix). Used by the
// removal planner's reverse dependency walk.
func (db *DB) RequiredBy(name string, catalogList []string) []pkginfo.PkgInfo {
	name = pkginfo.NormalizeName(name)
	seen := make(map[string]bool)
	var out []pkginfo.PkgInfo
	for _, catalogName := range catalogList {
		c, ok := db.catalogs[catalogName]
		if !ok {
			continue
		}
		for i := range c.items {
			item := &c.items[i]
			for _, req := range item.Requires {
				reqName, _ := SplitNameAndVersion(req)
				if pkginfo.NormalizeName(reqName) != name {
					continue
				}
				key := item.Identifier()
				if !seen[key] {
					seen[key] = true
					out = append(out, *item)
				}
				break
			}
		}
	}
	return out
}
