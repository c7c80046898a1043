// pkg/manifests/manifests.go - manifest retrieval and conditional
// evaluation.
//
// Manifests are fetched once per session and memoized by name. The
// primary manifest is found either from the configured client identifier
// or by probing hostname, short hostname, serial number, and finally
// site_default.

package manifests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/predicates"
)

// Manifest is one manifest's sections. Unknown keys are ignored.
type Manifest struct {
	Catalogs          []string          `plist:"catalogs,omitempty"`
	IncludedManifests []string          `plist:"included_manifests,omitempty"`
	ManagedInstalls   []string          `plist:"managed_installs,omitempty"`
	ManagedUninstalls []string          `plist:"managed_uninstalls,omitempty"`
	ManagedUpdates    []string          `plist:"managed_updates,omitempty"`
	OptionalInstalls  []string          `plist:"optional_installs,omitempty"`
	FeaturedItems     []string          `plist:"featured_items,omitempty"`
	DefaultInstalls   []string          `plist:"default_installs,omitempty"`
	ConditionalItems  []ConditionalItem `plist:"conditional_items,omitempty"`
}

// ConditionalItem pairs a predicate with a nested sub-manifest whose
// sections apply only when the predicate is true.
type ConditionalItem struct {
	Condition string
	Manifest  Manifest
}

// UnmarshalPlist reads the condition key and then the manifest sections
// from the same dictionary.
func (ci *ConditionalItem) UnmarshalPlist(unmarshal func(interface{}) error) error {
	var header struct {
		Condition string `plist:"condition"`
	}
	if err := unmarshal(&header); err != nil {
		return err
	}
	ci.Condition = header.Condition
	return unmarshal(&ci.Manifest)
}

// MergeFrom appends other's named-item sections onto m. Catalogs are
// prepended so a conditional's catalogs take precedence, matching the
// behavior admins expect from nested manifests.
func (m *Manifest) MergeFrom(other *Manifest) {
	if len(other.Catalogs) > 0 {
		m.Catalogs = append(append([]string{}, other.Catalogs...), m.Catalogs...)
	}
	m.IncludedManifests = append(m.IncludedManifests, other.IncludedManifests...)
	m.ManagedInstalls = append(m.ManagedInstalls, other.ManagedInstalls...)
	m.ManagedUninstalls = append(m.ManagedUninstalls, other.ManagedUninstalls...)
	m.ManagedUpdates = append(m.ManagedUpdates, other.ManagedUpdates...)
	m.OptionalInstalls = append(m.OptionalInstalls, other.OptionalInstalls...)
	m.FeaturedItems = append(m.FeaturedItems, other.FeaturedItems...)
	m.DefaultInstalls = append(m.DefaultInstalls, other.DefaultInstalls...)
}

// EvaluateConditionals resolves conditional_items against host facts,
// merging each true branch (recursively) into m. Evaluation errors count
// as false.
func (m *Manifest) EvaluateConditionals(facts map[string]interface{}) {
	conditionals := m.ConditionalItems
	m.ConditionalItems = nil
	for i := range conditionals {
		ci := &conditionals[i]
		ok, err := predicates.Evaluate(ci.Condition, facts)
		if err != nil {
			logging.Warn("Condition evaluation failed, treating as false",
				"condition", ci.Condition, "error", err)
			continue
		}
		if !ok {
			logging.Debug("Condition is false", "condition", ci.Condition)
			continue
		}
		ci.Manifest.EvaluateConditionals(facts)
		m.MergeFrom(&ci.Manifest)
	}
}

// Parse decodes manifest plist data.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := plist.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// Retriever fetches and memoizes manifests for one session.
type Retriever struct {
	cfg     *config.Configuration
	fetcher *fetch.Fetcher
	facts   map[string]interface{}
	cache   map[string]*Manifest
}

// NewRetriever returns an empty session retriever.
func NewRetriever(cfg *config.Configuration, fetcher *fetch.Fetcher, facts map[string]interface{}) *Retriever {
	return &Retriever{
		cfg:     cfg,
		fetcher: fetcher,
		facts:   facts,
		cache:   make(map[string]*Manifest),
	}
}

// Get fetches, parses, and memoizes a manifest. A second call for the
// same name does no network or disk I/O.
func (r *Retriever) Get(ctx context.Context, name string) (*Manifest, error) {
	if m, ok := r.cache[name]; ok {
		return m, nil
	}
	localPath := filepath.Join(r.cfg.ManifestsPath(), filepath.FromSlash(name))
	if r.fetcher != nil {
		_, err := r.fetcher.Fetch(ctx, fetch.KindManifest, name, localPath,
			fetch.Options{Message: fmt.Sprintf("Getting manifest %s...", name)})
		if err != nil {
			return nil, err
		}
	}
	m, err := r.load(localPath)
	if err != nil {
		return nil, err
	}
	r.cache[name] = m
	return m, nil
}

// LoadLocal parses a manifest straight from disk, bypassing the network.
// Used for the LocalOnlyManifest preference.
func (r *Retriever) LoadLocal(name, path string) (*Manifest, error) {
	if m, ok := r.cache[name]; ok {
		return m, nil
	}
	m, err := r.load(path)
	if err != nil {
		return nil, err
	}
	r.cache[name] = m
	return m, nil
}

func (r *Retriever) load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Primary resolves the main manifest for this client. An explicit
// ClientIdentifier is authoritative; otherwise the identifier probe
// walks hostname, short hostname, serial number, then site_default,
// treating 404s as silent misses.
func (r *Retriever) Primary(ctx context.Context) (string, *Manifest, error) {
	if id := r.cfg.ClientIdentifier; id != "" {
		m, err := r.Get(ctx, id)
		if err != nil {
			return "", nil, fmt.Errorf("retrieving manifest %q: %w", id, err)
		}
		return id, m, nil
	}

	hostname, _ := r.facts["hostname"].(string)
	serial, _ := r.facts["serial_number"].(string)

	var candidates []string
	if hostname != "" {
		candidates = append(candidates, hostname)
		if short, _, found := strings.Cut(hostname, "."); found && short != "" {
			candidates = append(candidates, short)
		}
	}
	if serial != "" {
		candidates = append(candidates, serial)
	}
	candidates = append(candidates, "site_default")

	for _, name := range candidates {
		m, err := r.Get(ctx, name)
		if err == nil {
			logging.Info("Using manifest", "manifest", name)
			return name, m, nil
		}
		if fetch.IsNotFound(err) {
			logging.Debug("No manifest for identifier", "identifier", name)
			continue
		}
		return "", nil, fmt.Errorf("retrieving manifest %q: %w", name, err)
	}
	return "", nil, fmt.Errorf("no primary manifest found for this client")
}

// Cached reports whether a manifest has already been retrieved.
func (r *Retriever) Cached(name string) bool {
	_, ok := r.cache[name]
	return ok
}

// CachedNames lists the manifests retrieved this session; the orphan
// cleanup pass keeps exactly these on disk.
func (r *Retriever) CachedNames() []string {
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	return names
}
