package manifests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/report"
)

const labManifest = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>catalogs</key>
	<array><string>production</string></array>
	<key>included_manifests</key>
	<array><string>common</string></array>
	<key>managed_installs</key>
	<array><string>Firefox</string></array>
	<key>conditional_items</key>
	<array>
		<dict>
			<key>condition</key>
			<string>hostname BEGINSWITH "lab-"</string>
			<key>managed_installs</key>
			<array><string>LabTools</string></array>
			<key>conditional_items</key>
			<array>
				<dict>
					<key>condition</key>
					<string>os_vers &gt;= "14.0"</string>
					<key>managed_installs</key>
					<array><string>SonomaExtras</string></array>
				</dict>
			</array>
		</dict>
		<dict>
			<key>condition</key>
			<string>hostname BEGINSWITH "office-"</string>
			<key>managed_installs</key>
			<array><string>OfficeTools</string></array>
		</dict>
		<dict>
			<key>condition</key>
			<string>bogus ===</string>
			<key>managed_installs</key>
			<array><string>NeverThis</string></array>
		</dict>
	</array>
</dict>
</plist>
`

func testFacts() map[string]interface{} {
	return map[string]interface{}{
		"hostname":      "lab-mac-042.example.com",
		"serial_number": "C02XYZ123",
		"os_vers":       "14.3.1",
	}
}

func TestParseAndEvaluateConditionals(t *testing.T) {
	m, err := Parse([]byte(labManifest))
	require.NoError(t, err)

	assert.Equal(t, []string{"production"}, m.Catalogs)
	assert.Equal(t, []string{"common"}, m.IncludedManifests)
	assert.Equal(t, []string{"Firefox"}, m.ManagedInstalls)
	require.Len(t, m.ConditionalItems, 3)
	assert.Equal(t, `hostname BEGINSWITH "lab-"`, m.ConditionalItems[0].Condition)

	m.EvaluateConditionals(testFacts())
	// Nested true conditions merge depth-first; errors and false
	// conditions contribute nothing.
	assert.Equal(t, []string{"Firefox", "LabTools", "SonomaExtras"}, m.ManagedInstalls)
	assert.Empty(t, m.ConditionalItems)
}

func newTestRetriever(t *testing.T, srvURL string) *Retriever {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.SoftwareRepoURL = srvURL
	cfg.ManagedInstallDir = t.TempDir()
	f := fetch.New(cfg, report.Noop{})
	return NewRetriever(cfg, f, testFacts())
}

func TestPrimaryManifestProbeChain(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path == "/manifests/C02XYZ123" {
			w.Write([]byte(labManifest))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := newTestRetriever(t, srv.URL)
	name, m, err := r.Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "C02XYZ123", name)
	assert.Equal(t, []string{"Firefox"}, m.ManagedInstalls)
	assert.Equal(t, []string{
		"/manifests/lab-mac-042.example.com",
		"/manifests/lab-mac-042",
		"/manifests/C02XYZ123",
	}, hits)
}

func TestPrimaryManifestSiteDefaultFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifests/site_default" {
			w.Write([]byte(labManifest))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := newTestRetriever(t, srv.URL)
	name, _, err := r.Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "site_default", name)
}

func TestExplicitClientIdentifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifests/groups/lab", r.URL.Path)
		w.Write([]byte(labManifest))
	}))
	defer srv.Close()

	r := newTestRetriever(t, srv.URL)
	r.cfg.ClientIdentifier = "groups/lab"
	name, _, err := r.Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "groups/lab", name)
}

func TestGetIsMemoized(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(labManifest))
	}))
	defer srv.Close()

	r := newTestRetriever(t, srv.URL)
	first, err := r.Get(context.Background(), "common")
	require.NoError(t, err)
	second, err := r.Get(context.Background(), "common")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests), "second Get must not touch the network")
	assert.True(t, r.Cached("common"))
}
