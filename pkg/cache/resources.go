package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
)

// clientResourceLocalName is the fixed local filename; only one resource
// archive is kept regardless of which candidate matched.
const clientResourceLocalName = "custom.zip"

// DownloadClientResources fetches the client customization archive,
// trying the configured filename, the primary manifest's name, then
// site_default. 404s move to the next candidate.
func (m *Manager) DownloadClientResources(ctx context.Context, primaryManifestName string) error {
	var candidates []string
	if m.cfg.ClientResourcesFilename != "" {
		candidates = append(candidates, m.cfg.ClientResourcesFilename)
	} else {
		if primaryManifestName != "" {
			candidates = append(candidates, primaryManifestName+".zip")
		}
		candidates = append(candidates, "site_default.zip")
	}

	localPath := filepath.Join(m.cfg.ClientResourcesPath(), clientResourceLocalName)
	for _, name := range candidates {
		_, err := m.fetcher.Fetch(ctx, fetch.KindClientResource, name, localPath, fetch.Options{})
		if err == nil {
			logging.Debug("Downloaded client resources", "resource", name)
			return nil
		}
		if fetch.IsNotFound(err) {
			continue
		}
		return err
	}
	return nil
}

// licenseURLLimit caps the length of each seat-availability query so
// proxies and older servers keep working.
const licenseURLLimit = 255

// httpGet is swapped in tests.
var httpGet = func(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("license server returned HTTP status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// AvailableLicenseSeats queries the license server for the given item
// names, batching requests so each URL stays under the length limit.
// The result maps each queried name to whether seats remain; a name
// missing from the server response is simply absent.
func (m *Manager) AvailableLicenseSeats(ctx context.Context, names []string) (map[string]bool, error) {
	if m.cfg.LicenseInfoURL == "" || len(names) == 0 {
		return nil, nil
	}

	seats := make(map[string]bool)
	var batch []string
	batchLen := len(m.cfg.LicenseInfoURL) + 1
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		query := url.Values{}
		for _, name := range batch {
			query.Add("name", name)
		}
		data, err := httpGet(ctx, m.cfg.LicenseInfoURL+"?"+query.Encode())
		if err != nil {
			return err
		}
		var counts map[string]int
		if err := plist.Unmarshal(data, &counts); err != nil {
			return fmt.Errorf("parsing license seat response: %w", err)
		}
		for name, count := range counts {
			seats[name] = count > 0
		}
		batch = batch[:0]
		batchLen = len(m.cfg.LicenseInfoURL) + 1
		return nil
	}

	for _, name := range names {
		encodedLen := len("name=") + len(url.QueryEscape(name)) + 1
		if len(batch) > 0 && batchLen+encodedLen > licenseURLLimit {
			if err := flush(); err != nil {
				return seats, err
			}
		}
		batch = append(batch, name)
		batchLen += encodedLen
	}
	if err := flush(); err != nil {
		return seats, err
	}
	return seats, nil
}

// LoadApplicationUsage reads the application usage history: a mapping of
// bundle id to last activation time.
func LoadApplicationUsage(path string) map[string]time.Time {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var usage map[string]time.Time
	if err := plist.Unmarshal(data, &usage); err != nil {
		logging.Debug("Unable to parse application usage history", "error", err)
		return nil
	}
	return usage
}
