// pkg/fetch/fetch.go - HTTP resource retrieval for the managed software
// client.
//
// All repo traffic flows through a single Fetcher: manifests, catalogs,
// installer packages, icons, and client resources. Package downloads can
// resume interrupted transfers; metadata downloads use conditional GETs
// so unchanged resources cost one round trip.

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/report"
	"github.com/macadmins/capuchin/pkg/retry"
	"github.com/macadmins/capuchin/pkg/utils"
)

// Kind selects which repo namespace a resource lives in.
type Kind int

const (
	KindManifest Kind = iota
	KindCatalog
	KindPackage
	KindIcon
	KindClientResource
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindCatalog:
		return "catalog"
	case KindPackage:
		return "package"
	case KindIcon:
		return "icon"
	default:
		return "client resource"
	}
}

// partialSuffix marks an in-progress download next to its destination.
const partialSuffix = ".download"

// Options control a single fetch.
type Options struct {
	// Resume appends to an existing partial download via a Range request.
	Resume bool
	// ExpectedHash, when set, is the required SHA-256 of the complete file.
	ExpectedHash string
	// Message is logged at the start of a network transfer.
	Message string
	// IgnoreCache skips the conditional GET even when validators exist.
	IgnoreCache bool
}

// Middleware mutates outgoing requests, for example to sign them for a
// CDN or attach bearer tokens.
type Middleware interface {
	ProcessRequest(req *http.Request) error
}

// Fetcher retrieves repo resources over HTTP.
type Fetcher struct {
	cfg        *config.Configuration
	client     *http.Client
	middleware []Middleware
	reporter   report.Reporter
	retryCfg   retry.Config
}

// New builds a Fetcher from configuration. Redirect policy follows the
// FollowHTTPRedirects preference: "all", "https", or "none".
func New(cfg *config.Configuration, rep report.Reporter) *Fetcher {
	if rep == nil {
		rep = report.Noop{}
	}
	client := &http.Client{
		Timeout: 30 * time.Minute,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			switch strings.ToLower(cfg.FollowHTTPRedirects) {
			case "all":
				return nil
			case "https":
				if req.URL.Scheme == "https" {
					return nil
				}
			}
			return http.ErrUseLastResponse
		},
	}
	return &Fetcher{
		cfg:      cfg,
		client:   client,
		reporter: rep,
		retryCfg: retry.Config{
			MaxRetries:      3,
			InitialInterval: 2 * time.Second,
			Multiplier:      2,
		},
	}
}

// Use appends request middleware; middleware runs in registration order.
func (f *Fetcher) Use(m Middleware) {
	f.middleware = append(f.middleware, m)
}

// SetClient replaces the HTTP client, primarily for tests.
func (f *Fetcher) SetClient(c *http.Client) { f.client = c }

// baseURL returns the URL prefix for a resource kind, honoring per-kind
// overrides before falling back to SoftwareRepoURL subdirectories.
func (f *Fetcher) baseURL(kind Kind) string {
	repo := strings.TrimRight(f.cfg.SoftwareRepoURL, "/")
	if repo == "" {
		repo = config.DefaultRepoURL
	}
	override := ""
	subdir := ""
	switch kind {
	case KindManifest:
		override, subdir = f.cfg.ManifestURL, "manifests"
	case KindCatalog:
		override, subdir = f.cfg.CatalogURL, "catalogs"
	case KindPackage:
		override, subdir = f.cfg.PackageURL, "pkgs"
	case KindIcon:
		override, subdir = f.cfg.IconURL, "icons"
	case KindClientResource:
		override, subdir = f.cfg.ClientResourceURL, "client_resources"
	}
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return repo + "/" + subdir
}

// URLFor builds the full URL for a named resource. Names may contain
// slashes (nested manifests, pkgs in subdirectories); each path segment
// is escaped individually.
func (f *Fetcher) URLFor(kind Kind, name string) string {
	if strings.Contains(name, "://") {
		return name
	}
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return f.baseURL(kind) + "/" + strings.Join(segments, "/")
}

// Fetch downloads a named resource to destPath. It returns true when
// destPath now holds new content, false when the cached copy was already
// current. Verification failures remove the destination file.
func (f *Fetcher) Fetch(ctx context.Context, kind Kind, name, destPath string, opts Options) (bool, error) {
	resourceURL := f.URLFor(kind, name)

	var changed bool
	err := retry.Retry(f.retryCfg, func() error {
		var attemptErr error
		changed, attemptErr = f.fetchOnce(ctx, resourceURL, destPath, opts)
		return attemptErr
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, resourceURL, destPath string, opts Options) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return false, &retry.NonRetryable{Err: &Error{Kind: ErrDownload, Message: err.Error(), Err: err}}
	}

	for _, header := range f.cfg.AdditionalHTTPHeaders {
		if name, value, ok := strings.Cut(header, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	partialPath := destPath + partialSuffix
	var resumeFrom int64
	if opts.Resume {
		if fi, statErr := os.Stat(partialPath); statErr == nil && fi.Size() > 0 {
			resumeFrom = fi.Size()
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		}
	}

	if !opts.IgnoreCache && resumeFrom == 0 && utils.FileExists(destPath) {
		etag, lastModified := cacheValidators(destPath)
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
	}

	for _, m := range f.middleware {
		if mwErr := m.ProcessRequest(req); mwErr != nil {
			return false, &retry.NonRetryable{Err: &Error{
				Kind: ErrDownload, Message: "middleware: " + mwErr.Error(), Err: mwErr,
			}}
		}
	}

	if opts.Message != "" {
		f.reporter.MinorStatus(opts.Message)
		logging.Info(opts.Message, "url", resourceURL)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return false, connectionError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		logging.Debug("Cached copy is current", "url", resourceURL)
		return false, nil
	case resp.StatusCode == http.StatusOK:
		if resumeFrom > 0 {
			// Server ignored the Range request; start over.
			resumeFrom = 0
		}
	case resp.StatusCode == http.StatusPartialContent:
		// resuming at resumeFrom
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		os.Remove(partialPath)
		return false, httpError(resp.StatusCode, resourceURL)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, &retry.NonRetryable{Err: httpError(resp.StatusCode, resourceURL)}
	default:
		return false, httpError(resp.StatusCode, resourceURL)
	}

	if err := f.writeBody(resp, partialPath, resumeFrom, resourceURL); err != nil {
		return false, err
	}

	if opts.ExpectedHash != "" {
		if !utils.VerifySHA256(partialPath, opts.ExpectedHash) {
			os.Remove(partialPath)
			os.Remove(destPath)
			return false, &retry.NonRetryable{Err: &Error{
				Kind:    ErrVerification,
				Message: fmt.Sprintf("%s: hash mismatch", filepath.Base(destPath)),
			}}
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return false, &retry.NonRetryable{Err: &Error{Kind: ErrFilesystem, Message: err.Error(), Err: err}}
	}
	if err := os.Rename(partialPath, destPath); err != nil {
		return false, &retry.NonRetryable{Err: &Error{Kind: ErrFilesystem, Message: err.Error(), Err: err}}
	}
	storeCacheValidators(destPath, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))
	return true, nil
}

// writeBody streams the response into the partial file, reporting
// percent-complete when the total size is known.
func (f *Fetcher) writeBody(resp *http.Response, partialPath string, resumeFrom int64, resourceURL string) error {
	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(partialPath), 0755); err != nil {
		return &retry.NonRetryable{Err: &Error{Kind: ErrFilesystem, Message: err.Error(), Err: err}}
	}
	out, err := os.OpenFile(partialPath, flags, 0644)
	if err != nil {
		return &retry.NonRetryable{Err: &Error{Kind: ErrFilesystem, Message: err.Error(), Err: err}}
	}
	defer out.Close()

	total := resumeFrom
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, convErr := strconv.ParseInt(cl, 10, 64); convErr == nil {
			total += n
		}
	}

	written := resumeFrom
	buf := make([]byte, 64*1024)
	lastPercent := -1
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return &retry.NonRetryable{Err: &Error{Kind: ErrFilesystem, Message: writeErr.Error(), Err: writeErr}}
			}
			written += int64(n)
			if total > 0 {
				percent := int(written * 100 / total)
				if percent != lastPercent {
					f.reporter.Percent(percent)
					lastPercent = percent
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Partial stays on disk for a future resume.
			return &Error{
				Kind:    ErrDownload,
				Message: fmt.Sprintf("transfer from %s interrupted: %v", resourceURL, readErr),
				Err:     readErr,
			}
		}
	}
	return out.Close()
}
