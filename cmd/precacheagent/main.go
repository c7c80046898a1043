// cmd/precacheagent/main.go
//
// Launchd-driven background downloader. Reads the optional installs the
// last update check flagged for precaching and pulls their payloads into
// the cache so a later self-service install starts instantly.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/macadmins/capuchin/pkg/cache"
	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/fetch"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
	"github.com/macadmins/capuchin/pkg/resolver"
	"github.com/macadmins/capuchin/pkg/version"
)

func main() {
	versionFlag := pflag.Bool("version", false, "Print the version and exit.")
	pflag.Parse()

	if *versionFlag {
		version.Print()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Options{
		BaseDir: cfg.LogsPath(),
		Level:   logging.LevelInfo,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	if !cfg.PrecacheOptionalInstalls {
		logging.Debug("Precaching disabled, exiting")
		os.Exit(0)
	}

	info, err := resolver.ReadInstallInfo(cfg.InstallInfoPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Unable to read InstallInfo", "error", err)
		}
		os.Exit(0)
	}

	var items []*pkginfo.PkgInfo
	for _, entry := range info.OptionalInstalls {
		if !entry.Precache || entry.Installed {
			continue
		}
		items = append(items, &pkginfo.PkgInfo{
			Name:                  entry.Name,
			Version:               entry.VersionToInstall,
			InstallerItemLocation: entry.InstallerItemLocation,
			InstallerItemHash:     entry.InstallerItemHash,
			InstallerItemSize:     entry.InstallerItemSize,
			InstalledSize:         entry.InstalledSize,
			PackageCompleteURL:    entry.PackageCompleteURL,
		})
	}
	if len(items) == 0 {
		logging.Debug("Nothing to precache")
		os.Exit(0)
	}

	// SIGTERM arrives when a new update-check session wants the cache
	// directory; stop cleanly between downloads.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := cache.NewManager(cfg, fetch.New(cfg, nil), nil)
	logging.Info("Precaching optional installs", "items", len(items))
	m.Precache(ctx, items)
}
