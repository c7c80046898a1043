package cache

import (
	"os/exec"
	"time"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
)

// PrecacheAgentLabel is the launchd job that performs background
// downloads while no session is running.
const PrecacheAgentLabel = "com.googlecode.munki.precache_agent"

// execCommand is abstracted for testing.
var execCommand = exec.Command

// StartPrecacheAgent kicks the background download job. Failures are
// logged only; precaching is opportunistic.
func StartPrecacheAgent() {
	out, err := execCommand("/bin/launchctl", "kickstart", "system/"+PrecacheAgentLabel).CombinedOutput()
	if err != nil {
		logging.Debug("Unable to start precache agent",
			"error", err, "output", string(out))
		return
	}
	logging.Debug("Started precache agent")
}

// StopPrecacheAgent halts the background download job so the session
// controller has the cache directory to itself.
func StopPrecacheAgent() {
	out, err := execCommand("/bin/launchctl", "kill", "SIGTERM", "system/"+PrecacheAgentLabel).CombinedOutput()
	if err != nil {
		logging.Debug("Precache agent not running", "output", string(out))
		return
	}
	logging.Debug("Stopped precache agent")
}

// ShouldBeRemovedIfUnused reports whether an installed self-service item
// qualifies for unused-software removal: every tracked bundle has a
// last-activation record older than the removal window. Items without
// usage records are kept; absence of data is not evidence of disuse.
func ShouldBeRemovedIfUnused(item *pkginfo.PkgInfo, usage map[string]time.Time, cfg *config.Configuration, now time.Time) bool {
	info := item.UnusedSoftwareRemovalInfo
	if info == nil || len(usage) == 0 {
		return false
	}
	removalDays := info.RemovalDays
	if removalDays <= 0 {
		removalDays = cfg.UnusedSoftwareRemovalDays
	}
	if removalDays <= 0 {
		return false
	}

	bundleIDs := info.BundleIDs
	if len(bundleIDs) == 0 {
		for _, entry := range item.Installs {
			if entry.Type == "application" && entry.CFBundleIdentifier != "" {
				bundleIDs = append(bundleIDs, entry.CFBundleIdentifier)
			}
		}
	}
	if len(bundleIDs) == 0 {
		return false
	}

	cutoff := now.AddDate(0, 0, -removalDays)
	for _, bundleID := range bundleIDs {
		lastUsed, ok := usage[bundleID]
		if !ok {
			return false
		}
		if lastUsed.After(cutoff) {
			return false
		}
	}
	logging.Info("Item unused beyond removal window, scheduling removal",
		"item", item.Name, "removal_days", removalDays)
	return true
}
